package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
)

var errBoom = errors.New("boom")

// fakeChannel captures the handler so tests drive attach and delivery by hand.
type fakeChannel struct {
	mu        sync.Mutex
	attachErr error
	handler   signaling.Handler
	identity  string
	detached  int
	sent      []sent
}

type sent struct {
	dest string
	msg  signalmsg.Message
}

func (c *fakeChannel) Attach(identity string, h signaling.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachErr != nil {
		return c.attachErr
	}
	c.identity = identity
	c.handler = h
	return nil
}

func (c *fakeChannel) Detach(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached++
}

func (c *fakeChannel) Send(dest string, payload []byte) error {
	msg, err := signalmsg.Decode(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{dest: dest, msg: msg})
	return nil
}

func (c *fakeChannel) h() signaling.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *fakeChannel) sentTo(dest string) []signalmsg.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signalmsg.Type
	for _, s := range c.sent {
		if s.dest == dest {
			out = append(out, s.msg.Type)
		}
	}
	return out
}

func (c *fakeChannel) detachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// gatedProvider blocks Fetch until release is called.
type gatedProvider struct {
	servers []webrtc.ICEServer
	err     error
	gate    chan struct{}
	calls   chan struct{}
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{
		servers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		gate:    make(chan struct{}),
		calls:   make(chan struct{}, 8),
	}
}

func (p *gatedProvider) release() { close(p.gate) }

func (p *gatedProvider) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	p.calls <- struct{}{}
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.servers, p.err
}

// autoNative answers CreateOffer/CreateAnswer with a description on another
// goroutine, like a real engine would.
type autoNative struct {
	events connection.NativeEvents
	cfg    connection.NativeConfig

	mu     sync.Mutex
	remote []signalmsg.SessionDescription
	closed bool
}

func (n *autoNative) describe(sdpType string) {
	desc := signalmsg.SessionDescription{Type: sdpType, SDP: fmt.Sprintf("v=0 %s from %s", sdpType, n.cfg.LocalID)}
	go n.events.OnLocalDescription(desc)
}

func (n *autoNative) CreateOffer()  { n.describe(signalmsg.SDPTypeOffer) }
func (n *autoNative) CreateAnswer() { n.describe(signalmsg.SDPTypeAnswer) }

func (n *autoNative) SetLocalDescription(signalmsg.SessionDescription) {}

func (n *autoNative) SetRemoteDescription(d signalmsg.SessionDescription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remote = append(n.remote, d)
}

func (n *autoNative) AddRemoteCandidate(signalmsg.Candidate) {}

func (n *autoNative) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *autoNative) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type autoFactory struct {
	mu      sync.Mutex
	natives []*autoNative
	err     error
}

func (f *autoFactory) NewNativeSession(cfg connection.NativeConfig, events connection.NativeEvents) (connection.NativeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &autoNative{events: events, cfg: cfg}
	f.natives = append(f.natives, n)
	return n, nil
}

func (f *autoFactory) created() []*autoNative {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*autoNative(nil), f.natives...)
}

// recordingEvents turns manager callbacks into a channel of strings.
type recordingEvents struct {
	ch chan string
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{ch: make(chan string, 256)}
}

func (e *recordingEvents) OnClientReady()           { e.ch <- "ready" }
func (e *recordingEvents) OnClientDied(err error)   { e.ch <- "died" }
func (e *recordingEvents) OnPeerConnected(p string) { e.ch <- "connected:" + p }

func (e *recordingEvents) OnPeerDisconnected(p string) { e.ch <- "disconnected:" + p }

func (e *recordingEvents) OnRemoteStreamAdded(p string, s connection.RemoteStream) {
	e.ch <- "stream_added:" + p
}

func (e *recordingEvents) OnRemoteStreamRemoved(p string, s connection.RemoteStream) {
	e.ch <- "stream_removed:" + p
}

func (e *recordingEvents) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-e.ch:
		if got != want {
			t.Fatalf("event = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event %q", want)
	}
}

func (e *recordingEvents) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-e.ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func encode(t *testing.T, m signalmsg.Message) []byte {
	t.Helper()
	b, err := signalmsg.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}
