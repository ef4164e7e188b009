package connection

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
)

type nativeCalls struct {
	offers          int
	answers         int
	local           []signalmsg.SessionDescription
	remote          []signalmsg.SessionDescription
	candidates      []signalmsg.Candidate
	closed          int
	callsAfterClose int
}

type fakeNative struct {
	mu     sync.Mutex
	events NativeEvents
	calls  nativeCalls
}

func (n *fakeNative) CreateOffer()  { n.record(func(c *nativeCalls) { c.offers++ }) }
func (n *fakeNative) CreateAnswer() { n.record(func(c *nativeCalls) { c.answers++ }) }

func (n *fakeNative) SetLocalDescription(d signalmsg.SessionDescription) {
	n.record(func(c *nativeCalls) { c.local = append(c.local, d) })
}

func (n *fakeNative) SetRemoteDescription(d signalmsg.SessionDescription) {
	n.record(func(c *nativeCalls) { c.remote = append(c.remote, d) })
}

func (n *fakeNative) AddRemoteCandidate(cand signalmsg.Candidate) {
	n.record(func(c *nativeCalls) { c.candidates = append(c.candidates, cand) })
}

func (n *fakeNative) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.closed++
	return nil
}

func (n *fakeNative) record(f func(c *nativeCalls)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls.closed > 0 {
		n.calls.callsAfterClose++
	}
	f(&n.calls)
}

func (n *fakeNative) snapshot() nativeCalls {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.calls
	out.local = append([]signalmsg.SessionDescription(nil), n.calls.local...)
	out.remote = append([]signalmsg.SessionDescription(nil), n.calls.remote...)
	out.candidates = append([]signalmsg.Candidate(nil), n.calls.candidates...)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	natives []*fakeNative
	err     error
}

func (f *fakeFactory) NewNativeSession(cfg NativeConfig, events NativeEvents) (NativeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNative{events: events}
	f.natives = append(f.natives, n)
	return n, nil
}

type sentSignal struct {
	dest string
	msg  signalmsg.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentSignal
	err  error
}

func (s *fakeSender) Send(dest string, payload []byte) error {
	msg, err := signalmsg.Decode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{dest: dest, msg: msg})
	return s.err
}

func (s *fakeSender) messages() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentSignal(nil), s.sent...)
}

func (s *fakeSender) count(t signalmsg.Type) int {
	n := 0
	for _, m := range s.messages() {
		if m.msg.Type == t {
			n++
		}
	}
	return n
}

type transition struct {
	from, to Status
}

type recordingHandler struct {
	mu          sync.Mutex
	transitions []transition
	added       []string
	removed     []string
}

func (h *recordingHandler) OnStateChanged(c *Connection, from, to Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, transition{from, to})
}

func (h *recordingHandler) OnRemoteStreamAdded(c *Connection, s RemoteStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added = append(h.added, s.StreamID())
}

func (h *recordingHandler) OnRemoteStreamRemoved(c *Connection, s RemoteStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, s.StreamID())
}

func (h *recordingHandler) seen() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transition(nil), h.transitions...)
}

type stream string

func (s stream) StreamID() string { return string(s) }

type harness struct {
	conn    *Connection
	native  *fakeNative
	sender  *fakeSender
	handler *recordingHandler
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, local, peer string) *harness {
	t.Helper()

	h := &harness{
		sender:  &fakeSender{},
		handler: &recordingHandler{},
		metrics: metrics.New(),
	}
	factory := &fakeFactory{}
	c, err := New(Config{
		LocalID: local,
		PeerID:  peer,
		Native:  factory,
		Sender:  h.sender,
		Handler: h.handler,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	require.Len(t, factory.natives, 1)
	h.conn = c
	h.native = factory.natives[0]
	return h
}

// events returns the callbacks the connection registered with its native
// session, as the engine would see them.
func (h *harness) events() NativeEvents {
	return h.native.events
}

var errBoom = errors.New("boom")
