// Package connection implements the per-peer offer/answer negotiation state
// machine.
//
// A Connection owns exactly one NativeSession for its whole life and releases
// it on the transition into DISCONNECTED. All state-dependent decisions happen
// under a single per-connection mutex; independent connections never contend.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
)

type Config struct {
	LocalID    string
	PeerID     string
	ICEServers []webrtc.ICEServer

	Native  NativeFactory
	Sender  Sender
	Handler Handler

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Connection struct {
	localID string
	peerID  string

	sender  Sender
	handler Handler
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     *fsm.FSM
	native    NativeSession
	hasRemote bool
}

// New creates the connection and its native session. The initial NEW
// notification is delivered to cfg.Handler before New returns.
func New(cfg Config) (*Connection, error) {
	if cfg.LocalID == "" || cfg.PeerID == "" {
		return nil, errors.New("connection: local and peer ids are required")
	}
	if cfg.Native == nil || cfg.Sender == nil || cfg.Handler == nil {
		return nil, errors.New("connection: native factory, sender and handler are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Connection{
		localID: cfg.LocalID,
		peerID:  cfg.PeerID,
		sender:  cfg.Sender,
		handler: cfg.Handler,
		log:     log.With("local_id", cfg.LocalID, "peer_id", cfg.PeerID),
		metrics: cfg.Metrics,
		state:   newStateMachine(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	native, err := cfg.Native.NewNativeSession(NativeConfig{
		LocalID:    cfg.LocalID,
		PeerID:     cfg.PeerID,
		ICEServers: cfg.ICEServers,
	}, observer{c})
	if err != nil {
		c.metrics.Inc(metrics.NativeCreateFailed)
		return nil, fmt.Errorf("create native session: %w", err)
	}
	c.native = native
	c.notify("", StatusNew)
	return c, nil
}

func (c *Connection) LocalID() string { return c.localID }

func (c *Connection) PeerID() string { return c.peerID }

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

// Connect starts an outbound call. It is a no-op unless the connection is NEW.
func (c *Connection) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Can(evCall) {
		c.log.Debug("connect ignored", "status", c.status())
		return
	}
	c.fire(evCall)
	c.native.CreateOffer()
}

// Disconnect tears the connection down and tells the peer. Safe to call any
// number of times from any goroutine.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown(true)
}

// HandleSignal applies a message received from the peer. Messages that are
// not legal for the current status are logged and dropped.
func (c *Connection) HandleSignal(msg signalmsg.Message) {
	if err := msg.Validate(); err != nil {
		c.log.Warn("dropping malformed signal", "err", err)
		c.metrics.Inc(metrics.DropMalformed)
		return
	}
	if msg.Sender != c.peerID {
		c.log.Warn("dropping signal from another sender", "sender", msg.Sender)
		c.metrics.Inc(metrics.DropMalformed)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case signalmsg.TypeOffer:
		c.handleOffer(*msg.Description)
	case signalmsg.TypeAnswer:
		c.handleAnswer(*msg.Description)
	case signalmsg.TypeCandidate:
		c.handleCandidate(*msg.Candidate)
	case signalmsg.TypeDisconnect:
		// The peer is already gone; replying would only echo.
		c.teardown(false)
	}
}

func (c *Connection) handleOffer(desc signalmsg.SessionDescription) {
	if !c.state.Can(evOfferReceived) {
		c.dropUnexpected(signalmsg.TypeOffer)
		return
	}
	c.native.SetRemoteDescription(desc)
	c.hasRemote = true
	c.fire(evOfferReceived)
	c.native.CreateAnswer()
}

func (c *Connection) handleAnswer(desc signalmsg.SessionDescription) {
	if !c.state.Can(evAnswerReceived) {
		c.dropUnexpected(signalmsg.TypeAnswer)
		return
	}
	c.native.SetRemoteDescription(desc)
	c.hasRemote = true
	c.fire(evAnswerReceived)
}

func (c *Connection) handleCandidate(cand signalmsg.Candidate) {
	if c.native == nil {
		c.dropUnexpected(signalmsg.TypeCandidate)
		return
	}
	if !c.hasRemote {
		c.log.Debug("dropping candidate before remote description", "status", c.status())
		c.metrics.Inc(metrics.DropCandidateNoRemote)
		return
	}
	c.native.AddRemoteCandidate(cand)
}

func (c *Connection) dropUnexpected(t signalmsg.Type) {
	c.log.Warn("dropping signal in unexpected status", "signal_type", t, "status", c.status())
	c.metrics.Inc(metrics.DropUnexpectedState)
}

func (c *Connection) onLocalDescription(desc signalmsg.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.native == nil {
		return
	}
	c.native.SetLocalDescription(desc)

	switch c.status() {
	case StatusStartedWaitingCall:
		c.fire(evOfferSent)
		c.send(signalmsg.Offer(c.localID, desc.SDP))
	case StatusReceivedWaitingAnswer:
		c.fire(evAnswerSent)
		c.send(signalmsg.Answer(c.localID, desc.SDP))
	default:
		// No recovery: the handshake stalls until someone disconnects.
		c.log.Warn("local description ready in unexpected status", "status", c.status(), "sdp_type", desc.Type)
		c.metrics.Inc(metrics.LocalDescriptionUnexpected)
	}
}

func (c *Connection) onLocalCandidate(cand signalmsg.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.native == nil {
		return
	}
	c.send(signalmsg.CandidateMessage(c.localID, cand))
}

func (c *Connection) onRemoteStreamAdded(s RemoteStream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Can(evStreamAdded) {
		c.log.Warn("remote stream in unexpected status", "status", c.status(), "stream_id", s.StreamID())
		return
	}
	c.fire(evStreamAdded)
	c.handler.OnRemoteStreamAdded(c, s)
}

func (c *Connection) onRemoteStreamRemoved(s RemoteStream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.native == nil {
		return
	}
	c.handler.OnRemoteStreamRemoved(c, s)
	c.teardown(true)
}

func (c *Connection) onFailure(event string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.native == nil {
		return
	}
	c.log.Warn("tearing down session", "reason", event, "err", err)
	c.metrics.Inc(event)
	c.teardown(true)
}

// teardown must be called with c.mu held.
func (c *Connection) teardown(notifyPeer bool) {
	if !c.state.Can(evDisconnect) {
		return
	}
	if err := c.native.Close(); err != nil {
		c.log.Warn("close native session", "err", err)
	}
	c.native = nil
	c.fire(evDisconnect)
	if notifyPeer {
		c.send(signalmsg.Disconnect(c.localID))
	}
}

func (c *Connection) status() Status {
	return Status(c.state.Current())
}

// fire applies a transition already checked with Can and notifies the handler.
func (c *Connection) fire(event string) {
	old := c.status()
	if err := c.state.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.log.Error("state transition failed", "event", event, "status", old, "err", err)
			return
		}
	}
	c.notify(old, c.status())
}

func (c *Connection) notify(from, to Status) {
	c.metrics.ObserveTransition(string(from), string(to))
	c.log.Debug("session status changed", "from", from, "to", to)
	c.handler.OnStateChanged(c, from, to)
}

func (c *Connection) send(m signalmsg.Message) {
	payload, err := signalmsg.Encode(m)
	if err != nil {
		c.log.Error("encode signal", "signal_type", m.Type, "err", err)
		return
	}
	if err := c.sender.Send(c.peerID, payload); err != nil {
		// The local transition has already committed.
		c.log.Warn("send signal failed", "signal_type", m.Type, "err", err)
		c.metrics.Inc(metrics.SignalSendFailed)
		return
	}
	c.metrics.Inc(metrics.SignalSent)
}

type observer struct {
	c *Connection
}

func (o observer) OnLocalDescription(desc signalmsg.SessionDescription) { o.c.onLocalDescription(desc) }

func (o observer) OnLocalCandidate(cand signalmsg.Candidate) { o.c.onLocalCandidate(cand) }

func (o observer) OnConnectivityLost() { o.c.onFailure(metrics.ConnectivityLost, nil) }

func (o observer) OnRemoteStreamAdded(s RemoteStream) { o.c.onRemoteStreamAdded(s) }

func (o observer) OnRemoteStreamRemoved(s RemoteStream) { o.c.onRemoteStreamRemoved(s) }

func (o observer) OnNegotiationFailed(err error) { o.c.onFailure(metrics.NegotiationFailed, err) }
