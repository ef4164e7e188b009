// Package session multiplexes negotiations with many remote peers for one
// local identity.
//
// A Manager becomes ready once its signaling channel is attached and its ICE
// servers are resolved. It then creates exactly one connection.Connection per
// remote peer, lazily, and routes inbound signals to it by sender.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/workqueue"
)

const DefaultFetchTimeout = 10 * time.Second

var (
	ErrNotReady    = errors.New("session: manager not ready")
	ErrClosed      = errors.New("session: manager closed")
	ErrDied        = fmt.Errorf("%w: client died", ErrClosed)
	ErrInvalidPeer = errors.New("session: invalid peer id")
)

type Config struct {
	LocalID    string
	Channel    signaling.Channel
	ICEServers iceservers.Provider
	Native     connection.NativeFactory
	Events     Events

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// FetchTimeout bounds the single ICE server fetch. Zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
}

// PeerStatus is one entry of Manager.Peers.
type PeerStatus struct {
	Peer   string            `json:"peer"`
	Status connection.Status `json:"status"`
}

type Manager struct {
	localID  string
	channel  signaling.Channel
	provider iceservers.Provider
	native   connection.NativeFactory
	events   Events
	log      *slog.Logger
	metrics  *metrics.Metrics

	fetchTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc

	// dispatch delivers Events in order, off every caller's stack.
	dispatch *workqueue.Serial

	mu          sync.Mutex
	attached    bool
	iceResolved bool
	ready       bool
	dead        bool
	closed      bool
	iceServers  []webrtc.ICEServer
	sessions    map[string]*connection.Connection
}

// New starts the manager. Channel attach and the ICE fetch run concurrently;
// the outcome is reported through cfg.Events.
func New(cfg Config) (*Manager, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("session: local id is required")
	}
	if cfg.Channel == nil || cfg.ICEServers == nil || cfg.Native == nil {
		return nil, errors.New("session: channel, ice server provider and native factory are required")
	}
	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		localID:      cfg.LocalID,
		channel:      cfg.Channel,
		provider:     cfg.ICEServers,
		native:       cfg.Native,
		events:       events,
		log:          log.With("local_id", cfg.LocalID),
		metrics:      cfg.Metrics,
		fetchTimeout: timeout,
		ctx:          ctx,
		cancel:       cancel,
		dispatch:     workqueue.NewSerial(0),
		sessions:     make(map[string]*connection.Connection),
	}

	if err := m.channel.Attach(m.localID, channelHandler{m}); err != nil {
		m.die(fmt.Errorf("attach signaling channel: %w", err))
		return m, nil
	}
	go m.fetchICEServers()
	return m, nil
}

func (m *Manager) LocalID() string { return m.localID }

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && !m.dead && !m.closed
}

// Done is closed after Close once every queued event has been delivered.
func (m *Manager) Done() <-chan struct{} {
	return m.dispatch.Done()
}

// ConnectTo places a call to peerID, creating its session if needed.
func (m *Manager) ConnectTo(peerID string) error {
	c, err := m.session(peerID, true)
	if err != nil {
		return err
	}
	c.Connect()
	return nil
}

// DisconnectFrom hangs up on peerID.
func (m *Manager) DisconnectFrom(peerID string) error {
	c, err := m.session(peerID, true)
	if err != nil {
		return err
	}
	c.Disconnect()
	return nil
}

// Status reports the status of the live session with peerID.
func (m *Manager) Status(peerID string) (connection.Status, bool) {
	m.mu.Lock()
	c := m.sessions[peerID]
	m.mu.Unlock()
	if c == nil {
		return "", false
	}
	return c.Status(), true
}

// Peers lists live sessions sorted by peer id.
func (m *Manager) Peers() []PeerStatus {
	m.mu.Lock()
	conns := make([]*connection.Connection, 0, len(m.sessions))
	for _, c := range m.sessions {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]PeerStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, PeerStatus{Peer: c.PeerID(), Status: c.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Close disconnects every session and detaches from the channel. Events
// already queued are still delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*connection.Connection, 0, len(m.sessions))
	for _, c := range m.sessions {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}

	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()

	m.cancel()
	m.channel.Detach(m.localID)
	m.log.Info("session manager closed", "sessions", len(conns))
	m.dispatch.Close()
}

// session returns the live session for peerID. A new one is created under the
// registry lock when create is set, so concurrent callers always agree on a
// single instance.
func (m *Manager) session(peerID string, create bool) (*connection.Connection, error) {
	if peerID == "" || peerID == m.localID {
		return nil, ErrInvalidPeer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.dead:
		return nil, ErrDied
	case m.closed:
		return nil, ErrClosed
	case !m.ready:
		return nil, ErrNotReady
	}
	if c := m.sessions[peerID]; c != nil || !create {
		return c, nil
	}

	// connection.New only notifies NEW, which never takes m.mu.
	c, err := connection.New(connection.Config{
		LocalID:    m.localID,
		PeerID:     peerID,
		ICEServers: m.iceServers,
		Native:     m.native,
		Sender:     m.channel,
		Handler:    connHandler{m},
		Logger:     m.log,
		Metrics:    m.metrics,
	})
	if err != nil {
		m.log.Error("create session", "peer_id", peerID, "err", err)
		return nil, err
	}
	m.sessions[peerID] = c
	return c, nil
}

func (m *Manager) route(from string, payload []byte) {
	m.metrics.Inc(metrics.SignalReceived)

	if !m.Ready() {
		m.log.Debug("dropping signal before ready", "from", from)
		m.metrics.Inc(metrics.DropNotReady)
		return
	}

	h, err := signalmsg.DecodeHeader(payload)
	if err != nil {
		m.log.Warn("dropping unparseable signal", "from", from, "err", err)
		m.metrics.Inc(metrics.DropMalformed)
		return
	}
	if h.Sender == m.localID {
		m.metrics.Inc(metrics.DropSelfAddressed)
		return
	}
	if from != "" && from != h.Sender {
		m.log.Warn("dropping signal with forged sender", "from", from, "sender", h.Sender)
		m.metrics.Inc(metrics.DropMalformed)
		return
	}
	msg, err := signalmsg.Decode(payload)
	if err != nil {
		m.log.Warn("dropping malformed signal", "sender", h.Sender, "err", err)
		m.metrics.Inc(metrics.DropMalformed)
		return
	}

	c, err := m.session(h.Sender, h.Type != signalmsg.TypeDisconnect)
	if err != nil {
		if errors.Is(err, ErrNotReady) || errors.Is(err, ErrClosed) {
			m.metrics.Inc(metrics.DropNotReady)
		}
		return
	}
	if c == nil {
		m.log.Debug("dropping disconnect for unknown peer", "sender", h.Sender)
		m.metrics.Inc(metrics.DropUnknownPeerDisconnect)
		return
	}
	c.HandleSignal(msg)
}

func (m *Manager) fetchICEServers() {
	ctx, cancel := context.WithTimeout(m.ctx, m.fetchTimeout)
	defer cancel()

	servers, err := m.provider.Fetch(ctx)
	if err != nil {
		m.die(fmt.Errorf("fetch ice servers: %w", err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.iceServers = servers
	m.iceResolved = true
	m.log.Info("ice servers resolved", "count", len(servers))
	m.maybeReadyLocked()
}

func (m *Manager) onAttached() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = true
	m.log.Info("signaling channel attached")
	m.maybeReadyLocked()
}

func (m *Manager) maybeReadyLocked() {
	if m.ready || m.dead || m.closed || !m.attached || !m.iceResolved {
		return
	}
	m.ready = true
	m.log.Info("session manager ready")
	m.emit(m.events.OnClientReady)
}

// die reports a fatal failure once. After it the manager refuses all work.
func (m *Manager) die(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead || m.closed {
		return
	}
	m.dead = true
	m.metrics.Inc(metrics.ClientDied)
	m.log.Error("session manager died", "err", err)
	m.emit(func() { m.events.OnClientDied(err) })
}

func (m *Manager) emit(fn func()) {
	m.dispatch.Submit(fn)
}

func (m *Manager) remove(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[c.PeerID()] == c {
		delete(m.sessions, c.PeerID())
	}
}

// connHandler receives connection callbacks. They run with the connection's
// lock held; taking m.mu here is the permitted session-then-manager order.
type connHandler struct {
	m *Manager
}

func (h connHandler) OnStateChanged(c *connection.Connection, from, to connection.Status) {
	m := h.m
	peer := c.PeerID()
	switch {
	case to == connection.StatusNew:
		m.metrics.SessionOpened()
	case to.Connected():
		m.emit(func() { m.events.OnPeerConnected(peer) })
	case to == connection.StatusDisconnected:
		m.remove(c)
		m.metrics.SessionClosed()
		m.emit(func() { m.events.OnPeerDisconnected(peer) })
	}
}

func (h connHandler) OnRemoteStreamAdded(c *connection.Connection, s connection.RemoteStream) {
	m, peer := h.m, c.PeerID()
	m.emit(func() { m.events.OnRemoteStreamAdded(peer, s) })
}

func (h connHandler) OnRemoteStreamRemoved(c *connection.Connection, s connection.RemoteStream) {
	m, peer := h.m, c.PeerID()
	m.emit(func() { m.events.OnRemoteStreamRemoved(peer, s) })
}

type channelHandler struct {
	m *Manager
}

func (h channelHandler) OnAttached() { h.m.onAttached() }

func (h channelHandler) OnDetached(err error) {
	if err == nil {
		err = signaling.ErrClosed
	}
	h.m.die(fmt.Errorf("signaling channel detached: %w", err))
}

func (h channelHandler) OnMessage(from string, payload []byte) { h.m.route(from, payload) }
