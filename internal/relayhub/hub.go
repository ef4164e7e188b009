// Package relayhub is the server side of the signaling channel: a WebSocket
// relay that forwards opaque payloads between connected identities.
//
// Endpoints:
//   - GET /signal?identity=<id>&apiKey=<key> : WebSocket upgrade
//   - GET /ice                               : {"iceServers":[...]} for peers
package relayhub

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/hubproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/turnrest"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
)

type Config struct {
	AuthMode auth.Mode
	Verifier auth.Verifier

	// MaxMessagesPerSecond applies per connection. Negative disables the limit.
	MaxMessagesPerSecond int
	MaxMessageBytes      int64
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	// ICEServers are served at GET /ice. When TURNREST is set, TURN entries
	// get fresh ephemeral credentials on every request.
	ICEServers []webrtc.ICEServer
	TURNREST   *turnrest.Generator

	// Clock drives the per-connection rate limit; nil means wall time.
	Clock ratelimit.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*peerConn
	closed bool
}

func New(cfg Config) (*Hub, error) {
	if cfg.AuthMode == "" {
		cfg.AuthMode = auth.ModeNone
	}
	if cfg.Verifier == nil {
		if cfg.AuthMode != auth.ModeNone {
			return nil, errors.New("relayhub: verifier is required when auth is enabled")
		}
		cfg.Verifier = auth.AllowAll{}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond == 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			// Peers are daemons, not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*peerConn),
	}, nil
}

func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", h.handleSignal)
	mux.HandleFunc("GET /ice", h.handleICE)
}

// Online reports whether identity currently holds a connection.
func (h *Hub) Online(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.conns[identity]
	return ok && pc.conn != nil
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every peer and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		// Connections still upgrading see closed and shut themselves.
		if pc.conn != nil {
			conns = append(conns, pc)
		}
	}
	h.mu.Unlock()

	for _, pc := range conns {
		pc.closeWith(websocket.CloseGoingAway, "hub shutting down")
	}
}

func (h *Hub) handleSignal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := q.Get("identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	cred, err := auth.CredentialFromQuery(h.cfg.AuthMode, q)
	if err == nil {
		err = h.cfg.Verifier.Verify(cred)
	}
	if err != nil {
		h.cfg.Metrics.Inc(metrics.HubAuthFailed)
		h.log.Warn("signal auth failed", "identity", identity, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Reserve the identity before upgrading so a duplicate gets a plain 409.
	pc := &peerConn{hub: h, identity: identity}
	if status := h.reserve(pc); status != 0 {
		if status == http.StatusConflict {
			h.cfg.Metrics.Inc(metrics.HubRejectedIdentity)
			h.log.Warn("identity already connected", "identity", identity)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(pc)
		return
	}
	h.mu.Lock()
	pc.conn = conn
	closed := h.closed
	h.mu.Unlock()
	if closed {
		pc.closeWith(websocket.CloseGoingAway, "hub shutting down")
		pc.close()
		return
	}

	pc.limiter = ratelimit.PerSecond(h.cfg.Clock, h.cfg.MaxMessagesPerSecond)
	pc.log = h.log.With("identity", identity)
	h.cfg.Metrics.Inc(metrics.HubConnections)
	pc.log.Info("peer connected")
	pc.run()
}

func (h *Hub) reserve(pc *peerConn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return http.StatusServiceUnavailable
	}
	if _, ok := h.conns[pc.identity]; ok {
		return http.StatusConflict
	}
	h.conns[pc.identity] = pc
	return 0
}

func (h *Hub) release(pc *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[pc.identity] == pc {
		delete(h.conns, pc.identity)
	}
}

func (h *Hub) lookup(identity string) *peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc := h.conns[identity]
	if pc == nil || pc.conn == nil {
		return nil
	}
	return pc
}

type peerConn struct {
	hub      *Hub
	identity string
	conn     *websocket.Conn
	log      *slog.Logger
	limiter  *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (pc *peerConn) run() {
	defer pc.close()

	h := pc.hub
	cfg := h.cfg
	conn := pc.conn

	_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go pc.keepalive(done)

	for {
		msgType, r, err := conn.NextReader()
		if err != nil {
			pc.log.Info("peer disconnected", "err", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		data, err := readLimited(r, cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				cfg.Metrics.Inc(metrics.HubMessageTooLarge)
				pc.fail(hubproto.CodeMessageTooLarge, "message too large", websocket.CloseMessageTooBig)
				return
			}
			return
		}
		// The limit is applied after the read so the socket is drained and a
		// close frame is not lost to a reset.
		if !pc.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.HubRateLimited)
			_ = pc.writeFrame(hubproto.Error(hubproto.CodeRateLimited, "rate limit exceeded", ""))
			continue
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.HubInvalidFrame)
			pc.fail(hubproto.CodeInvalidFrame, "expected text message", websocket.CloseUnsupportedData)
			return
		}

		f, err := hubproto.Parse(data)
		if err != nil || f.Type != hubproto.FrameTypePublish {
			if err == nil {
				err = errors.New("only publish frames are accepted")
			}
			cfg.Metrics.Inc(metrics.HubInvalidFrame)
			_ = pc.writeFrame(hubproto.Error(hubproto.CodeInvalidFrame, err.Error(), ""))
			continue
		}
		pc.publish(f.To, f.Payload)
	}
}

func (pc *peerConn) publish(to string, payload json.RawMessage) {
	h := pc.hub
	h.cfg.Metrics.Inc(metrics.HubPublished)

	target := h.lookup(to)
	if target == nil {
		h.cfg.Metrics.Inc(metrics.HubPeerOffline)
		_ = pc.writeFrame(hubproto.Error(hubproto.CodePeerOffline, "peer is not connected", to))
		return
	}
	if err := target.writeFrame(hubproto.Deliver(pc.identity, payload)); err != nil {
		h.cfg.Metrics.Inc(metrics.HubPeerOffline)
		_ = pc.writeFrame(hubproto.Error(hubproto.CodePeerOffline, "delivery failed", to))
		return
	}
	h.cfg.Metrics.Inc(metrics.HubDelivered)
}

func (pc *peerConn) keepalive(done <-chan struct{}) {
	t := time.NewTicker(pc.hub.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (pc *peerConn) writeFrame(f hubproto.Frame) error {
	data, err := hubproto.Marshal(f)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// A stalled reader would otherwise block every sender.
		_ = pc.conn.Close()
		return err
	}
	return nil
}

func (pc *peerConn) fail(code, message string, closeCode int) {
	_ = pc.writeFrame(hubproto.Error(code, message, ""))
	pc.closeWith(closeCode, message)
}

func (pc *peerConn) closeWith(code int, reason string) {
	pc.writeMu.Lock()
	_ = pc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	pc.writeMu.Unlock()
	_ = pc.conn.Close()
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		pc.hub.release(pc)
		_ = pc.conn.Close()
	})
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
