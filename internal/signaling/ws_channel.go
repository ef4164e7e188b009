package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/hubproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/workqueue"
)

const (
	wsWriteWait = 1 * time.Second
	wsDrainWait = 2 * time.Second

	DefaultMaxMessageBytes = 64 * 1024
	DefaultSendQueue       = 256
	DefaultPingInterval    = 20 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultDialTimeout     = 10 * time.Second
)

// WSConfig configures a WSChannel.
type WSConfig struct {
	// URL is the hub's signaling endpoint, e.g. ws://hub:8443/signal.
	URL    string
	APIKey string

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxMessageBytes int64
	SendQueue       int
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// WSChannel is a Channel backed by a WebSocket connection to the relay hub.
// At most one identity is attached at a time.
type WSChannel struct {
	cfg WSConfig

	mu  sync.Mutex
	att *wsAttachment
}

func NewWSChannel(cfg WSConfig) (*WSChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("signaling: hub url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid hub url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling: hub url must use ws or wss, got %q", u.Scheme)
	}
	return &WSChannel{cfg: cfg.withDefaults()}, nil
}

func (c *WSChannel) Attach(identity string, h Handler) error {
	if identity == "" || h == nil {
		return ErrNotAttached
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.att != nil {
		return ErrAlreadyAttached
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &wsAttachment{
		ch:       c,
		identity: identity,
		handler:  h,
		log:      c.cfg.Logger.With("identity", identity),
		inbox:    workqueue.NewSerial(0),
		writes:   workqueue.NewSerial(c.cfg.SendQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.att = a
	go a.run()
	return nil
}

func (c *WSChannel) Detach(identity string) {
	c.mu.Lock()
	a := c.att
	if a == nil || a.identity != identity {
		c.mu.Unlock()
		return
	}
	c.att = nil
	c.mu.Unlock()

	a.shutdown(nil, false)
}

func (c *WSChannel) Send(dest string, payload []byte) error {
	c.mu.Lock()
	a := c.att
	c.mu.Unlock()
	if a == nil {
		return ErrNotAttached
	}
	return a.send(dest, payload)
}

func (c *WSChannel) release(a *wsAttachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.att == a {
		c.att = nil
	}
}

type wsAttachment struct {
	ch       *WSChannel
	identity string
	handler  Handler
	log      *slog.Logger

	// inbox serializes handler callbacks, writes serializes socket writes.
	inbox  *workqueue.Serial
	writes *workqueue.Serial

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (a *wsAttachment) run() {
	cfg := a.ch.cfg

	conn, err := a.dial()
	if err != nil {
		a.shutdown(err, true)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.conn = conn
	a.mu.Unlock()

	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	a.log.Info("attached to signaling relay")
	h := a.handler
	a.inbox.Submit(h.OnAttached)

	go a.keepalive(conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			a.shutdown(err, true)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.RelayInvalidFrame)
			continue
		}

		f, err := hubproto.Parse(data)
		if err != nil {
			cfg.Metrics.Inc(metrics.RelayInvalidFrame)
			a.log.Warn("invalid relay frame", "err", err)
			continue
		}
		switch f.Type {
		case hubproto.FrameTypeMessage:
			from, payload := f.From, []byte(f.Payload)
			a.inbox.Submit(func() { h.OnMessage(from, payload) })
		case hubproto.FrameTypeError:
			cfg.Metrics.Inc(metrics.RelayErrorFrame)
			a.log.Warn("relay reported error", "code", f.Code, "message", f.Message, "to", f.To)
		default:
			cfg.Metrics.Inc(metrics.RelayInvalidFrame)
		}
	}
}

func (a *wsAttachment) dial() (*websocket.Conn, error) {
	cfg := a.ch.cfg

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("identity", a.identity)
	if cfg.APIKey != "" {
		q.Set("apiKey", cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(a.ctx, cfg.DialTimeout)
	defer cancel()

	conn, resp, err := cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", cfg.URL, err)
	}
	return conn, nil
}

func (a *wsAttachment) keepalive(conn *websocket.Conn) {
	t := time.NewTicker(a.ch.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (a *wsAttachment) send(dest string, payload []byte) error {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()
	if closed || conn == nil {
		return ErrNotAttached
	}

	data, err := hubproto.Marshal(hubproto.Publish(dest, payload))
	if err != nil {
		return err
	}
	ok := a.writes.Submit(func() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			a.log.Warn("relay write failed", "err", err)
			_ = conn.Close()
		}
	})
	if !ok {
		a.ch.cfg.Metrics.Inc(metrics.RelaySendQueueFull)
		return ErrSendQueueFull
	}
	return nil
}

// drainWrites lets writes queued before an explicit detach reach the relay,
// bounded by wsDrainWait. Whatever is left after that is discarded.
func (a *wsAttachment) drainWrites() {
	a.writes.Close()
	t := time.NewTimer(wsDrainWait)
	defer t.Stop()
	select {
	case <-a.writes.Done():
	case <-t.C:
		a.log.Warn("relay writes not flushed before detach", "pending", a.writes.Len())
		a.writes.Stop()
	}
}

// shutdown tears the attachment down once. An explicit detach (notify unset)
// first flushes queued writes. When notify is set the handler is told through
// OnDetached after any messages already queued.
func (a *wsAttachment) shutdown(err error, notify bool) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	a.cancel()
	if notify {
		a.writes.Stop()
	} else {
		a.drainWrites()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
	a.ch.release(a)

	if !notify {
		a.inbox.Stop()
		a.log.Info("detached from signaling relay")
		return
	}
	if err == nil {
		err = ErrClosed
	}
	a.log.Warn("signaling relay connection lost", "err", err)
	h := a.handler
	a.inbox.Submit(func() { h.OnDetached(err) })
	a.inbox.Close()
}
