// Package iceservers resolves the STUN/TURN servers handed to every native
// session a manager creates.
package iceservers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
)

// Provider resolves an ICE server list. Fetch may block and must honour ctx.
type Provider interface {
	Fetch(ctx context.Context) ([]webrtc.ICEServer, error)
}

// Static always returns the same list.
type Static []webrtc.ICEServer

func (s Static) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clone(s), nil
}

// PublicSTUN returns the well known public Google STUN servers.
func PublicSTUN() Static {
	return Static{{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
		"stun:stun4.l.google.com:19302",
	}}}
}

const maxResponseBytes = 64 * 1024

// HTTP fetches {"iceServers":[...]} from URL, typically the relay hub's /ice
// endpoint.
type HTTP struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (h HTTP) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("iceservers: %w", err)
	}
	if h.APIKey != "" {
		req.Header.Set("X-API-Key", h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iceservers: fetch %s: %w", h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("iceservers: fetch %s: unexpected status %d", h.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("iceservers: read %s: %w", h.URL, err)
	}
	if len(body) > maxResponseBytes {
		return nil, errors.New("iceservers: response too large")
	}

	var decoded Response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("iceservers: decode response: %w", err)
	}
	servers, err := FromJSON(decoded.ICEServers, false)
	if err != nil {
		return nil, fmt.Errorf("iceservers: %w", err)
	}
	return servers, nil
}

// Fallback appends extra servers to whatever primary returns. When primary
// fails, the extra servers are used alone and the failure is only logged.
type Fallback struct {
	primary Provider
	extra   []Provider
	log     *slog.Logger
	metrics *metrics.Metrics
}

func WithFallback(primary Provider, log *slog.Logger, m *metrics.Metrics, extra ...Provider) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{primary: primary, extra: extra, log: log, metrics: m}
}

func (f *Fallback) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer
	var primaryErr error
	if f.primary != nil {
		out, primaryErr = f.primary.Fetch(ctx)
	}

	var extras []webrtc.ICEServer
	for _, p := range f.extra {
		servers, err := p.Fetch(ctx)
		if err != nil {
			f.log.Warn("fallback ice server provider failed", "err", err)
			continue
		}
		extras = append(extras, servers...)
	}

	if primaryErr != nil {
		if len(extras) == 0 {
			return nil, primaryErr
		}
		f.metrics.Inc(metrics.IceServersFallback)
		f.log.Warn("ice server fetch failed, using fallback servers only", "err", primaryErr)
		return extras, nil
	}
	return append(out, extras...), nil
}

func clone(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		out[i] = s
		out[i].URLs = append([]string(nil), s.URLs...)
	}
	return out
}
