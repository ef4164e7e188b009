// Command aero-p2p-peer runs one local peer identity: it attaches to the relay
// hub, negotiates WebRTC sessions with remote peers on request and exposes
// them over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg.Network, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}
	var tracks []webrtc.TrackLocal
	if cfg.SyntheticVideo {
		source, err := webrtcpeer.NewSyntheticSource(cfg.Identity)
		if err != nil {
			logger.Error("failed to configure webrtc", "err", err)
			os.Exit(2)
		}
		defer source.Close()
		tracks = append(tracks, source.Track())
	}
	factory, err := webrtcpeer.NewFactory(webrtcpeer.FactoryConfig{
		API:          api,
		ReceiveVideo: cfg.ReceiveVideo,
		ReceiveAudio: cfg.ReceiveAudio,
		LocalTracks:  tracks,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-p2p-peer",
		"listen_addr", cfg.ListenAddr,
		"identity", cfg.Identity,
		"hub_url", cfg.HubURL,
		"ice_url", cfg.ICEURL,
		"ice_servers", len(cfg.ICEServers),
		"mode", cfg.Mode,
		"receive_video", cfg.ReceiveVideo,
		"receive_audio", cfg.ReceiveAudio,
		"synthetic_video", cfg.SyntheticVideo,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()

	channel, err := signaling.NewWSChannel(signaling.WSConfig{
		URL:             cfg.HubURL,
		APIKey:          cfg.APIKey,
		Logger:          logger,
		Metrics:         m,
		MaxMessageBytes: cfg.MaxMessageBytes,
		PingInterval:    cfg.SignalingPingInterval,
		IdleTimeout:     cfg.SignalingIdleTimeout,
	})
	if err != nil {
		logger.Error("failed to configure signaling channel", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	events := newDaemonEvents(logger)
	mgr, err := session.New(session.Config{
		LocalID:      cfg.Identity,
		Channel:      channel,
		ICEServers:   iceProvider(cfg, logger, m),
		Native:       factory,
		Events:       events,
		Logger:       logger,
		Metrics:      m,
		FetchTimeout: cfg.ICEFetchTimeout,
	})
	if err != nil {
		logger.Error("failed to start session manager", "err", err)
		os.Exit(2)
	}

	srv := httpserver.New(httpserver.Options{
		ListenAddr: cfg.ListenAddr,
		Build:      httpserver.ResolveBuildInfo(buildCommit, buildTime),
		Metrics:    m,
		Ready:      func() error {
			if !mgr.Ready() {
				return session.ErrNotReady
			}
			return nil
		},
	}, logger)
	httpserver.RegisterPeerRoutes(srv.Mux(), mgr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case err := <-errCh:
		mgr.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case err := <-events.died:
		logger.Error("session manager died", "err", err)
		exitCode = 1
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	mgr.Close()
	select {
	case <-mgr.Done():
	case <-shutdownCtx.Done():
		logger.Warn("session manager did not drain before shutdown timeout")
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// iceProvider picks the ICE source. A remote URL is primary, with the static
// list and optionally the public STUN servers appended.
func iceProvider(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) iceservers.Provider {
	var extra []iceservers.Provider
	if len(cfg.ICEServers) > 0 {
		extra = append(extra, iceservers.Static(cfg.ICEServers))
	}
	if cfg.ICEFallbackPublic {
		extra = append(extra, iceservers.PublicSTUN())
	}

	var primary iceservers.Provider
	if cfg.ICEURL != "" {
		primary = iceservers.HTTP{URL: cfg.ICEURL, APIKey: cfg.APIKey}
	}
	return iceservers.WithFallback(primary, logger, m, extra...)
}
