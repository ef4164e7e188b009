// Command aero-p2p-relay-hub runs the signaling relay that aero-p2p-peer
// processes attach to, plus the ICE server endpoint they fetch from.
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

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/relayhub"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadHub(os.Args[1:])
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

	logger.Info("starting aero-p2p-relay-hub",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	hub, err := newHub(cfg, logger, m)
	if err != nil {
		logger.Error("failed to configure relay hub", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(httpserver.Options{
		ListenAddr: cfg.ListenAddr,
		Build:      httpserver.ResolveBuildInfo(buildCommit, buildTime),
		Metrics:    m,
	}, logger)
	hub.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; close them
	// first so peers see a going-away close frame.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newHub(cfg config.HubConfig, logger *slog.Logger, m *metrics.Metrics) (*relayhub.Hub, error) {
	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	var gen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		gen, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
	}

	return relayhub.New(relayhub.Config{
		AuthMode:             cfg.AuthMode,
		Verifier:             verifier,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		PingInterval:         cfg.PingInterval,
		IdleTimeout:          cfg.IdleTimeout,
		ICEServers:           cfg.ICEServers,
		TURNREST:             gen,
		Logger:               logger,
		Metrics:              m,
	})
}
