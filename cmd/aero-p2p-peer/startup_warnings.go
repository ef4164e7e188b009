package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.APIKey != "" && urlScheme(cfg.HubURL) == "ws" {
		logger.Warn("startup security warning: API_KEY is sent to the relay hub over unencrypted ws://",
			"warning_code", "hub_api_key_cleartext",
			"hub_url_host", safeURLHost(cfg.HubURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.ICEURL == "" && len(cfg.ICEServers) == 0 && !cfg.ICEFallbackPublic {
		logger.Warn("startup warning: no ICE servers configured; only host candidates will be gathered",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !hasTURN(cfg) {
		logger.Warn("startup warning: no TURN server configured while --mode=prod; peers behind symmetric NAT will not connect",
			"warning_code", "no_turn_in_prod",
			"ice_url_set", cfg.ICEURL != "",
			"mode", cfg.Mode,
		)
	}
}

// hasTURN is conservative: a remote ICE URL may well return TURN servers.
func hasTURN(cfg config.Config) bool {
	if cfg.ICEURL != "" {
		return true
	}
	for _, s := range cfg.ICEServers {
		if iceservers.HasTURNURL(s) {
			return true
		}
	}
	return false
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
