package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
)

func logStartupWarnings(logger *slog.Logger, cfg config.HubConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == auth.ModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMessagesPerSecond < 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unlimited while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every relayed message is buffered in full)",
			"warning_code", "signaling_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() {
		for _, s := range cfg.ICEServers {
			if iceservers.HasTURNURL(s) && s.Username != "" {
				logger.Warn("startup security warning: static TURN credentials are served to every peer at /ice (prefer TURN REST)",
					"warning_code", "turn_static_credentials",
					"auth_mode", cfg.AuthMode,
					"mode", cfg.Mode,
				)
				break
			}
		}
	}
}
