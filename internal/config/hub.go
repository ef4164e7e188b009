package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
)

const (
	envVarAuthMode                      = "AUTH_MODE"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultHubListenAddr                 = "127.0.0.1:8090"
	DefaultAuthMode                      = auth.ModeAPIKey
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

// HubConfig is the relay hub configuration.
type HubConfig struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration

	AuthMode auth.Mode
	APIKey   string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

func LoadHub(args []string) (HubConfig, error) {
	return loadHub(os.LookupEnv, args)
}

func loadHub(lookup func(string) (string, bool), args []string) (HubConfig, error) {
	var (
		cfg        HubConfig
		logging    loggingFlags
		ice        iceFlags
		authMode   string
		turnTTLSec int64
	)

	l := newLayered("aero-p2p-relay-hub")
	logging.register(l)
	l.String(&cfg.ListenAddr, "listen-addr", envVarListenAddr, DefaultHubListenAddr, "HTTP listen address (host:port)")
	l.Duration(&cfg.ShutdownTimeout, "shutdown-timeout", envVarShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")

	l.String(&authMode, "auth-mode", envVarAuthMode, string(DefaultAuthMode), "Peer auth mode: none or api_key")
	l.String(&cfg.APIKey, "api-key", envVarAPIKey, "", "API key peers must present in api_key mode")

	l.Int64(&cfg.MaxMessageBytes, "max-signaling-message-bytes", envVarMaxSignalingMessageBytes, DefaultMaxMessageBytes, "Max inbound frame size")
	l.Int(&cfg.MaxMessagesPerSecond, "max-signaling-messages-per-second", envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond, "Max inbound frames per second per peer (<0 = unlimited)")
	l.Duration(&cfg.PingInterval, "signaling-ws-ping-interval", envVarSignalingWSPingInterval, DefaultPingInterval, "Ping interval on peer connections")
	l.Duration(&cfg.IdleTimeout, "signaling-ws-idle-timeout", envVarSignalingWSIdleTimeout, DefaultIdleTimeout, "Drop peer connections after this long without traffic")

	ice.register(l)
	l.String(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", envVarTURNRESTSharedSecret, "", "TURN REST shared secret; enables ephemeral TURN credentials on /ice")
	l.Int64(&turnTTLSec, "turn-rest-ttl-seconds", envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds, "TURN REST credential lifetime in seconds")
	l.String(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix, "TURN REST username prefix")

	if err := l.parse(lookup, args); err != nil {
		return HubConfig{}, err
	}

	var err error
	if cfg.Logging, err = logging.resolve(l); err != nil {
		return HubConfig{}, err
	}

	if cfg.AuthMode, err = auth.ParseMode(strings.ToLower(strings.TrimSpace(authMode))); err != nil {
		return HubConfig{}, fmt.Errorf("%s: %w", envVarAuthMode, err)
	}
	if cfg.AuthMode == auth.ModeAPIKey && cfg.APIKey == "" {
		return HubConfig{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, auth.ModeAPIKey)
	}

	if cfg.MaxMessageBytes <= 0 {
		return HubConfig{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if cfg.MaxMessagesPerSecond == 0 {
		return HubConfig{}, fmt.Errorf("%s must not be 0", envVarMaxSignalingMessagesPerSecond)
	}
	if err := validateKeepalive(cfg.PingInterval, cfg.IdleTimeout); err != nil {
		return HubConfig{}, err
	}

	if cfg.TURNREST.Enabled() {
		if turnTTLSec <= 0 {
			return HubConfig{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
		}
		if cfg.TURNREST.UsernamePrefix == "" || strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			return HubConfig{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
		cfg.TURNREST.TTL = time.Duration(turnTTLSec) * time.Second
	}
	if cfg.ICEServers, err = ice.resolve(cfg.TURNREST.Enabled()); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}
