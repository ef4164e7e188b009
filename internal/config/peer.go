package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/webrtcpeer"
)

const (
	envVarIdentity          = "AERO_P2P_IDENTITY"
	envVarHubURL            = "AERO_P2P_HUB_URL"
	envVarICEURL            = "AERO_P2P_ICE_URL"
	envVarICEFallbackPublic = "AERO_P2P_ICE_FALLBACK_PUBLIC"
	envVarICEFetchTimeout   = "AERO_P2P_ICE_FETCH_TIMEOUT"
	envVarReceiveVideo      = "AERO_P2P_RECEIVE_VIDEO"
	envVarReceiveAudio      = "AERO_P2P_RECEIVE_AUDIO"
	envVarSyntheticVideo    = "AERO_P2P_SYNTHETIC_VIDEO"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultPeerListenAddr  = "127.0.0.1:8080"
	DefaultICEFetchTimeout = 10 * time.Second
)

// Config is the peer daemon configuration.
type Config struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration

	// Identity is this peer's address on the relay. Generated when unset.
	Identity string
	HubURL   string
	APIKey   string

	// ICEServers is the static list. With ICEURL set it is appended to what
	// the URL returns, and used alone if that fetch fails.
	ICEServers        []webrtc.ICEServer
	ICEURL            string
	ICEFallbackPublic bool
	ICEFetchTimeout   time.Duration

	ReceiveVideo bool
	ReceiveAudio bool

	// SyntheticVideo sends a generated video track on every session, for
	// exercising the full lifecycle without a real media source.
	SyntheticVideo bool

	Network webrtcpeer.NetworkSettings

	SignalingPingInterval time.Duration
	SignalingIdleTimeout  time.Duration
	MaxMessageBytes       int64
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var (
		cfg      Config
		logging  loggingFlags
		ice      iceFlags
		listenIP string
		natType  string
	)

	l := newLayered("aero-p2p-peer")
	logging.register(l)
	l.String(&cfg.ListenAddr, "listen-addr", envVarListenAddr, DefaultPeerListenAddr, "HTTP listen address (host:port)")
	l.Duration(&cfg.ShutdownTimeout, "shutdown-timeout", envVarShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")

	l.String(&cfg.Identity, "identity", envVarIdentity, "", "Local identity on the relay hub (default: random uuid)")
	l.String(&cfg.HubURL, "hub-url", envVarHubURL, "", "Relay hub signaling URL (ws:// or wss://)")
	l.String(&cfg.APIKey, "api-key", envVarAPIKey, "", "API key presented to the relay hub")

	ice.register(l)
	l.String(&cfg.ICEURL, "ice-url", envVarICEURL, "", "URL returning {\"iceServers\":[...]}, e.g. the hub's /ice")
	l.Bool(&cfg.ICEFallbackPublic, "ice-fallback-public", envVarICEFallbackPublic, false, "Append well known public STUN servers")
	l.Duration(&cfg.ICEFetchTimeout, "ice-fetch-timeout", envVarICEFetchTimeout, DefaultICEFetchTimeout, "Timeout for resolving ICE servers at startup")

	l.Bool(&cfg.ReceiveVideo, "receive-video", envVarReceiveVideo, true, "Offer to receive video when not sending any")
	l.Bool(&cfg.ReceiveAudio, "receive-audio", envVarReceiveAudio, false, "Offer to receive audio when not sending any")
	l.Bool(&cfg.SyntheticVideo, "synthetic-video", envVarSyntheticVideo, false, "Send a generated VP8 video track on every session")

	l.Uint16(&cfg.Network.UDPPortMin, "webrtc-udp-port-min", envVarWebRTCUDPPortMin, 0, "Min UDP port for ICE (0 = ephemeral)")
	l.Uint16(&cfg.Network.UDPPortMax, "webrtc-udp-port-max", envVarWebRTCUDPPortMax, 0, "Max UDP port for ICE (0 = ephemeral)")
	l.StringSlice(&cfg.Network.NAT1To1IPs, "webrtc-nat-1to1-ips", envVarWebRTCNAT1To1IPs, "Public IPs to advertise for ICE")
	l.String(&natType, "webrtc-nat-1to1-ip-candidate-type", envVarWebRTCNAT1To1IPCandidateType, webrtcpeer.NAT1To1CandidateTypeHost, "Candidate type for NAT 1:1 IPs: host or srflx")
	l.String(&listenIP, "webrtc-udp-listen-ip", envVarWebRTCUDPListenIP, "", "Only gather ICE candidates on this local IP")

	l.Duration(&cfg.SignalingPingInterval, "signaling-ws-ping-interval", envVarSignalingWSPingInterval, DefaultPingInterval, "Ping interval on the hub connection")
	l.Duration(&cfg.SignalingIdleTimeout, "signaling-ws-idle-timeout", envVarSignalingWSIdleTimeout, DefaultIdleTimeout, "Drop the hub connection after this long without traffic")
	l.Int64(&cfg.MaxMessageBytes, "max-signaling-message-bytes", envVarMaxSignalingMessageBytes, DefaultMaxMessageBytes, "Max inbound relay frame size")

	if err := l.parse(lookup, args); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.Logging, err = logging.resolve(l); err != nil {
		return Config{}, err
	}

	cfg.Identity = strings.TrimSpace(cfg.Identity)
	if cfg.Identity == "" {
		cfg.Identity = uuid.NewString()
	}

	if cfg.HubURL == "" {
		return Config{}, fmt.Errorf("%s is required", envVarHubURL)
	}
	if err := requireURLScheme(envVarHubURL, cfg.HubURL, "ws", "wss"); err != nil {
		return Config{}, err
	}
	if cfg.ICEURL != "" {
		if err := requireURLScheme(envVarICEURL, cfg.ICEURL, "http", "https"); err != nil {
			return Config{}, err
		}
	}
	if cfg.ICEServers, err = ice.resolve(false); err != nil {
		return Config{}, err
	}
	if cfg.ICEFetchTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarICEFetchTimeout)
	}

	if (cfg.Network.UDPPortMin == 0) != (cfg.Network.UDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if cfg.Network.UDPPortMin > cfg.Network.UDPPortMax {
		return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	for _, ip := range cfg.Network.NAT1To1IPs {
		if net.ParseIP(ip) == nil {
			return Config{}, fmt.Errorf("invalid %s entry %q", envVarWebRTCNAT1To1IPs, ip)
		}
	}
	switch natType {
	case webrtcpeer.NAT1To1CandidateTypeHost, webrtcpeer.NAT1To1CandidateTypeSrflx:
		cfg.Network.NAT1To1CandidateType = natType
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, natType)
	}
	if listenIP != "" {
		if cfg.Network.UDPListenIP = net.ParseIP(listenIP); cfg.Network.UDPListenIP == nil {
			return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, listenIP)
		}
	}

	if err := validateKeepalive(cfg.SignalingPingInterval, cfg.SignalingIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	return cfg, nil
}

func requireURLScheme(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (expected %s URL)", name, raw, strings.Join(schemes, " or "))
}
