package config

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/webrtcpeer"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func peerEnv(extra map[string]string) map[string]string {
	env := map[string]string{envVarHubURL: "ws://127.0.0.1:8090/signal"}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupMap(peerEnv(nil)), nil)
	require.NoError(t, err)

	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, DefaultPeerListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultShutdown, cfg.ShutdownTimeout)
	assert.NotEmpty(t, cfg.Identity, "identity is generated")
	assert.Empty(t, cfg.ICEServers)
	assert.Equal(t, DefaultICEFetchTimeout, cfg.ICEFetchTimeout)
	assert.True(t, cfg.ReceiveVideo)
	assert.False(t, cfg.ReceiveAudio)
	assert.False(t, cfg.SyntheticVideo)
	assert.Equal(t, webrtcpeer.NAT1To1CandidateTypeHost, cfg.Network.NAT1To1CandidateType)
	assert.Nil(t, cfg.Network.UDPListenIP)
	assert.Equal(t, DefaultPingInterval, cfg.SignalingPingInterval)
	assert.Equal(t, DefaultIdleTimeout, cfg.SignalingIdleTimeout)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.MaxMessageBytes)
}

func TestLoad_ProdModeDefaultsToJSONInfo(t *testing.T) {
	cfg, err := load(lookupMap(peerEnv(map[string]string{envVarMode: "prod"})), nil)
	require.NoError(t, err)
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)

	cfg, err = load(lookupMap(peerEnv(map[string]string{envVarMode: "prod"})), []string{"--log-format", "text"})
	require.NoError(t, err)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := peerEnv(map[string]string{
		envVarListenAddr: "127.0.0.1:1111",
		envVarIdentity:   "from-env",
	})
	cfg, err := load(lookupMap(env), []string{"--listen-addr", "127.0.0.1:2222"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.ListenAddr)
	assert.Equal(t, "from-env", cfg.Identity)
}

func TestLoad_SyntheticVideo(t *testing.T) {
	cfg, err := load(lookupMap(peerEnv(map[string]string{envVarSyntheticVideo: "true"})), nil)
	require.NoError(t, err)
	assert.True(t, cfg.SyntheticVideo)

	cfg, err = load(lookupMap(peerEnv(nil)), []string{"--synthetic-video"})
	require.NoError(t, err)
	assert.True(t, cfg.SyntheticVideo)
}

func TestLoad_RequiresHubURL(t *testing.T) {
	_, err := load(lookupMap(nil), nil)
	assert.ErrorContains(t, err, envVarHubURL)

	_, err = load(lookupMap(map[string]string{envVarHubURL: "http://hub/signal"}), nil)
	assert.Error(t, err)
}

func TestLoad_ICEServers(t *testing.T) {
	cfg, err := load(lookupMap(peerEnv(map[string]string{
		envVarStunURLs:       "stun:a.example.com:3478, stun:b.example.com:3478",
		envVarTurnURLs:       "turn:t.example.com:3478",
		envVarTurnUsername:   "u",
		envVarTurnCredential: "p",
	})), nil)
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)

	cfg, err = load(lookupMap(peerEnv(map[string]string{
		envVarICEServersJSON: `[{"urls":"stun:json.example.com:3478"}]`,
		envVarStunURLs:       "stun:ignored.example.com:3478",
	})), nil)
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:json.example.com:3478"}, cfg.ICEServers[0].URLs)

	_, err = load(lookupMap(peerEnv(map[string]string{envVarTurnURLs: "turn:t.example.com:3478"})), nil)
	assert.Error(t, err, "TURN without credentials")

	_, err = load(lookupMap(peerEnv(map[string]string{envVarICEURL: "ftp://x"})), nil)
	assert.Error(t, err)
}

func TestLoad_NetworkSettings(t *testing.T) {
	cfg, err := load(lookupMap(peerEnv(map[string]string{
		envVarWebRTCUDPPortMin:             "50000",
		envVarWebRTCUDPPortMax:             "50100",
		envVarWebRTCNAT1To1IPs:             "203.0.113.1,203.0.113.2",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
		envVarWebRTCUDPListenIP:            "10.0.0.5",
	})), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 50000, cfg.Network.UDPPortMin)
	assert.EqualValues(t, 50100, cfg.Network.UDPPortMax)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, cfg.Network.NAT1To1IPs)
	assert.Equal(t, webrtcpeer.NAT1To1CandidateTypeSrflx, cfg.Network.NAT1To1CandidateType)
	assert.True(t, cfg.Network.UDPListenIP.Equal(net.ParseIP("10.0.0.5")))
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"port min only":   {envVarWebRTCUDPPortMin: "50000"},
		"port range":      {envVarWebRTCUDPPortMin: "50100", envVarWebRTCUDPPortMax: "50000"},
		"port overflow":   {envVarWebRTCUDPPortMin: "70000", envVarWebRTCUDPPortMax: "70001"},
		"nat ip":          {envVarWebRTCNAT1To1IPs: "not-an-ip"},
		"candidate type":  {envVarWebRTCNAT1To1IPCandidateType: "relay"},
		"listen ip":       {envVarWebRTCUDPListenIP: "nope"},
		"ping >= idle":    {envVarSignalingWSPingInterval: "60s", envVarSignalingWSIdleTimeout: "60s"},
		"bad duration":    {envVarICEFetchTimeout: "soon"},
		"bad bool":        {envVarReceiveVideo: "maybe"},
		"bad mode":        {envVarMode: "staging"},
		"bad log level":   {envVarLogLevel: "verbose"},
		"message size":    {envVarMaxSignalingMessageBytes: "0"},
		"zero ice budget": {envVarICEFetchTimeout: "0s"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load(lookupMap(peerEnv(env)), nil)
			assert.Error(t, err)
		})
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ConfigFileSitsBelowEnvAndFlags(t *testing.T) {
	path := writeConfigFile(t, `
hub-url: wss://hub.example.com/signal
identity: from-file
listen-addr: 127.0.0.1:3333
receive-audio: true
webrtc-nat-1to1-ips:
  - 203.0.113.9
signaling-ws-ping-interval: 5s
`)
	env := map[string]string{
		envVarConfigFile: path,
		envVarIdentity:   "from-env",
	}
	cfg, err := load(lookupMap(env), []string{"--listen-addr", "127.0.0.1:4444"})
	require.NoError(t, err)

	assert.Equal(t, "wss://hub.example.com/signal", cfg.HubURL)
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, "127.0.0.1:4444", cfg.ListenAddr)
	assert.True(t, cfg.ReceiveAudio)
	assert.Equal(t, []string{"203.0.113.9"}, cfg.Network.NAT1To1IPs)
	assert.Equal(t, 5*time.Second, cfg.SignalingPingInterval)
}

func TestLoad_ConfigFileFlag(t *testing.T) {
	path := writeConfigFile(t, "hub-url: ws://hub.internal/signal\n")
	cfg, err := load(lookupMap(nil), []string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.internal/signal", cfg.HubURL)
}

func TestLoad_ConfigFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "hub-url: ws://hub/signal\nhub-ulr: typo\n")
	_, err := load(lookupMap(nil), []string{"--config", path})
	assert.ErrorContains(t, err, "hub-ulr")
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	_, err := load(lookupMap(nil), []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)
}

func TestLoadHub_Defaults(t *testing.T) {
	cfg, err := loadHub(lookupMap(map[string]string{envVarAPIKey: "k"}), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultHubListenAddr, cfg.ListenAddr)
	assert.Equal(t, auth.ModeAPIKey, cfg.AuthMode)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.MaxMessageBytes)
	assert.Equal(t, DefaultMaxSignalingMessagesPerSecond, cfg.MaxMessagesPerSecond)
	assert.False(t, cfg.TURNREST.Enabled())
}

func TestLoadHub_APIKeyRequired(t *testing.T) {
	_, err := loadHub(lookupMap(nil), nil)
	assert.ErrorContains(t, err, envVarAPIKey)

	cfg, err := loadHub(lookupMap(map[string]string{envVarAuthMode: "none"}), nil)
	require.NoError(t, err)
	assert.Equal(t, auth.ModeNone, cfg.AuthMode)

	_, err = loadHub(lookupMap(map[string]string{envVarAuthMode: "jwt"}), nil)
	assert.Error(t, err)
}

func TestLoadHub_TURNREST(t *testing.T) {
	env := map[string]string{
		envVarAuthMode:             "none",
		envVarTurnURLs:             "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "s3cret",
		envVarTURNRESTTTLSeconds:   "600",
	}
	cfg, err := loadHub(lookupMap(env), nil)
	require.NoError(t, err)
	require.True(t, cfg.TURNREST.Enabled())
	assert.Equal(t, 10*time.Minute, cfg.TURNREST.TTL)
	assert.Equal(t, DefaultTURNRESTUsernamePrefix, cfg.TURNREST.UsernamePrefix)
	require.Len(t, cfg.ICEServers, 1)

	env[envVarTURNRESTUsernamePrefix] = "a:b"
	_, err = loadHub(lookupMap(env), nil)
	assert.Error(t, err)

	delete(env, envVarTURNRESTUsernamePrefix)
	delete(env, envVarTURNRESTSharedSecret)
	_, err = loadHub(lookupMap(env), nil)
	assert.Error(t, err, "TURN URLs without credentials or TURN REST")
}

func TestLoadHub_RateLimit(t *testing.T) {
	base := map[string]string{envVarAuthMode: "none"}

	base[envVarMaxSignalingMessagesPerSecond] = "0"
	_, err := loadHub(lookupMap(base), nil)
	assert.Error(t, err)

	base[envVarMaxSignalingMessagesPerSecond] = "-1"
	cfg, err := loadHub(lookupMap(base), nil)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.MaxMessagesPerSecond)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(Logging{LogFormat: LogFormatJSON, LogLevel: slog.LevelWarn})
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger(Logging{LogFormat: "xml"})
	assert.Error(t, err)
}
