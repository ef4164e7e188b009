// Package config loads process configuration for the peer daemon and the
// relay hub.
//
// Every setting has a command line flag. A flag left unset falls back to its
// environment variable, then to the optional YAML config file (keys are flag
// names), then to the built-in default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
)

const (
	envVarConfigFile      = "AERO_P2P_CONFIG_FILE"
	envVarMode            = "AERO_P2P_MODE"
	envVarLogFormat       = "AERO_P2P_LOG_FORMAT"
	envVarLogLevel        = "AERO_P2P_LOG_LEVEL"
	envVarListenAddr      = "AERO_P2P_LISTEN_ADDR"
	envVarShutdownTimeout = "AERO_P2P_SHUTDOWN_TIMEOUT"
	envVarAPIKey          = "API_KEY"

	envVarICEServersJSON = "AERO_ICE_SERVERS_JSON"
	envVarStunURLs       = "AERO_STUN_URLS"
	envVarTurnURLs       = "AERO_TURN_URLS"
	envVarTurnUsername   = "AERO_TURN_USERNAME"
	envVarTurnCredential = "AERO_TURN_CREDENTIAL"

	envVarSignalingWSPingInterval  = "SIGNALING_WS_PING_INTERVAL"
	envVarSignalingWSIdleTimeout   = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
)

const (
	DefaultMode            = ModeDev
	DefaultShutdown        = 15 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxMessageBytes = int64(64 * 1024)
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging is shared by both processes.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// layered is a flag set whose unset flags are filled from the environment and
// then from a YAML file.
type layered struct {
	fs  *pflag.FlagSet
	env map[string]string // flag name -> env var
}

func newLayered(name string) *layered {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false
	l := &layered{fs: fs, env: map[string]string{}}
	l.fs.String("config", "", "YAML config file; keys are flag names (env "+envVarConfigFile+")")
	l.env["config"] = envVarConfigFile
	return l
}

func (l *layered) usage(env, usage string) string {
	return usage + " (env " + env + ")"
}

func (l *layered) String(p *string, name, env, value, usage string) {
	l.fs.StringVar(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) Bool(p *bool, name, env string, value bool, usage string) {
	l.fs.BoolVar(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) Int(p *int, name, env string, value int, usage string) {
	l.fs.IntVar(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) Int64(p *int64, name, env string, value int64, usage string) {
	l.fs.Int64Var(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) Uint16(p *uint16, name, env string, value uint16, usage string) {
	l.fs.Uint16Var(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) Duration(p *time.Duration, name, env string, value time.Duration, usage string) {
	l.fs.DurationVar(p, name, value, l.usage(env, usage))
	l.env[name] = env
}

func (l *layered) StringSlice(p *[]string, name, env string, usage string) {
	l.fs.StringSliceVar(p, name, nil, l.usage(env, usage+", comma-separated"))
	l.env[name] = env
}

func (l *layered) parse(lookup func(string) (string, bool), args []string) error {
	if err := l.fs.Parse(args); err != nil {
		return err
	}
	if err := l.fill("config", lookup, nil); err != nil {
		return err
	}

	var file map[string]string
	if path, _ := l.fs.GetString("config"); path != "" {
		var err error
		if file, err = l.readFile(path); err != nil {
			return err
		}
	}

	var errs []error
	for name := range l.env {
		if name == "config" {
			continue
		}
		errs = append(errs, l.fill(name, lookup, file))
	}
	return errors.Join(errs...)
}

// fill sets an unchanged flag from the environment or the file. pflag marks
// it changed either way, so changed() reports any explicitly supplied value.
func (l *layered) fill(name string, lookup func(string) (string, bool), file map[string]string) error {
	if l.fs.Changed(name) {
		return nil
	}
	env := l.env[name]
	if v, ok := lookup(env); ok && strings.TrimSpace(v) != "" {
		if err := l.fs.Set(name, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return nil
	}
	if v, ok := file[name]; ok {
		if err := l.fs.Set(name, v); err != nil {
			return fmt.Errorf("config file: invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}

func (l *layered) changed(name string) bool {
	return l.fs.Changed(name)
}

func (l *layered) readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(doc))
	for key, v := range doc {
		if key == "config" || l.fs.Lookup(key) == nil {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, key)
		}
		switch v := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: key %q must be a scalar or a list", path, key)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// loggingFlags registers the mode and log flags and resolves them after parse.
type loggingFlags struct {
	mode, format, level string
}

func (f *loggingFlags) register(l *layered) {
	l.String(&f.mode, "mode", envVarMode, string(DefaultMode), "Run mode: dev or prod")
	l.String(&f.format, "log-format", envVarLogFormat, "", "Log format: text or json (default by mode)")
	l.String(&f.level, "log-level", envVarLogLevel, "", "Log level: debug, info, warn, error (default by mode)")
}

func (f *loggingFlags) resolve(l *layered) (Logging, error) {
	mode, err := parseMode(f.mode)
	if err != nil {
		return Logging{}, err
	}
	if !l.changed("log-format") {
		f.format = defaultLogFormatForMode(mode)
	}
	if !l.changed("log-level") {
		f.level = defaultLogLevelForMode(mode)
	}
	format, err := parseLogFormat(f.format)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(f.level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Mode: mode, LogFormat: format, LogLevel: level}, nil
}

type iceFlags struct {
	json, stun, turn, user, cred string
}

func (f *iceFlags) register(l *layered) {
	l.String(&f.json, "ice-servers-json", envVarICEServersJSON, "", "ICE server JSON list; takes precedence over the STUN/TURN flags")
	l.String(&f.stun, "stun-urls", envVarStunURLs, "", "Comma-separated STUN URLs")
	l.String(&f.turn, "turn-urls", envVarTurnURLs, "", "Comma-separated TURN URLs")
	l.String(&f.user, "turn-username", envVarTurnUsername, "", "TURN username")
	l.String(&f.cred, "turn-credential", envVarTurnCredential, "", "TURN credential")
}

func (f *iceFlags) resolve(turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(f.json); raw != "" {
		servers, err := iceservers.ParseJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}
	return iceservers.ParseConvenience(f.stun, f.turn, f.user, f.cred, turnREST)
}

func validateKeepalive(ping, idle time.Duration) error {
	if ping <= 0 || idle <= 0 {
		return fmt.Errorf("%s and %s must be > 0", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if ping >= idle {
		return fmt.Errorf("%s (%s) must be < %s (%s)", envVarSignalingWSPingInterval, ping, envVarSignalingWSIdleTimeout, idle)
	}
	return nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
