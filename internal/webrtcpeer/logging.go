package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug; pion is very chatty at trace.
const LevelTrace = slog.Level(-8)

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into log, tagged with the
// pion scope (ice, dtls, sctp, ...).
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string) { l.logf(LevelTrace, "%s", msg) }
func (l leveledLogger) Debug(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l leveledLogger) Info(msg string)  { l.logf(slog.LevelInfo, "%s", msg) }
func (l leveledLogger) Warn(msg string)  { l.logf(slog.LevelWarn, "%s", msg) }
func (l leveledLogger) Error(msg string) { l.logf(slog.LevelError, "%s", msg) }

func (l leveledLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l leveledLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l leveledLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l leveledLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
