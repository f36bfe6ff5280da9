package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below slog.LevelDebug so pion's very chatty trace output
// stays hidden unless a handler is explicitly configured for it.
const slogLevelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's internal logging into slog. Each pion scope
// (ice, dtls, sctp, pc, ...) becomes a "scope" attribute.
type LoggerFactory struct {
	log *slog.Logger
}

var _ logging.LoggerFactory = LoggerFactory{}

func NewLoggerFactory(log *slog.Logger) LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return LoggerFactory{log: log}
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type scopedLogger struct {
	log *slog.Logger
}

func (l scopedLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l scopedLogger) Trace(msg string) { l.emit(slogLevelTrace, msg) }
func (l scopedLogger) Tracef(format string, args ...any) {
	if l.log.Enabled(context.Background(), slogLevelTrace) {
		l.emit(slogLevelTrace, fmt.Sprintf(format, args...))
	}
}

func (l scopedLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l scopedLogger) Debugf(format string, args ...any) {
	if l.log.Enabled(context.Background(), slog.LevelDebug) {
		l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
	}
}

func (l scopedLogger) Info(msg string)                   { l.emit(slog.LevelInfo, msg) }
func (l scopedLogger) Infof(format string, args ...any)  { l.emit(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l scopedLogger) Warn(msg string)                   { l.emit(slog.LevelWarn, msg) }
func (l scopedLogger) Warnf(format string, args ...any)  { l.emit(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l scopedLogger) Error(msg string)                  { l.emit(slog.LevelError, msg) }
func (l scopedLogger) Errorf(format string, args ...any) { l.emit(slog.LevelError, fmt.Sprintf(format, args...)) }
