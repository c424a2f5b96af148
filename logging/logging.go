// Package logging provides the Logger implementations used by the node binary and tests.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/getpup/clustercode"
)

// Logger writes structured log records through log/slog.
type Logger struct {
	logger *slog.Logger
}

// Compile-time check that Logger implements clustercode.Logger.
var _ clustercode.Logger = (*Logger)(nil)

// New creates a Logger writing JSON records at or above level to w.
func New(w io.Writer, level slog.Level) *Logger {
	return NewWithHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewWithHandler creates a Logger on top of an existing slog handler.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{logger: slog.New(h)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return NewWithHandler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// With returns a Logger that adds keyvals to every record.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(keyvals...)}
}

func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Log(ctx, slog.LevelDebug, msg, keyvals...)
}

func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Log(ctx, slog.LevelInfo, msg, keyvals...)
}

func (l *Logger) Warn(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Log(ctx, slog.LevelWarn, msg, keyvals...)
}

func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Log(ctx, slog.LevelError, msg, keyvals...)
}

// ParseLevel converts "debug", "info", "warn" or "error" into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
