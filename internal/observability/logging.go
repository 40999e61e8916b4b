// Package observability provides the structured logging, metrics, and
// tracing ambient stack shared by every engine component.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// ContextKey is the type for context keys carrying correlation IDs into log records.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	SessionIDKey ContextKey = "session_id"
	IdentityKey  ContextKey = "identity_id"
	ChannelKey   ContextKey = "channel"
)

// DefaultRedactPatterns covers common secret shapes so they never reach log output.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
}

// LogConfig configures Logger construction.
type LogConfig struct {
	Level          string // "debug", "info", "warn", "error"
	Format         string // "json" or "text"
	Output         io.Writer
	AddSource      bool
	RedactPatterns []string
}

// Logger wraps slog.Logger with context-correlation and secret redaction.
type Logger struct {
	base    *slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger from LogConfig, defaulting format to text and
// output to stdout.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	patterns := cfg.RedactPatterns
	if len(patterns) == 0 {
		patterns = DefaultRedactPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}

	return &Logger{base: slog.New(handler), redacts: compiled}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) redact(msg string) string {
	for _, re := range l.redacts {
		msg = re.ReplaceAllString(msg, "$1=[REDACTED]")
	}
	return msg
}

func (l *Logger) withCtx(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		args = append(args, "request_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(int64); ok {
		args = append(args, "session_id", v)
	}
	if v, ok := ctx.Value(ChannelKey).(string); ok && v != "" {
		args = append(args, "channel", v)
	}
	if v, ok := ctx.Value(IdentityKey).(string); ok && v != "" {
		args = append(args, "identity_id", v)
	}
	return args
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.base.Debug(l.redact(msg), l.withCtx(ctx, args)...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.base.Info(l.redact(msg), l.withCtx(ctx, args)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.base.Warn(l.redact(msg), l.withCtx(ctx, args)...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.base.Error(l.redact(msg), l.withCtx(ctx, args)...)
}

// With returns a Logger with the given key/value pairs attached to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...), redacts: l.redacts}
}
