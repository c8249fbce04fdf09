// Package observability provides structured logging and Prometheus metrics
// for the orchestrator.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with request correlation from context and redaction of
// secrets that could otherwise leak into log output (bot tokens, API keys).
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer
}

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// SessionIDKey is the context key for session IDs.
	SessionIDKey ContextKey = "session_id"

	// GuildIDKey is the context key for guild IDs.
	GuildIDKey ContextKey = "guild_id"

	// UserIDKey is the context key for user IDs.
	UserIDKey ContextKey = "user_id"
)

// defaultRedactPatterns cover the credentials this process handles.
var defaultRedactPatterns = []string{
	// OpenAI API keys
	`sk-[a-zA-Z0-9]{20,}`,

	// Discord bot tokens (three dot-separated base64 segments)
	`[MNO][a-zA-Z0-9_-]{23,}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,}`,

	// Generic assignments
	`(?i)(api[_-]?key|token|secret)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`,
}

// NewLogger creates a structured logger. An empty level defaults to "info",
// an empty format to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, pattern := range defaultRedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		redacts: redacts,
	}
}

// With returns a logger with the given fields added to all records.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		redacts: l.redacts,
	}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redact(msg)

	attrs := make([]any, 0, len(args)+6)
	if id, ok := ctx.Value(SessionIDKey).(string); ok && id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if id, ok := ctx.Value(GuildIDKey).(string); ok && id != "" {
		attrs = append(attrs, "guild_id", id)
	}
	if id, ok := ctx.Value(UserIDKey).(string); ok && id != "" {
		attrs = append(attrs, "user_id", id)
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			attrs = append(attrs, l.redact(v))
		case error:
			attrs = append(attrs, l.redact(v.Error()))
		default:
			attrs = append(attrs, arg)
		}
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithSessionID adds a session ID to the context for log correlation.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithGuildID adds a guild ID to the context for log correlation.
func WithGuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, GuildIDKey, id)
}

// WithUserID adds a user ID to the context for log correlation.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
