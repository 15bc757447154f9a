// Package logger provides structured logging using slog with engine context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// NetworkKey is the context key for the appnet a task runs on.
	NetworkKey contextKey = "network"
	// CommandIDKey is the context key for the command being executed.
	CommandIDKey contextKey = "command_id"
	// SenderKey is the context key for the engine or console that issued a
	// command or request.
	SenderKey contextKey = "sender"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values yield INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: FromContext(ctx, l.Logger)}
}

// FromContext tags l with the network, command and sender carried by ctx.
// A nil logger falls back to slog.Default().
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}

	if network, ok := ctx.Value(NetworkKey).(string); ok && network != "" {
		l = l.With("network", network)
	}

	if commandID, ok := ctx.Value(CommandIDKey).(string); ok && commandID != "" {
		l = l.With("command_id", commandID)
	}

	if sender, ok := ctx.Value(SenderKey).(string); ok && sender != "" {
		l = l.With("sender", sender)
	}

	return l
}

// WithEngineID returns a new Logger with the engine ID field.
func (l *Logger) WithEngineID(engineID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("engine_id", engineID),
	}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// Component tags a plain slog.Logger with a component name. A nil logger
// falls back to slog.Default().
func Component(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// ContextWithNetwork adds an appnet name to the context.
func ContextWithNetwork(ctx context.Context, network string) context.Context {
	return context.WithValue(ctx, NetworkKey, network)
}

// ContextWithCommandID adds a command ID to the context.
func ContextWithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// ContextWithSender adds the issuer of a command or request to the context.
func ContextWithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, SenderKey, sender)
}

// SenderFromContext returns the sender recorded in ctx, if any.
func SenderFromContext(ctx context.Context) string {
	if sender, ok := ctx.Value(SenderKey).(string); ok {
		return sender
	}
	return ""
}
