// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// requestIDKey is the context key for request/correlation IDs.
type requestIDKey struct{}

// userIDKey is the context key for the authenticated user.
type userIDKey struct{}

// New creates a new structured JSON logger at info level.
func New() *slog.Logger {
	return NewWithLevel(os.Stdout, "info")
}

// NewWithLevel creates a JSON logger writing to w at the named level
// (debug, info, warn, error). Unknown names fall back to info.
func NewWithLevel(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// WithUserID returns a new context carrying the user ID for log correlation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// FromContext returns a logger with context fields (request ID, user ID) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		l = l.With("request_id", reqID)
	}
	if v, ok := ctx.Value(userIDKey{}).(string); ok && v != "" {
		l = l.With("user_id", v)
	}
	return l
}
