// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Supported output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	// FormatOTel hands records to the global OpenTelemetry log provider.
	FormatOTel = "otel"
)

// requestIDKey is the context key for request/correlation IDs.
type requestIDKey struct{}

// New creates a structured logger writing to stdout.
// Unknown levels fall back to info, unknown formats to JSON.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination. The otel format ignores w.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.LevelVar
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: &lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatOTel:
		h = &leveled{level: &lvl, Handler: otelslog.NewHandler("exporthub")}
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// leveled filters records below level before they reach the wrapped handler.
type leveled struct {
	level slog.Leveler
	slog.Handler
}

func (l *leveled) Enabled(ctx context.Context, lvl slog.Level) bool {
	return lvl >= l.level.Level() && l.Handler.Enabled(ctx, lvl)
}

func (l *leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveled{level: l.level, Handler: l.Handler.WithAttrs(attrs)}
}

func (l *leveled) WithGroup(name string) slog.Handler {
	return &leveled{level: l.level, Handler: l.Handler.WithGroup(name)}
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger with context fields (request ID, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return base.With("request_id", reqID)
	}
	return base
}
