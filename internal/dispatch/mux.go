package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"exporthub/internal/logger"
)

// ErrUnknownKind is returned by Run for jobs without a registered handler.
var ErrUnknownKind = errors.New("unknown job kind")

// Handler performs a job.
type Handler func(ctx context.Context, job Job) error

// FailureHook records a failed job. traceback holds the formatted error trace.
type FailureHook func(ctx context.Context, job Job, err error, traceback string)

type route struct {
	handler   Handler
	onFailure FailureHook
}

// Mux maps job kinds to handlers.
type Mux struct {
	mu     sync.RWMutex
	routes map[Kind]route
	logger *slog.Logger
}

// NewMux returns an empty Mux. A nil logger falls back to slog.Default.
func NewMux(log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{routes: map[Kind]route{}, logger: log}
}

// Handle registers the handler and failure hook for kind, replacing any previous one.
func (m *Mux) Handle(kind Kind, h Handler, onFailure FailureHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[kind] = route{handler: h, onFailure: onFailure}
}

// Run executes job. Panics are recovered and treated as failures.
// The failure hook runs before Run returns the error.
func (m *Mux) Run(ctx context.Context, job Job) (err error) {
	m.mu.RLock()
	r, ok := m.routes[job.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}

	// Consumers may already have continued the producer's trace.
	if job.Trace != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = otel.GetTextMapPropagator().Extract(ctx, job.Trace)
	}
	ctx, span := otel.Tracer("exporthub/dispatch").Start(ctx, "job."+string(job.Kind),
		trace.WithAttributes(
			attribute.Int64("project.id", job.ProjectID),
			attribute.Int64("export.id", job.ExportID),
			attribute.Int64("converted_format.id", job.ConvertedFormatID),
			attribute.String("export.type", job.ExportType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	var traceback string
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			traceback = fmt.Sprintf("panic: %v\n\n%s", rec, debug.Stack())
		}
		if err == nil {
			return
		}
		if traceback == "" {
			traceback = fmt.Sprintf("%+v", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.FromContext(ctx, m.logger).Error("job failed",
			"kind", job.Kind,
			"export_id", job.ExportID,
			"converted_format_id", job.ConvertedFormatID,
			"error", err,
		)
		if r.onFailure != nil {
			r.onFailure(ctx, job, err, traceback)
		}
	}()

	return r.handler(ctx, job)
}
