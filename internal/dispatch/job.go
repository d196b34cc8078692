// Package dispatch routes background export jobs to their handlers,
// either in the calling goroutine, on an in-process pool, or through a durable queue.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"exporthub/internal/store"
)

// Kind names a job handler.
type Kind string

const (
	// KindConvert converts a completed snapshot into another format.
	KindConvert Kind = "convert"

	// KindExport generates the canonical snapshot file of an export.
	KindExport Kind = "export"
)

// Job is the unit handed to a Dispatcher. It is JSON encoded on durable queues.
type Job struct {
	Kind              Kind                   `json:"kind"`
	ProjectID         int64                  `json:"project_id"`
	ExportID          int64                  `json:"export_id"`
	ConvertedFormatID int64                  `json:"converted_format_id,omitempty"`
	ExportType        string                 `json:"export_type,omitempty"`
	Filter            *store.TaskFilter      `json:"filter,omitempty"`
	EnqueuedAt        time.Time              `json:"enqueued_at"`
	Trace             propagation.MapCarrier `json:"trace,omitempty"`
}

// Dispatcher hands a job over for execution. Implementations never report job
// failures to the caller; those are recorded by the job's failure hook.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// stamp fills the enqueue time and carries the caller's trace context.
func stamp(ctx context.Context, job Job) Job {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		job.Trace = carrier
	}
	return job
}

// Encode serializes a job for a durable queue.
func Encode(job Job) (json.RawMessage, error) {
	return json.Marshal(job)
}

// Decode parses a queued payload.
func Decode(payload json.RawMessage) (Job, error) {
	var job Job
	err := json.Unmarshal(payload, &job)
	return job, err
}
