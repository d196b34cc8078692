package store

import (
	"encoding/json"
	"time"
)

// Project is the owner of tasks and export snapshots.
type Project struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a single labeling item of a project.
type Task struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"created_at"`
	Annotations []Annotation    `json:"annotations"`
}

// Annotation is a labeling result attached to a task.
type Annotation struct {
	ID           int64           `json:"id"`
	TaskID       int64           `json:"task"`
	Result       json.RawMessage `json:"result"`
	CompletedBy  *int64          `json:"completed_by,omitempty"`
	WasCancelled bool            `json:"was_cancelled"`
	GroundTruth  bool            `json:"ground_truth"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TaskFilter narrows the tasks serialized into a snapshot.
type TaskFilter struct {
	// OnlyFinished keeps tasks with at least one non-cancelled annotation.
	OnlyFinished bool `json:"only_finished,omitempty"`
	// TaskIDs restricts the snapshot to a subset of tasks when non-empty.
	TaskIDs []int64 `json:"task_ids,omitempty"`
}

// ExportCounters summarizes the content of a snapshot.
type ExportCounters struct {
	TaskNumber       int `json:"task_number"`
	AnnotationNumber int `json:"annotation_number"`
}

// Export is a point-in-time snapshot of a project's tasks and annotations.
// File holds the blob reference of the canonical JSON artifact.
type Export struct {
	ID         int64
	ProjectID  int64
	Title      string
	CreatedBy  *int64
	Status     Status
	File       *string
	MD5        *string
	Counters   ExportCounters
	Traceback  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time

	// ConvertedFormats is populated by callers that need the children.
	ConvertedFormats []ConvertedFormat
}

// ConvertedFormat is a derived artifact of an Export in a non-canonical format.
// At most one row exists per (ExportID, ExportType).
type ConvertedFormat struct {
	ID         int64
	ExportID   int64
	ExportType string
	Status     Status
	File       *string
	Traceback  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// HasFile reports whether a stored artifact is attached.
func (c *ConvertedFormat) HasFile() bool {
	return c.File != nil && *c.File != ""
}

// HasFile reports whether a stored artifact is attached.
func (e *Export) HasFile() bool {
	return e.File != nil && *e.File != ""
}
