package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle state shared by exports and converted formats.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// allowed lists the legal successors of every state.
// Terminal states have none.
var allowed = map[Status][]Status{
	StatusCreated:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range allowed[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition describes a guarded status change applied as a compare-and-swap.
// The row is updated only while its current status is one of From.
type Transition struct {
	From []Status
	To   Status

	// Optional columns written together with the status.
	File      *string
	MD5       *string
	Traceback *string
	Counters  *ExportCounters

	// At is the timestamp recorded as updated_at, and finished_at for terminal targets.
	At time.Time
}

// Validate rejects transitions that the state machine does not allow.
func (t Transition) Validate() error {
	if !t.To.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, t.To)
	}
	if len(t.From) == 0 {
		return fmt.Errorf("%w: no source status", ErrInvalidTransition)
	}
	for _, from := range t.From {
		if !from.CanTransition(t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}
	}
	if t.File != nil && t.To != StatusCompleted {
		return fmt.Errorf("%w: file can only be attached on %s", ErrInvalidTransition, StatusCompleted)
	}
	if t.Traceback != nil && t.To != StatusFailed {
		return fmt.Errorf("%w: traceback can only be recorded on %s", ErrInvalidTransition, StatusFailed)
	}
	return nil
}

// FromStrings renders the source set for SQL placeholders.
func (t Transition) FromStrings() []string {
	out := make([]string, len(t.From))
	for i, s := range t.From {
		out[i] = string(s)
	}
	return out
}

// Timestamp returns At, defaulting to now.
func (t Transition) Timestamp() time.Time {
	if t.At.IsZero() {
		return time.Now().UTC()
	}
	return t.At
}

// Start moves a created row to in_progress.
func Start() Transition {
	return Transition{From: []Status{StatusCreated}, To: StatusInProgress}
}

// Complete moves an in_progress row to completed and attaches its file.
func Complete(file string) Transition {
	return Transition{From: []Status{StatusInProgress}, To: StatusCompleted, File: &file}
}

// Fail records a failure with its traceback from any non-terminal state.
func Fail(traceback string) Transition {
	return Transition{From: []Status{StatusCreated, StatusInProgress}, To: StatusFailed, Traceback: &traceback}
}

// FailUnclaimed records a failure for a row no attempt has started yet.
// A row already in_progress belongs to another attempt and is left alone.
func FailUnclaimed(traceback string) Transition {
	return Transition{From: []Status{StatusCreated}, To: StatusFailed, Traceback: &traceback}
}
