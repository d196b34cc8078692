package store

import (
	"context"
	"database/sql"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// ProjectStore resolves projects.
type ProjectStore interface {
	// CreateProject inserts a new project and sets its ID.
	CreateProject(ctx context.Context, project *Project) error

	// GetProjectByID returns ErrNotFound when the project does not exist.
	GetProjectByID(ctx context.Context, id int64) (*Project, error)
}

// TaskStore reads the tasks and annotations that make up a snapshot.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	CreateAnnotation(ctx context.Context, annotation *Annotation) error

	// ListExportTasks returns the tasks of a project with their annotations, ordered by id.
	ListExportTasks(ctx context.Context, projectID int64, filter TaskFilter) ([]Task, error)
}

// ExportStore persists export snapshots.
type ExportStore interface {
	// CreateExport inserts a new export and sets its ID and timestamps.
	CreateExport(ctx context.Context, tx DBTransaction, export *Export) error

	// GetExportByID returns the export of the project, or ErrNotFound.
	GetExportByID(ctx context.Context, tx DBTransaction, projectID, id int64) (*Export, error)

	// ListExports returns the project's exports newest first. limit <= 0 means unlimited.
	ListExports(ctx context.Context, projectID int64, limit int) ([]Export, error)

	// TransitionExport applies a guarded status change.
	// It returns ErrNotFound or ErrStatusConflict when no row matched.
	TransitionExport(ctx context.Context, tx DBTransaction, id int64, t Transition) error

	// DeleteExport removes the export together with its converted formats.
	DeleteExport(ctx context.Context, id int64) error
}

// ConvertedFormatStore persists conversions of a snapshot.
type ConvertedFormatStore interface {
	// GetOrCreateConvertedFormat atomically returns the (exportID, exportType) row.
	// created is true only for the caller whose insert won.
	GetOrCreateConvertedFormat(ctx context.Context, exportID int64, exportType string) (cf *ConvertedFormat, created bool, err error)

	// GetConvertedFormatByID returns ErrNotFound when the row does not exist.
	// Inside a transaction the row is locked until commit where the backend supports it.
	GetConvertedFormatByID(ctx context.Context, tx DBTransaction, id int64) (*ConvertedFormat, error)

	// ListConvertedFormats returns all conversions of an export ordered by id.
	ListConvertedFormats(ctx context.Context, exportID int64) ([]ConvertedFormat, error)

	// TransitionConvertedFormat applies a guarded status change.
	// It returns ErrNotFound or ErrStatusConflict when no row matched.
	TransitionConvertedFormat(ctx context.Context, tx DBTransaction, id int64, t Transition) error

	// DeleteConvertedFormat removes a single conversion row.
	DeleteConvertedFormat(ctx context.Context, id int64) error
}

// Store is the complete persistence surface used by the export manager.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
	ProjectStore
	TaskStore
	ExportStore
	ConvertedFormatStore
}
