// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// Status values of exports and converted formats.
const (
	StatusCreated    = "created"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Format describes a supported export format.
type Format struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Ext         string   `json:"ext"`
	Tags        []string `json:"tags,omitempty"`
	// Convertible is false for the canonical format, which every snapshot already is.
	Convertible bool `json:"convertible"`
}

// CreateExportRequest is the request body for creating a snapshot.
type CreateExportRequest struct {
	Title        string  `json:"title,omitempty"`
	CreatedBy    *int64  `json:"created_by,omitempty"`
	OnlyFinished bool    `json:"only_finished,omitempty"`
	TaskIDs      []int64 `json:"task_ids,omitempty"`
}

// Counters summarizes a snapshot.
type Counters struct {
	TaskNumber       int `json:"task_number"`
	AnnotationNumber int `json:"annotation_number"`
}

// ConvertedFormat is a derived artifact of an export.
type ConvertedFormat struct {
	ID         int64      `json:"id"`
	ExportType string     `json:"export_type"`
	Status     string     `json:"status"`
	Traceback  *string    `json:"traceback,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Export is a snapshot with its converted formats.
type Export struct {
	ID               int64             `json:"id"`
	ProjectID        int64             `json:"project"`
	Title            string            `json:"title"`
	CreatedBy        *int64            `json:"created_by,omitempty"`
	Status           string            `json:"status"`
	MD5              string            `json:"md5,omitempty"`
	Counters         Counters          `json:"counters"`
	Traceback        *string           `json:"traceback,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	ConvertedFormats []ConvertedFormat `json:"converted_formats"`
}

// ConvertRequest asks for a conversion of a completed snapshot.
type ConvertRequest struct {
	ExportType string `json:"export_type"`
}

// ConvertResponse acknowledges a scheduled conversion.
type ConvertResponse struct {
	ExportType      string `json:"export_type"`
	ConvertedFormat int64  `json:"converted_format"`
}

// VisualizationResponse lists the columns suited for categorical charts.
type VisualizationResponse struct {
	CategoricalColumns []string `json:"categorical_columns"`
}

// QueryRequest is the body of a task query.
type QueryRequest struct {
	SQLQuery string `json:"sql_query"`
}

// QueryResponse holds the query result, one object per row.
type QueryResponse struct {
	Data []map[string]interface{} `json:"data"`
}

// ExportFile is a completed snapshot file.
type ExportFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ExportFilesResponse lists the completed snapshot files of a project.
type ExportFilesResponse struct {
	ExportFiles []ExportFile `json:"export_files"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
