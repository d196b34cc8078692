// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"exporthub/internal/convert"
	"exporthub/internal/logger"
	"exporthub/internal/snapshot"
	"exporthub/internal/store"
	"exporthub/pkg/api"
)

// Service is the export manager surface used by the handlers. *snapshot.Manager satisfies it.
type Service interface {
	Ping(ctx context.Context) error
	Formats() []convert.Format
	ListExports(ctx context.Context, projectID int64) ([]store.Export, error)
	CreateExport(ctx context.Context, projectID int64, params snapshot.CreateExportParams) (*store.Export, error)
	GetExport(ctx context.Context, projectID, exportID int64) (*store.Export, error)
	DeleteExport(ctx context.Context, projectID, exportID int64) error
	RequestConversion(ctx context.Context, projectID, exportID int64, exportType string) (*snapshot.ConversionTicket, error)
	ResolveDownload(ctx context.Context, projectID, exportID int64, exportType string) (*snapshot.Download, error)
	ExportNow(ctx context.Context, projectID int64, exportType string, filter store.TaskFilter) (*snapshot.Download, error)
	ExportFiles(ctx context.Context, projectID int64) ([]snapshot.ExportFile, error)
	Visualization(ctx context.Context, projectID int64) ([]string, error)
	QueryTasks(ctx context.Context, projectID int64, params snapshot.QueryParams) ([]map[string]interface{}, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc    Service
	logger *slog.Logger
}

// New creates a new Handlers instance. A nil logger falls back to slog.Default.
func New(svc Service, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, logger: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// serviceError maps manager errors onto status codes. Only classified errors
// expose their message; anything else is logged and reported as a 500.
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	}

	var se *snapshot.Error
	if errors.As(err, &se) && status != http.StatusInternalServerError {
		h.httpError(w, se.Message, status)
		return
	}

	log := logger.FromContext(r.Context(), h.logger)
	log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	if se != nil {
		h.httpError(w, se.Message, status)
		return
	}
	h.httpError(w, "Internal server error", status)
}

// pathID parses a positive integer URL parameter.
func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.httpError(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
