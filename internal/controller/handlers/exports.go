package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"exporthub/internal/snapshot"
	"exporthub/internal/store"
	"exporthub/pkg/api"
)

// Formats handles GET /api/projects/{projectID}/export/formats.
func (h *Handlers) Formats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.pathID(w, r, "projectID"); !ok {
		return
	}
	formats := h.svc.Formats()
	resp := make([]api.Format, 0, len(formats))
	for _, f := range formats {
		resp = append(resp, api.Format{
			Name:        f.Name,
			Title:       f.Title,
			Description: f.Description,
			Ext:         f.Ext,
			Tags:        f.Tags,
			Convertible: f.Convertible(),
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ListExports handles GET /api/projects/{projectID}/exports.
func (h *Handlers) ListExports(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	exports, err := h.svc.ListExports(r.Context(), projectID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	resp := make([]api.Export, 0, len(exports))
	for i := range exports {
		resp = append(resp, toExport(&exports[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// CreateExport handles POST /api/projects/{projectID}/exports.
// An empty body creates a snapshot of every task.
func (h *Handlers) CreateExport(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}

	var req api.CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	export, err := h.svc.CreateExport(r.Context(), projectID, snapshot.CreateExportParams{
		Title:     req.Title,
		CreatedBy: req.CreatedBy,
		Filter: store.TaskFilter{
			OnlyFinished: req.OnlyFinished,
			TaskIDs:      req.TaskIDs,
		},
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toExport(export))
}

// GetExport handles GET /api/projects/{projectID}/exports/{exportID}.
func (h *Handlers) GetExport(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	exportID, ok := h.pathID(w, r, "exportID")
	if !ok {
		return
	}
	export, err := h.svc.GetExport(r.Context(), projectID, exportID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExport(export))
}

// DeleteExport handles DELETE /api/projects/{projectID}/exports/{exportID}.
func (h *Handlers) DeleteExport(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	exportID, ok := h.pathID(w, r, "exportID")
	if !ok {
		return
	}
	if err := h.svc.DeleteExport(r.Context(), projectID, exportID); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toExport(e *store.Export) api.Export {
	out := api.Export{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		Title:     e.Title,
		CreatedBy: e.CreatedBy,
		Status:    string(e.Status),
		Counters: api.Counters{
			TaskNumber:       e.Counters.TaskNumber,
			AnnotationNumber: e.Counters.AnnotationNumber,
		},
		Traceback:        e.Traceback,
		CreatedAt:        e.CreatedAt,
		FinishedAt:       e.FinishedAt,
		ConvertedFormats: make([]api.ConvertedFormat, 0, len(e.ConvertedFormats)),
	}
	if e.MD5 != nil {
		out.MD5 = *e.MD5
	}
	for _, cf := range e.ConvertedFormats {
		out.ConvertedFormats = append(out.ConvertedFormats, api.ConvertedFormat{
			ID:         cf.ID,
			ExportType: cf.ExportType,
			Status:     string(cf.Status),
			Traceback:  cf.Traceback,
			CreatedAt:  cf.CreatedAt,
			FinishedAt: cf.FinishedAt,
		})
	}
	return out
}
