package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"exporthub/internal/snapshot"
	"exporthub/pkg/api"
)

// Visualization handles GET /api/projects/{projectID}/visualization.
func (h *Handlers) Visualization(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	columns, err := h.svc.Visualization(r.Context(), projectID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if columns == nil {
		columns = []string{}
	}
	h.respondJson(w, http.StatusOK, api.VisualizationResponse{CategoricalColumns: columns})
}

// QueryTasks handles POST /api/projects/{projectID}/visualization.
// include_all_tasks=true adds unannotated tasks; ignore_keys is a comma separated
// list of columns to drop.
func (h *Handlers) QueryTasks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}

	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SQLQuery) == "" {
		h.httpError(w, "No SQL query provided", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	params := snapshot.QueryParams{
		SQL:             req.SQLQuery,
		IncludeAllTasks: q.Get("include_all_tasks") == "true",
	}
	if keys := q.Get("ignore_keys"); keys != "" {
		params.IgnoreKeys = strings.Split(keys, ",")
	}

	rows, err := h.svc.QueryTasks(r.Context(), projectID, params)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	h.respondJson(w, http.StatusOK, api.QueryResponse{Data: rows})
}

// ExportFiles handles GET /api/projects/{projectID}/export/files.
func (h *Handlers) ExportFiles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	files, err := h.svc.ExportFiles(r.Context(), projectID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	resp := api.ExportFilesResponse{ExportFiles: make([]api.ExportFile, 0, len(files))}
	for _, f := range files {
		resp.ExportFiles = append(resp.ExportFiles, api.ExportFile{Name: f.Name, URL: f.URL})
	}
	h.respondJson(w, http.StatusOK, resp)
}
