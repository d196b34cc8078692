package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"exporthub/internal/logger"
	"exporthub/internal/snapshot"
	"exporthub/internal/store"
)

// Download handles GET /api/projects/{projectID}/exports/{exportID}/download.
// Range requests are honored for stored files.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	exportID, ok := h.pathID(w, r, "exportID")
	if !ok {
		return
	}

	d, err := h.svc.ResolveDownload(r.Context(), projectID, exportID, r.URL.Query().Get("exportType"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.serve(w, r, d)
}

// ExportNow handles GET /api/projects/{projectID}/export, converting current tasks
// without storing a snapshot. Only annotated tasks are included unless
// download_all_tasks is true; ids[] selects a subset.
func (h *Handlers) ExportNow(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}

	q := r.URL.Query()
	allTasks := false
	if raw := q.Get("download_all_tasks"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.httpError(w, "Invalid download_all_tasks", http.StatusBadRequest)
			return
		}
		allTasks = v
	}
	filter := store.TaskFilter{OnlyFinished: !allTasks}
	for _, raw := range append(q["ids[]"], q["ids"]...) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.httpError(w, "Invalid task id "+raw, http.StatusBadRequest)
			return
		}
		filter.TaskIDs = append(filter.TaskIDs, id)
	}

	d, err := h.svc.ExportNow(r.Context(), projectID, q.Get("exportType"), filter)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.serve(w, r, d)
}

func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, d *snapshot.Download) {
	defer d.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, d.Name))
	w.Header().Set("filename", d.Name)

	if d.Offload {
		redirect, err := accelRedirect(d.URL)
		if err != nil {
			logger.FromContext(r.Context(), h.logger).Error("cannot offload download", "url", d.URL, "error", err)
			h.httpError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", d.ContentType)
		w.Header().Set("X-Accel-Redirect", redirect)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", d.ContentType)
	http.ServeContent(w, r, d.Name, d.ModTime, d.Content)
}

// accelRedirect builds the internal nginx location /file_download/{scheme}/{rest}.
func accelRedirect(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("storage url %q is not absolute", raw)
	}
	return "/file_download/" + u.Scheme + "/" + strings.TrimPrefix(raw, u.Scheme+"://"), nil
}
