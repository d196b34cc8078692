package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"exporthub/pkg/api"
)

// Convert handles POST /api/projects/{projectID}/exports/{exportID}/convert.
// The conversion runs in the background; the response only acknowledges it.
func (h *Handlers) Convert(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}
	exportID, ok := h.pathID(w, r, "exportID")
	if !ok {
		return
	}

	var req api.ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ExportType = strings.TrimSpace(req.ExportType)
	if req.ExportType == "" {
		h.httpError(w, "export_type is required", http.StatusBadRequest)
		return
	}

	ticket, err := h.svc.RequestConversion(r.Context(), projectID, exportID, req.ExportType)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.ConvertResponse{
		ExportType:      ticket.ExportType,
		ConvertedFormat: ticket.ConvertedFormatID,
	})
}
