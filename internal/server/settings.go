package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/aigateway/internal/model"
)

// GetSettingsAPI handles GET /v1/settings.
func (s *Server) GetSettingsAPI(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		slog.Error("get settings failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to get settings: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, settings, http.StatusOK)
}

// UpdateSettingsAPI handles PATCH /v1/settings. The request replaces the
// whole Settings record — there are only three scalar fields, so a
// partial-field merge (as connections need, given their larger surface)
// would add complexity the admin surface doesn't need here.
func (s *Server) UpdateSettingsAPI(w http.ResponseWriter, r *http.Request) {
	var req model.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	updated, err := s.store.UpdateSettings(r.Context(), req)
	if err != nil {
		slog.Error("update settings failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to update settings: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}
