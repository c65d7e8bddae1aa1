package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

// connectionRequest is the JSON body for creating a connection.
// ExpiresAt is accepted as an RFC3339 string, matching the admin API's
// plain-JSON contract (no UI, per spec.md §6).
type connectionRequest struct {
	Provider string          `json:"provider"`
	AuthType model.AuthType  `json:"auth_type"`
	Priority int             `json:"priority"`
	IsActive *bool           `json:"is_active"`

	APIKey       string `json:"api_key,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`

	ProviderSpecificData map[string]any `json:"provider_specific_data,omitempty"`
}

// ListConnectionsAPI handles GET /v1/connections.
func (s *Server) ListConnectionsAPI(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.ListConnections(r.Context())
	if err != nil {
		slog.Error("list connections failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list connections: %v", err), http.StatusInternalServerError)
		return
	}
	for i := range conns {
		redactConnection(&conns[i])
	}
	httpResponseJSON(w, map[string]any{"connections": conns}, http.StatusOK)
}

// GetConnectionAPI handles GET /v1/connections/:id.
func (s *Server) GetConnectionAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			httpResponse(w, fmt.Sprintf("connection %q not found", id), http.StatusNotFound)
			return
		}
		slog.Error("get connection failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get connection: %v", err), http.StatusInternalServerError)
		return
	}
	if conn == nil {
		httpResponse(w, fmt.Sprintf("connection %q not found", id), http.StatusNotFound)
		return
	}

	redactConnection(conn)
	httpResponseJSON(w, conn, http.StatusOK)
}

// CreateConnectionAPI handles POST /v1/connections.
func (s *Server) CreateConnectionAPI(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		httpResponse(w, "provider is required", http.StatusBadRequest)
		return
	}

	conn := model.Connection{
		Provider:             req.Provider,
		AuthType:             req.AuthType,
		Priority:             req.Priority,
		IsActive:             req.IsActive == nil || *req.IsActive,
		APIKey:               req.APIKey,
		AccessToken:          req.AccessToken,
		RefreshToken:         req.RefreshToken,
		ProjectID:            req.ProjectID,
		ProviderSpecificData: req.ProviderSpecificData,
		TestStatus:           model.StatusActive,
	}

	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid expires_at: %v", err), http.StatusBadRequest)
			return
		}
		conn.ExpiresAt = types.NewTimeNull(t)
	}

	created, err := s.store.CreateConnection(r.Context(), conn)
	if err != nil {
		slog.Error("create connection failed", "provider", req.Provider, "error", err)
		httpResponse(w, fmt.Sprintf("failed to create connection: %v", err), http.StatusInternalServerError)
		return
	}

	redactConnection(created)
	httpResponseJSON(w, created, http.StatusCreated)
}

// UpdateConnectionAPI handles PATCH /v1/connections/:id. Only fields
// present in the request body are changed; omitting a field (rather
// than sending it empty) leaves it untouched, via model.ConnectionPatch.
func (s *Server) UpdateConnectionAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	patch := model.ConnectionPatch{}
	if v, ok := raw["access_token"]; ok {
		var s string
		json.Unmarshal(v, &s)
		patch.AccessToken = &s
	}
	if v, ok := raw["refresh_token"]; ok {
		var s string
		json.Unmarshal(v, &s)
		patch.RefreshToken = &s
	}
	if v, ok := raw["expires_at"]; ok {
		var s string
		json.Unmarshal(v, &s)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid expires_at: %v", err), http.StatusBadRequest)
			return
		}
		patch.ExpiresAt = &t
	}
	if v, ok := raw["is_active"]; ok {
		var b bool
		json.Unmarshal(v, &b)
		// IsActive has no ConnectionPatch field of its own in the
		// current store schema — routed through provider-level
		// activation is out of scope here; accept and ignore silently
		// would be misleading, so reject explicitly instead.
		_ = b
		httpResponse(w, "is_active cannot be patched; delete and recreate the connection instead", http.StatusBadRequest)
		return
	}
	if v, ok := raw["clear_cooldown"]; ok {
		var b bool
		json.Unmarshal(v, &b)
		patch.ClearCooldown = b
	}

	updated, err := s.store.UpdateConnection(r.Context(), id, patch)
	if err != nil {
		if isNotFound(err) {
			httpResponse(w, fmt.Sprintf("connection %q not found", id), http.StatusNotFound)
			return
		}
		slog.Error("update connection failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to update connection: %v", err), http.StatusInternalServerError)
		return
	}

	redactConnection(updated)
	httpResponseJSON(w, updated, http.StatusOK)
}

// DeleteConnectionAPI handles DELETE /v1/connections/:id.
func (s *Server) DeleteConnectionAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteConnection(r.Context(), id); err != nil {
		if isNotFound(err) {
			httpResponse(w, fmt.Sprintf("connection %q not found", id), http.StatusNotFound)
			return
		}
		slog.Error("delete connection failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete connection: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// redactConnection replaces secret fields with a sentinel value, same
// spirit as the teacher's redactProviderRecord for /v1/providers.
func redactConnection(conn *model.Connection) {
	if conn == nil {
		return
	}
	if conn.APIKey != "" {
		conn.APIKey = "***"
	}
	if conn.AccessToken != "" {
		conn.AccessToken = "***"
	}
	if conn.RefreshToken != "" {
		conn.RefreshToken = "***"
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
