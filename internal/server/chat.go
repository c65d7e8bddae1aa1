package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/aigateway/internal/assembler"
)

// authResult holds the outcome of authenticating a gateway request.
// A nil entry means unrestricted access (an unscoped config token, or no
// auth configured at all).
type authResult struct {
	token *authTokenConfigRef
}

type authTokenConfigRef struct {
	allowedProviders []string
	allowedModels    []string
}

// isModelAllowed reports whether the given "provider/model" target is
// permitted by this token, per spec.md §6's scoping rules.
func (a *authResult) isModelAllowed(providerKey, fullModel string) bool {
	if a.token == nil {
		return true
	}
	if len(a.token.allowedProviders) == 0 && len(a.token.allowedModels) == 0 {
		return true
	}
	for _, p := range a.token.allowedProviders {
		if p == providerKey {
			return true
		}
	}
	for _, m := range a.token.allowedModels {
		if m == fullModel {
			return true
		}
	}
	return false
}

// authenticateRequest validates the Authorization header against the
// configured gateway auth tokens. If no tokens are configured, every
// request is allowed (operators are expected to front the gateway with
// their own auth in that case, per spec.md §6).
func (s *Server) authenticateRequest(r *http.Request) (*authResult, string) {
	if len(s.authTokens) == 0 {
		return &authResult{}, ""
	}

	auth := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || bearer == "" {
		return nil, "missing Authorization header"
	}

	for _, cfgToken := range s.authTokens {
		if cfgToken.Token == "" || bearer != cfgToken.Token {
			continue
		}

		if cfgToken.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, cfgToken.ExpiresAt)
			if err != nil {
				slog.Error("invalid expires_at in config auth token, rejecting", "name", cfgToken.Name, "error", err)
				return nil, "config token has invalid expires_at"
			}
			if expiresAt.Before(time.Now().UTC()) {
				return nil, "token has expired"
			}
		}

		if len(cfgToken.AllowedProviders) == 0 && len(cfgToken.AllowedModels) == 0 {
			return &authResult{}, ""
		}

		return &authResult{token: &authTokenConfigRef{
			allowedProviders: cfgToken.AllowedProviders,
			allowedModels:    cfgToken.AllowedModels,
		}}, ""
	}

	return nil, "invalid or missing Authorization header"
}

// authErrorBody matches the envelope internal/dispatch uses for every
// other error path, so clients see one consistent error shape regardless
// of which layer rejected the request.
func authErrorBody(message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    "invalid_api_key",
		},
	}
}

// ChatCompletions handles POST /v1/chat/completions: authenticates the
// request, checks model-level scoping, then delegates to the Dispatch
// Loop for everything else (model resolution, account fallback, combo
// fallback, streaming vs. aggregated response).
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		httpResponseJSON(w, authErrorBody(authErr), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponseJSON(w, authErrorBody(fmt.Sprintf("failed to read request body: %v", err)), http.StatusBadRequest)
		return
	}

	var peek struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &peek)
	if peek.Model != "" && !auth.isModelAllowed(providerKeyOf(peek.Model), peek.Model) {
		httpResponseJSON(w, authErrorBody(fmt.Sprintf("token does not have access to model %q", peek.Model)), http.StatusForbidden)
		return
	}

	result, err := s.dispatcher.HandleChat(r.Context(), body)
	if err != nil {
		slog.Error("dispatch failed unexpectedly", "error", err)
		httpResponseJSON(w, authErrorBody("internal error"), http.StatusInternalServerError)
		return
	}

	if result.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}

	if result.StatusCode != http.StatusOK {
		httpResponseJSON(w, result.ErrorBody, result.StatusCode)
		return
	}

	if result.Stream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpResponseJSON(w, authErrorBody("streaming not supported by this server"), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := assembler.StreamSSE(flushWriter{w, flusher}, result.ResponseID, result.Model, result.Created, result.PromptTokens, result.Events); err != nil {
			slog.Error("stream write failed", "error", err)
		}
		return
	}

	resp, err := assembler.BuildJSON(result.ResponseID, result.Model, result.Created, result.PromptTokens, result.Events)
	if err != nil {
		httpResponseJSON(w, authErrorBody(fmt.Sprintf("upstream stream error: %v", err)), http.StatusBadGateway)
		return
	}
	httpResponseJSON(w, resp, http.StatusOK)
}

// flushWriter flushes after every write so SSE chunks reach the client
// without buffering delay.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// ListModels handles GET /v1/models: advertises every configured
// provider's models, filtered by the authenticated token's scoping.
// Providers with no models list configured are not advertised.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		httpResponseJSON(w, authErrorBody(authErr), http.StatusUnauthorized)
		return
	}

	type modelData struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	var data []modelData
	for key, entry := range s.providers {
		if len(entry.Models) == 0 {
			continue
		}
		for _, m := range entry.Models {
			fullID := key + "/" + m
			if auth.isModelAllowed(key, fullID) {
				data = append(data, modelData{ID: fullID, Object: "model", OwnedBy: key})
			}
		}
	}

	httpResponseJSON(w, map[string]any{
		"object": "list",
		"data":   data,
	}, http.StatusOK)
}

// providerKeyOf extracts the provider segment of a "provider/model"
// string for auth scoping; returns "" if the string has no "/".
func providerKeyOf(model string) string {
	idx := strings.Index(model, "/")
	if idx < 0 {
		return ""
	}
	return model[:idx]
}
