package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rakunlabs/aigateway/internal/arbiter"
	"github.com/rakunlabs/aigateway/internal/classifier"
	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/dispatch"
	"github.com/rakunlabs/aigateway/internal/executor"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store/memory"
)

func newTestServer(t *testing.T, upstreamURL string, authTokens []config.AuthTokenConfig) (*Server, *memory.Memory) {
	t.Helper()

	st := memory.New()
	providers := map[string]model.ProviderConfig{
		"codex": {Kind: "openai-compatible", BaseURLs: []string{upstreamURL}, ChatPath: "/v1/chat/completions"},
	}

	if _, err := st.CreateConnection(context.Background(), model.Connection{
		Provider: "codex", AuthType: model.AuthAPIKey, Priority: 1, IsActive: true,
		APIKey: "sk-test", TestStatus: model.StatusActive,
	}); err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	arb := arbiter.New(st, classifier.DefaultConfig(), nil)

	dispatcher := dispatch.New(st, arb, executor.NewRegistry(), providers, map[string]string{}, classifier.DefaultConfig(), nil, nil)

	srv, err := New(context.Background(), config.Server{AdminToken: "admin-secret"}, config.Gateway{AuthTokens: authTokens}, dispatcher, st,
		map[string]config.ProviderEntry{"codex": {Kind: "openai-compatible", Models: []string{"gpt-5"}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, st
}

func TestChatCompletions_NoAuthConfigured_Allows(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL, nil)

	body := bytes.NewBufferString(`{"model":"codex/gpt-5","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	srv.ChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestChatCompletions_ScopedToken_Forbidden(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", []config.AuthTokenConfig{
		{Token: "sk-scoped", AllowedModels: []string{"claude/opus"}},
	})

	body := bytes.NewBufferString(`{"model":"codex/gpt-5","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sk-scoped")
	w := httptest.NewRecorder()

	srv.ChatCompletions(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", w.Code, w.Body.String())
	}
}

func TestChatCompletions_MissingToken_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", []config.AuthTokenConfig{{Token: "sk-required"}})

	body := bytes.NewBufferString(`{"model":"codex/gpt-5","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	srv.ChatCompletions(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestConnectionsCRUD(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", nil)

	createBody := bytes.NewBufferString(`{"provider":"claude","auth_type":"apiKey","priority":1,"api_key":"sk-ant-secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/connections", createBody)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	srv.CreateConnectionAPI(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	var created model.Connection
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created connection: %v", err)
	}
	if created.APIKey != "***" {
		t.Fatalf("created connection api_key = %q, want redacted", created.APIKey)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	listReq.Header.Set("Authorization", "Bearer admin-secret")
	listW := httptest.NewRecorder()
	srv.ListConnectionsAPI(listW, listReq)
	if listW.Code != http.StatusOK {
		t.Fatalf("list status = %d", listW.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/connections/"+created.ID, nil)
	getReq.SetPathValue("id", created.ID)
	getReq.Header.Set("Authorization", "Bearer admin-secret")
	getW := httptest.NewRecorder()
	srv.GetConnectionAPI(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getW.Code, getW.Body.String())
	}

	patchBody := bytes.NewBufferString(`{"access_token":"new-token"}`)
	patchReq := httptest.NewRequest(http.MethodPatch, "/v1/connections/"+created.ID, patchBody)
	patchReq.SetPathValue("id", created.ID)
	patchReq.Header.Set("Authorization", "Bearer admin-secret")
	patchW := httptest.NewRecorder()
	srv.UpdateConnectionAPI(patchW, patchReq)
	if patchW.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", patchW.Code, patchW.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/connections/"+created.ID, nil)
	delReq.SetPathValue("id", created.ID)
	delReq.Header.Set("Authorization", "Bearer admin-secret")
	delW := httptest.NewRecorder()
	srv.DeleteConnectionAPI(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("delete status = %d", delW.Code)
	}
}

func TestConnectionsAdmin_NoToken_Forbidden(t *testing.T) {
	st := memory.New()
	providers := map[string]model.ProviderConfig{}
	arb := arbiter.New(st, classifier.DefaultConfig(), nil)
	dispatcher := dispatch.New(st, arb, executor.NewRegistry(), providers, nil, classifier.DefaultConfig(), nil, nil)

	srv, err := New(context.Background(), config.Server{}, config.Gateway{}, dispatcher, st, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	w := httptest.NewRecorder()

	srv.adminAuthMiddleware()(http.HandlerFunc(srv.ListConnectionsAPI)).ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when no admin_token configured", w.Code)
	}
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.ListModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []struct{ ID string } `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "codex/gpt-5" {
		t.Fatalf("models = %+v, want [codex/gpt-5]", resp.Data)
	}
}
