// Package dispatch implements the Dispatch Loop (C7): per-request
// orchestration tying the Account Arbiter, Token Refresher, Provider
// Executor, and Normalised Response Assembler together per spec.md §4.6.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/aigateway/internal/arbiter"
	"github.com/rakunlabs/aigateway/internal/assembler"
	"github.com/rakunlabs/aigateway/internal/classifier"
	"github.com/rakunlabs/aigateway/internal/executor"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
	"github.com/rakunlabs/aigateway/internal/tokenrefresh"
)

// ChatResult is everything the HTTP layer needs to write a response: a
// status code, either a success stream/payload or an error body, and the
// Retry-After hint for 503s.
type ChatResult struct {
	StatusCode        int
	RetryAfterSeconds int

	Stream       bool
	ResponseID   string
	Model        string
	Created      int64
	PromptTokens int
	Events       <-chan assembler.Event

	ErrorBody map[string]any
}

// Dispatcher holds everything handleChat needs: the Credential Store, the
// Arbiter, the Executor registry, static provider config, and the
// alias table used to resolve bare model names to provider/model pairs.
type Dispatcher struct {
	Store         store.Store
	Arbiter       *arbiter.Arbiter
	Executors     *executor.Registry
	Providers     map[string]model.ProviderConfig
	Aliases       map[string]string // bare alias -> "provider/model"
	ClassifierCfg classifier.Config
	Now           func() time.Time
	Log           *slog.Logger
}

// New builds a Dispatcher. now defaults to time.Now when nil.
func New(s store.Store, a *arbiter.Arbiter, execs *executor.Registry, providers map[string]model.ProviderConfig, aliases map[string]string, classifierCfg classifier.Config, now func() time.Time, log *slog.Logger) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Store:         s,
		Arbiter:       a,
		Executors:     execs,
		Providers:     providers,
		Aliases:       aliases,
		ClassifierCfg: classifierCfg,
		Now:           now,
		Log:           log,
	}
}

type chatRequestBody struct {
	Model           string       `json:"model"`
	Messages        []rawMessage `json:"messages"`
	Tools           []rawTool    `json:"tools"`
	Stream          bool         `json:"stream"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText implements spec.md §4.2's multi-part content handling
// generically at request-parsing time: content is either a plain string
// or an array of typed parts, of which only type:"text" parts contribute.
func extractText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("message content: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// HandleChat is the entry point (spec.md §4.6 step 1). Panics raised
// anywhere below are caught here and turned into 500 responses — they
// must never leak a stack trace to the client.
func (d *Dispatcher) HandleChat(ctx context.Context, body []byte) (result *ChatResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("panic in dispatch loop", "recovered", r)
			result = &ChatResult{StatusCode: 500, ErrorBody: errorBody(fmt.Sprintf("internal error: %v", r), "internal_error", 500)}
			err = nil
		}
	}()

	var req chatRequestBody
	if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
		return &ChatResult{StatusCode: 400, ErrorBody: errorBody("malformed JSON body", "input_error", 400)}, nil
	}
	if req.Model == "" {
		return &ChatResult{StatusCode: 400, ErrorBody: errorBody("missing model", "input_error", 400)}, nil
	}

	messages := make([]executor.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		text, textErr := extractText(m.Content)
		if textErr != nil {
			return &ChatResult{StatusCode: 400, ErrorBody: errorBody("malformed message content", "input_error", 400)}, nil
		}
		messages = append(messages, executor.Message{Role: m.Role, Text: text})
	}

	tools := make([]executor.Tool, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = executor.Tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters}
	}

	responseID := "chatcmpl-" + ulid.Make().String()
	created := d.Now().Unix()
	promptTokens := assembler.EstimatePromptTokens(textsOf(messages))

	if combo, comboErr := d.Store.GetCombo(ctx, req.Model); comboErr == nil && combo != nil {
		return d.handleComboChat(ctx, *combo, messages, tools, req.Stream, req.ReasoningEffort, responseID, created, promptTokens)
	}

	provider, modelName, ok := d.resolveModel(req.Model)
	if !ok {
		return &ChatResult{StatusCode: 400, ErrorBody: errorBody(fmt.Sprintf("unresolved model %q", req.Model), "input_error", 400)}, nil
	}

	return d.handleSingleModelChat(ctx, provider, modelName, messages, tools, req.Stream, req.ReasoningEffort, responseID, created, promptTokens)
}

func textsOf(messages []executor.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Text
	}
	return out
}

// resolveModel implements spec.md §4.6's "provider/model or bare alias"
// resolution.
func (d *Dispatcher) resolveModel(modelStr string) (provider, modelName string, ok bool) {
	if idx := strings.Index(modelStr, "/"); idx >= 0 {
		p, m := modelStr[:idx], modelStr[idx+1:]
		if _, exists := d.Providers[p]; exists {
			return p, m, true
		}
		return "", "", false
	}

	alias, exists := d.Aliases[modelStr]
	if !exists {
		return "", "", false
	}
	idx := strings.Index(alias, "/")
	if idx < 0 {
		return "", "", false
	}
	p, m := alias[:idx], alias[idx+1:]
	if _, exists := d.Providers[p]; !exists {
		return "", "", false
	}
	return p, m, true
}

// handleSingleModelChat implements spec.md §4.6's account fallback loop.
func (d *Dispatcher) handleSingleModelChat(ctx context.Context, provider, modelName string, messages []executor.Message, tools []executor.Tool, stream bool, reasoningEffort string, responseID string, created int64, promptTokens int) (*ChatResult, error) {
	providerCfg, ok := d.Providers[provider]
	if !ok {
		return &ChatResult{StatusCode: 400, ErrorBody: errorBody(fmt.Sprintf("unknown provider %q", provider), "input_error", 400)}, nil
	}
	exec := d.Executors.For(providerCfg.Kind)
	if exec == nil {
		return &ChatResult{StatusCode: 500, ErrorBody: errorBody(fmt.Sprintf("no executor for provider kind %q", providerCfg.Kind), "internal_error", 500)}, nil
	}

	settings, err := d.Store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}

	excludeConnectionID := ""
	for {
		conn, limited, err := d.Arbiter.Select(ctx, provider, excludeConnectionID)
		if err != nil {
			return nil, fmt.Errorf("select connection: %w", err)
		}
		if conn == nil && limited == nil {
			return &ChatResult{StatusCode: 400, ErrorBody: errorBody(fmt.Sprintf("no credentials for provider %q", provider), "no_credentials", 400)}, nil
		}
		if limited != nil {
			return allUnavailableResult(limited), nil
		}

		if tokenrefresh.NeedsRefresh(*conn, settings.TokenExpiryBufferMs, d.Now()) {
			d.refreshAndPersist(ctx, conn, providerCfg)
		}

		outcome, execErr := exec.Execute(ctx, executor.ExecuteParams{
			Model:           modelName,
			Messages:        messages,
			Tools:           tools,
			Stream:          stream,
			ReasoningEffort: reasoningEffort,
			Connection:      *conn,
			Provider:        providerCfg,
		}, d.Log)
		if execErr != nil {
			return &ChatResult{StatusCode: 500, ErrorBody: errorBody(execErr.Error(), "internal_error", 500)}, nil
		}

		if outcome.Success {
			if clearErr := d.Arbiter.ClearAccountError(ctx, *conn); clearErr != nil {
				d.Log.Warn("clear account error failed", "connection", conn.ID, "error", clearErr)
			}
			return &ChatResult{
				StatusCode:   200,
				Stream:       stream,
				ResponseID:   responseID,
				Model:        modelName,
				Created:      created,
				PromptTokens: promptTokens,
				Events:       outcome.Events,
			}, nil
		}

		verdict, markErr := d.Arbiter.MarkAccountUnavailable(ctx, conn.ID, outcome.StatusCode, outcome.ErrorText, provider)
		if markErr != nil {
			return nil, fmt.Errorf("mark account unavailable: %w", markErr)
		}
		if verdict.ShouldFallback {
			excludeConnectionID = conn.ID
			continue
		}

		return &ChatResult{StatusCode: outcome.StatusCode, ErrorBody: errorBody(outcome.ErrorText, "upstream_error", outcome.StatusCode)}, nil
	}
}

// refreshAndPersist runs the refresh-with-retry wrapper and, on success,
// persists the new tokens and testStatus=active via the update callback
// (spec.md §4.3's "Credential update callback"). A nil result means every
// attempt failed; per spec §7 this is swallowed and the request proceeds
// with the possibly-stale token.
func (d *Dispatcher) refreshAndPersist(ctx context.Context, conn *model.Connection, providerCfg model.ProviderConfig) {
	result := tokenrefresh.RefreshWithRetry(ctx, func(ctx context.Context) (*tokenrefresh.Result, error) {
		return tokenrefresh.Refresh(ctx, conn.Provider, *conn, providerCfg)
	}, 3)
	if result == nil {
		return
	}

	expiresAt := d.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	activeStatus := model.StatusActive
	patch := model.ConnectionPatch{
		AccessToken: &result.AccessToken,
		ExpiresAt:   &expiresAt,
		TestStatus:  &activeStatus,
	}
	if result.RefreshToken != "" {
		patch.RefreshToken = &result.RefreshToken
	}

	updated, err := d.Store.UpdateConnection(ctx, conn.ID, patch)
	if err != nil {
		d.Log.Warn("persist refreshed token failed", "connection", conn.ID, "error", err)
		conn.AccessToken = result.AccessToken
		return
	}
	*conn = *updated
}

// handleComboChat implements the Combo Loop from spec.md §4.6.
func (d *Dispatcher) handleComboChat(ctx context.Context, combo model.Combo, messages []executor.Message, tools []executor.Tool, stream bool, reasoningEffort string, responseID string, created int64, promptTokens int) (*ChatResult, error) {
	var earliestRetry int
	var lastResult *ChatResult

	for _, target := range combo.Models {
		idx := strings.Index(target, "/")
		if idx < 0 {
			continue
		}
		provider, modelName := target[:idx], target[idx+1:]

		result, err := d.handleSingleModelChat(ctx, provider, modelName, messages, tools, stream, reasoningEffort, responseID, created, promptTokens)
		if err != nil {
			return nil, err
		}

		if result.StatusCode >= 200 && result.StatusCode < 300 {
			return result, nil
		}

		lastResult = result
		if result.RetryAfterSeconds > 0 && (earliestRetry == 0 || result.RetryAfterSeconds < earliestRetry) {
			earliestRetry = result.RetryAfterSeconds
		}

		errText, _ := errorTextOf(result.ErrorBody)
		verdict := classifier.Classify(d.ClassifierCfg, result.StatusCode, errText, 0)
		if !verdict.ShouldFallback {
			return result, nil
		}
	}

	if earliestRetry > 0 {
		return &ChatResult{
			StatusCode:        406,
			RetryAfterSeconds: earliestRetry,
			ErrorBody:         errorBody(fmt.Sprintf("all combo models exhausted, retry after %ds", earliestRetry), "combo_exhausted", 406),
		}, nil
	}
	if lastResult != nil {
		return &ChatResult{StatusCode: 406, ErrorBody: errorBody("all combo models exhausted", "combo_exhausted", 406)}, nil
	}
	return &ChatResult{StatusCode: 406, ErrorBody: errorBody("combo has no models", "combo_exhausted", 406)}, nil
}

func errorTextOf(body map[string]any) (string, bool) {
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := errObj["message"].(string)
	return msg, ok
}

// allUnavailableResult builds the 503 "all_accounts_unavailable" result,
// or surfaces the last seen upstream status if one was recorded, per
// spec.md §7.
func allUnavailableResult(limited *arbiter.AllRateLimited) *ChatResult {
	status := 503
	if limited.LastErrorCode != 0 {
		status = limited.LastErrorCode
	}

	retryAfterSeconds := int((limited.RetryAfterMs + 999) / 1000)
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}

	msg := fmt.Sprintf("all accounts rate limited, reset after %s", limited.RetryAfterHuman)
	if limited.LastError != "" {
		msg = fmt.Sprintf("%s (last error: %s)", msg, limited.LastError)
	}

	return &ChatResult{
		StatusCode:        status,
		RetryAfterSeconds: retryAfterSeconds,
		ErrorBody:         errorBody(msg, "all_accounts_unavailable", status),
	}
}

func errorBody(message, kind string, code int) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}
}
