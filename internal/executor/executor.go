// Package executor implements the Provider Executor (spec.md §4.5): per
// provider, it builds the upstream URL/headers/body, performs the HTTP
// call with base-URL fallback on retryable failures, and translates the
// upstream's native wire format into the shared assembler.Event stream
// the Dispatch Loop and Normalised Response Assembler consume.
package executor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/aigateway/internal/assembler"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/tokenrefresh"
)

// Message is the minimal role+text shape every Executor needs from an
// inbound chat request.
type Message struct {
	Role string
	Text string
	ID   string
}

// Tool is one function tool definition, passed through to whichever
// provider-native tool-calling shape the executor targets.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ExecuteParams bundles everything an Executor needs to perform one
// upstream call.
type ExecuteParams struct {
	Model           string
	Messages        []Message
	Tools           []Tool
	Stream          bool
	ReasoningEffort string
	Connection      model.Connection
	Provider        model.ProviderConfig
}

// Outcome is the result of one Execute call. On Success, Events carries
// the normalised stream; on failure, StatusCode/ErrorText describe the
// upstream response so the Error Classifier can decide on fallback.
type Outcome struct {
	Success    bool
	StatusCode int
	ErrorText  string
	Events     <-chan assembler.Event
}

// Executor is the per-provider collaborator described in spec.md §4.5.
// BuildURL/BuildHeaders/TransformRequest are internal to each
// implementation rather than exposed here — callers only need Execute's
// end-to-end result plus the (provider-keyed, not executor-keyed) refresh
// hook below.
type Executor interface {
	Execute(ctx context.Context, params ExecuteParams, log *slog.Logger) (Outcome, error)
}

// RefreshCredentials delegates to the Token Refresher (C3). The refresh
// contract is entirely provider-keyed (internal/tokenrefresh already
// special-cases Cursor as a no-op) — no Executor implementation needs its
// own override.
func RefreshCredentials(ctx context.Context, conn model.Connection, cfg model.ProviderConfig) (*tokenrefresh.Result, error) {
	return tokenrefresh.Refresh(ctx, conn.Provider, conn, cfg)
}

// retryableStatus reports whether a non-2xx response should advance to
// the next configured base URL per spec.md §4.5 rather than surface
// immediately.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests
}

// Registry resolves a Provider Executor by model.ProviderConfig.Kind.
type Registry struct {
	byKind map[string]Executor
}

// NewRegistry wires the three executor kinds the spec names.
func NewRegistry() *Registry {
	return &Registry{byKind: map[string]Executor{
		"openai-compatible":    NewOpenAICompatible(),
		"anthropic-compatible": NewAnthropicCompatible(),
		"cursor":                NewCursor(),
	}}
}

// For returns the Executor for a ProviderConfig.Kind, or nil if unknown.
func (r *Registry) For(kind string) Executor {
	return r.byKind[kind]
}
