// Package model holds the data shapes shared across the gateway core:
// connections (credentials), static provider configuration, process-wide
// settings, and model combos. None of these types know how they are
// persisted — that is the Credential Store collaborator's job.
package model

import (
	"time"

	"github.com/worldline-go/types"
)

// AuthType selects how a Connection authenticates against its provider.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "apiKey"
)

// TestStatus is the last observed health of a Connection.
type TestStatus string

const (
	StatusActive      TestStatus = "active"
	StatusUnavailable TestStatus = "unavailable"
	StatusExpired     TestStatus = "expired"
	StatusError       TestStatus = "error"
	StatusSuccess     TestStatus = "success"
)

// FallbackStrategy selects how the Arbiter picks among available connections.
type FallbackStrategy string

const (
	StrategyFillFirst   FallbackStrategy = "fill-first"
	StrategyRoundRobin  FallbackStrategy = "round-robin"
)

// Connection is one credential belonging to one upstream provider.
//
// providerSpecificData is intentionally an opaque map rather than a tagged
// union type: callers that know the provider (Token Refresher, Provider
// Executor) type-assert the fields they need, same as the teacher's
// config.LLMConfig.ExtraHeaders pattern. Per-provider shapes are documented,
// not enforced, at this layer:
//
//	cursor:   {"machineId": string, "ghostMode": bool}
//	kiro:     {"authMethod": string, "clientId": string, "clientSecret": string, "region": string}
//	github:   {"copilotToken": string, "copilotExpiresAt": string(RFC3339)}
type Connection struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider"`
	AuthType AuthType `json:"auth_type"`
	Priority int      `json:"priority"`
	IsActive bool     `json:"is_active"`

	APIKey       string `json:"api_key,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`

	ExpiresAt types.Null[types.Time] `json:"expires_at"`

	ProviderSpecificData map[string]any `json:"provider_specific_data,omitempty"`

	TestStatus TestStatus `json:"test_status"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  int        `json:"error_code,omitempty"`
	LastErrorAt types.Null[types.Time] `json:"last_error_at"`

	RateLimitedUntil types.Null[types.Time] `json:"rate_limited_until"`
	BackoffLevel     int                    `json:"backoff_level"`

	LastUsedAt          types.Null[types.Time] `json:"last_used_at"`
	ConsecutiveUseCount int                    `json:"consecutive_use_count"`
}

// IsRateLimited reports whether the connection is currently in cooldown.
// This is the soft-state check callers MUST use instead of TestStatus.
func (c *Connection) IsRateLimited(now time.Time) bool {
	return c.RateLimitedUntil.Valid && c.RateLimitedUntil.V.Time.After(now)
}

// ConnectionPatch describes a partial, atomic update to a Connection.
// Nil fields are left untouched; pointer-to-zero-value fields are written.
type ConnectionPatch struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time

	TestStatus  *TestStatus
	LastError   *string
	ErrorCode   *int
	LastErrorAt *time.Time

	RateLimitedUntil *time.Time
	ClearCooldown    bool // when true, RateLimitedUntil/LastError/ErrorCode/BackoffLevel reset to zero
	BackoffLevel     *int

	LastUsedAt          *time.Time
	ConsecutiveUseCount *int
}

// ProviderConfig is static per-provider configuration, resolved once at
// startup by internal/config and handed to the Provider Executor registry.
type ProviderConfig struct {
	// Kind selects which Provider Executor handles this provider:
	// "cursor", "openai-compatible", or "anthropic-compatible".
	Kind string `json:"kind"`

	BaseURLs  []string `json:"base_urls"`
	ChatPath  string   `json:"chat_path"`
	RefreshURL string  `json:"refresh_url,omitempty"`

	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	DefaultHeaders map[string]string `json:"default_headers,omitempty"`
}

// Settings is process-wide configuration consumed by the Arbiter and the
// Token Refresher.
type Settings struct {
	FallbackStrategy      FallbackStrategy `json:"fallback_strategy"`
	StickyRoundRobinLimit int              `json:"sticky_round_robin_limit"`
	TokenExpiryBufferMs   int64            `json:"token_expiry_buffer_ms"`
}

// DefaultSettings mirrors spec.md §3 defaults.
func DefaultSettings() Settings {
	return Settings{
		FallbackStrategy:      StrategyFillFirst,
		StickyRoundRobinLimit: 3,
		TokenExpiryBufferMs:   5 * 60 * 1000,
	}
}

// Combo is a named alias that expands to an ordered list of provider/model
// targets tried in sequence.
type Combo struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
}
