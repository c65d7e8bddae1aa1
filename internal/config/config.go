// Package config loads process configuration for the gateway: providers,
// model aliases, combos, the Credential Store backend, process-wide
// settings, and the HTTP gateway's auth tokens. Loading follows the
// teacher's chu/logi pattern (spec.md's config loader is otherwise
// unspecified, so the ambient loading mechanism is carried as-is).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"

	"github.com/rakunlabs/aigateway/internal/model"
)

// Config is the process-wide configuration loaded at startup.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations, keyed by the
	// provider key used in "provider/model" targets (e.g. "cursor",
	// "claude", "codex").
	//
	// Example YAML:
	//
	//   providers:
	//     cursor:
	//       kind: cursor
	//       base_urls: ["https://api2.cursor.sh"]
	//       connections:
	//         - auth_type: oauth
	//           priority: 1
	//           access_token: "..."
	//           refresh_token: "..."
	//           provider_specific_data:
	//             machineId: "..."
	//     openrouter:
	//       kind: openai-compatible
	//       base_urls: ["https://openrouter.ai/api/v1"]
	//       chat_path: "/chat/completions"
	//       connections:
	//         - auth_type: apiKey
	//           priority: 1
	//           api_key: "sk-or-..."
	Providers map[string]ProviderEntry `cfg:"providers"`

	// Aliases maps a bare model name (no provider prefix) to a
	// "provider/model" target, e.g. {"fast": "codex/gpt-5"}.
	Aliases map[string]string `cfg:"aliases"`

	// Combos maps a combo name to an ordered list of "provider/model"
	// fallback targets, seeded into the Credential Store at bootstrap.
	Combos map[string][]string `cfg:"combos"`

	Settings SettingsConfig `cfg:"settings"`

	// Gateway configures the OpenAI-compatible gateway server.
	Gateway Gateway `cfg:"gateway"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// ProviderEntry is the config-file shape for one model.ProviderConfig plus
// the connections (credentials) to seed into the Credential Store for it
// at bootstrap.
type ProviderEntry struct {
	// Kind selects the Provider Executor: "cursor", "openai-compatible",
	// or "anthropic-compatible".
	Kind string `cfg:"kind" json:"kind"`

	BaseURLs   []string `cfg:"base_urls" json:"base_urls"`
	ChatPath   string   `cfg:"chat_path" json:"chat_path"`
	RefreshURL string   `cfg:"refresh_url" json:"refresh_url"`

	ClientID     string `cfg:"client_id" json:"client_id" log:"-"`
	ClientSecret string `cfg:"client_secret" json:"client_secret" log:"-"`

	DefaultHeaders map[string]string `cfg:"default_headers" json:"default_headers"`

	// Models lists what /v1/models advertises for this provider; a
	// provider with an empty list is not advertised there. Chat
	// completion targets are not checked against it.
	Models []string `cfg:"models" json:"models"`

	// Connections seeds the Credential Store with this provider's
	// credentials at bootstrap. Connections already present in the store
	// (e.g. from a prior run against a persistent backend) are left
	// untouched — config-seeded connections are additive, matching the
	// teacher's "config declares, store owns" split for runtime state.
	Connections []ConnectionEntry `cfg:"connections"`
}

// ConnectionEntry is the config-file shape for one model.Connection,
// minus the fields (ID, TestStatus, cooldown/backoff state) that only
// the Credential Store and Account Arbiter ever assign.
type ConnectionEntry struct {
	AuthType string `cfg:"auth_type" json:"auth_type"`
	Priority int    `cfg:"priority" json:"priority"`

	APIKey       string `cfg:"api_key" json:"api_key" log:"-"`
	AccessToken  string `cfg:"access_token" json:"access_token" log:"-"`
	RefreshToken string `cfg:"refresh_token" json:"refresh_token" log:"-"`
	ProjectID    string `cfg:"project_id" json:"project_id"`

	// ExpiresAt is an optional RFC3339 timestamp for AccessToken's expiry.
	ExpiresAt string `cfg:"expires_at" json:"expires_at"`

	ProviderSpecificData map[string]any `cfg:"provider_specific_data" json:"provider_specific_data"`
}

// SettingsConfig is the config-file shape for model.Settings.
type SettingsConfig struct {
	FallbackStrategy      string `cfg:"fallback_strategy" default:"fill-first"`
	StickyRoundRobinLimit int    `cfg:"sticky_round_robin_limit" default:"3"`
	TokenExpiryBufferMs   int64  `cfg:"token_expiry_buffer_ms" default:"300000"`
}

// ToModel converts the config shape to model.Settings, falling back to
// spec.md §3 defaults for zero values.
func (s SettingsConfig) ToModel() model.Settings {
	defaults := model.DefaultSettings()

	strategy := model.FallbackStrategy(s.FallbackStrategy)
	if strategy == "" {
		strategy = defaults.FallbackStrategy
	}

	limit := s.StickyRoundRobinLimit
	if limit == 0 {
		limit = defaults.StickyRoundRobinLimit
	}

	bufferMs := s.TokenExpiryBufferMs
	if bufferMs == 0 {
		bufferMs = defaults.TokenExpiryBufferMs
	}

	return model.Settings{
		FallbackStrategy:      strategy,
		StickyRoundRobinLimit: limit,
		TokenExpiryBufferMs:   bufferMs,
	}
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to
	// an external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the /v1/connections admin CRUD
	// endpoints with bearer token authentication. If not set, the admin
	// surface is disabled (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name carrying the authenticated
	// user's identity (populated by the forward auth middleware).
	UserHeader string `cfg:"user_header" default:"X-User"`
}

// Gateway configures the chat-completions gateway's bearer-token auth.
//
// Example YAML:
//
//	gateway:
//	  auth_tokens:
//	    - token: "sk-master-key"
//	      name: "Master Key"
//	      # no restrictions = full access
//	    - token: "sk-ci-token"
//	      name: "CI Pipeline"
//	      allowed_providers: ["codex"]
//	      allowed_models: ["codex/gpt-5"]
//	      expires_at: "2026-12-31T23:59:59Z"
type Gateway struct {
	// AuthTokens is a list of bearer tokens accepted on /v1/chat/completions
	// and /v1/models. If empty, the gateway allows unauthenticated access
	// per spec.md §6 — operators are expected to front it with their own
	// auth in that case.
	AuthTokens []AuthTokenConfig `cfg:"auth_tokens"`
}

// AuthTokenConfig describes a single bearer token, with optional scoping
// and expiration.
type AuthTokenConfig struct {
	Token string `cfg:"token" json:"token" log:"-"`
	Name  string `cfg:"name" json:"name"`

	// AllowedProviders restricts this token to specific provider keys.
	// If empty/nil, all providers are accessible.
	AllowedProviders []string `cfg:"allowed_providers" json:"allowed_providers"`

	// AllowedModels restricts this token to specific "provider/model"
	// targets. If empty/nil, all models are accessible.
	AllowedModels []string `cfg:"allowed_models" json:"allowed_models"`

	// ExpiresAt is an optional RFC3339 expiration timestamp. After this
	// time the token is rejected. If empty, the token never expires.
	ExpiresAt string `cfg:"expires_at" json:"expires_at"`
}

// Store selects and configures the Credential Store backend.
type Store struct {
	// Backend selects the Store implementation: "memory" (default),
	// "postgres", or "sqlite" — see internal/store/postgres and
	// internal/store/sqlite3. An unrecognized value falls back to memory
	// with a warning logged at startup.
	Backend string `cfg:"backend" default:"memory"`

	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption (internal/crypto)
	// for sensitive connection fields (api_key, access_token, refresh_token)
	// at rest. Any non-empty string is accepted; internal/crypto.DeriveKey
	// stretches it to 32 bytes. Empty means no encryption.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Load reads configuration from path (plus environment overrides, prefixed
// AIGATEWAY_), sets the global log level, and logs the resolved config.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AIGATEWAY_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// ResolveProviders converts the config-file provider map into the
// model.ProviderConfig map the Provider Executor registry and Dispatcher
// consume, validating that every entry names a known executor Kind.
func (c *Config) ResolveProviders() (map[string]model.ProviderConfig, error) {
	out := make(map[string]model.ProviderConfig, len(c.Providers))
	for name, entry := range c.Providers {
		switch entry.Kind {
		case "cursor", "openai-compatible", "anthropic-compatible":
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", name, entry.Kind)
		}
		if len(entry.BaseURLs) == 0 && entry.Kind != "cursor" {
			return nil, fmt.Errorf("provider %q: base_urls must be non-empty", name)
		}

		out[name] = model.ProviderConfig{
			Kind:           entry.Kind,
			BaseURLs:       entry.BaseURLs,
			ChatPath:       entry.ChatPath,
			RefreshURL:     entry.RefreshURL,
			ClientID:       entry.ClientID,
			ClientSecret:   entry.ClientSecret,
			DefaultHeaders: entry.DefaultHeaders,
		}
	}
	return out, nil
}

// ResolveCombos converts the config-file combo map into model.Combo values.
func (c *Config) ResolveCombos() []model.Combo {
	combos := make([]model.Combo, 0, len(c.Combos))
	for name, models := range c.Combos {
		combos = append(combos, model.Combo{Name: name, Models: models})
	}
	return combos
}
