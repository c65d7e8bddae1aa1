package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

// Bootstrap seeds the Credential Store from config at process startup:
// a provider's config-declared connections are created only if the store
// holds none for that provider yet, while combos (upserted by name) and
// process-wide Settings are written from config on every run. It is
// additive and idempotent enough for the common case (fresh in-memory or
// freshly migrated persistent store) — it does not reconcile drift
// between a previous run's config and the store's existing connections, matching
// the teacher's "config seeds, store owns from then on" split for runtime
// state (connections accrue cooldown/backoff/test-status fields the
// config file has no opinion about).
//
// Bootstrap writes plaintext connections; encryption at rest, where
// enabled, is the store backend's own concern (encrypt on write, decrypt
// on read) — matching the teacher's postgres/sqlite stores, which
// encrypt inside CreateProvider/UpdateProvider rather than at every call
// site. The in-memory store never persists to disk and so never
// encrypts at all.
func Bootstrap(ctx context.Context, cfg *Config, st store.Store) error {
	if _, err := st.UpdateSettings(ctx, cfg.Settings.ToModel()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	for name, entry := range cfg.Providers {
		existing, err := st.GetConnections(ctx, name, nil)
		if err != nil {
			return fmt.Errorf("seed connections for provider %q: %w", name, err)
		}
		if len(existing) > 0 {
			slog.Info("connections already present, skipping config seed", "provider", name, "count", len(existing))
			continue
		}

		for i, ce := range entry.Connections {
			conn, err := ce.toConnection(name)
			if err != nil {
				return fmt.Errorf("provider %q connection #%d: %w", name, i, err)
			}

			if _, err := st.CreateConnection(ctx, conn); err != nil {
				return fmt.Errorf("provider %q connection #%d: %w", name, i, err)
			}
		}
	}

	for _, combo := range cfg.ResolveCombos() {
		if _, err := st.PutCombo(ctx, combo); err != nil {
			return fmt.Errorf("seed combo %q: %w", combo.Name, err)
		}
	}

	return nil
}

// toConnection converts a config-file ConnectionEntry into a
// model.Connection ready for store.CreateConnection. ID/TestStatus/
// cooldown/backoff fields are left zero-valued — the store assigns an ID
// and the Arbiter/Token Refresher own everything else from here on.
func (ce ConnectionEntry) toConnection(provider string) (model.Connection, error) {
	conn := model.Connection{
		Provider:             provider,
		AuthType:             model.AuthType(ce.AuthType),
		Priority:             ce.Priority,
		IsActive:             true,
		APIKey:               ce.APIKey,
		AccessToken:          ce.AccessToken,
		RefreshToken:         ce.RefreshToken,
		ProjectID:            ce.ProjectID,
		ProviderSpecificData: ce.ProviderSpecificData,
		TestStatus:           model.StatusActive,
	}

	if ce.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, ce.ExpiresAt)
		if err != nil {
			return model.Connection{}, fmt.Errorf("parse expires_at: %w", err)
		}
		conn.ExpiresAt = types.NewTimeNull(t)
	}

	return conn, nil
}
