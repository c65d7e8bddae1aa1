// Package store defines the Credential Store collaborator: the persistence
// boundary for connections (credentials), process-wide settings, and model
// combos. internal/store/memory, internal/store/postgres, and
// internal/store/sqlite3 each implement Store against a different backend;
// the Account Arbiter, Token Refresher, and admin HTTP surface depend only
// on this interface.
package store

import (
	"context"
	"errors"

	"github.com/rakunlabs/aigateway/internal/model"
)

// ErrNotFound is returned by UpdateConnection when the target id does not
// exist. GetConnection reports a missing id as (nil, nil), and
// DeleteConnection succeeds for one.
var ErrNotFound = errors.New("store: not found")

// Store is the Credential Store collaborator referenced throughout
// component design as C4.
type Store interface {
	// GetConnections returns connections for a provider, sorted by Priority
	// ascending, optionally filtered to IsActive == *isActive.
	GetConnections(ctx context.Context, provider string, isActive *bool) ([]model.Connection, error)

	// GetConnection fetches a single connection by id.
	GetConnection(ctx context.Context, id string) (*model.Connection, error)

	// ListConnections returns every connection across all providers,
	// sorted by provider then priority — the admin surface's listing.
	ListConnections(ctx context.Context) ([]model.Connection, error)

	CreateConnection(ctx context.Context, conn model.Connection) (*model.Connection, error)

	// UpdateConnection applies patch atomically under the store's lock and
	// returns the updated record. Returns ErrNotFound if id is unknown.
	UpdateConnection(ctx context.Context, id string, patch model.ConnectionPatch) (*model.Connection, error)

	DeleteConnection(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, settings model.Settings) (model.Settings, error)

	ListCombos(ctx context.Context) ([]model.Combo, error)
	GetCombo(ctx context.Context, name string) (*model.Combo, error)
	PutCombo(ctx context.Context, combo model.Combo) (*model.Combo, error)
	DeleteCombo(ctx context.Context, name string) error

	Close()
}
