// Package memory is an in-memory Store implementation. Data does not
// survive process restarts — useful for local development and tests,
// matching the teacher's in-memory backend for the same reasons.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

// Memory is an in-memory implementation of store.Store.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]model.Connection // id -> connection
	settings    model.Settings
	combos      map[string]model.Combo // name -> combo
}

func New() *Memory {
	slog.Info("using in-memory credential store (data will not persist across restarts)")

	return &Memory{
		connections: make(map[string]model.Connection),
		settings:    model.DefaultSettings(),
		combos:      make(map[string]model.Combo),
	}
}

func (m *Memory) Close() {}

// ─── Connection CRUD ───

func (m *Memory) GetConnections(_ context.Context, provider string, isActive *bool) ([]model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Connection, 0)
	for _, c := range m.connections {
		if c.Provider != provider {
			continue
		}
		if isActive != nil && c.IsActive != *isActive {
			continue
		}
		result = append(result, c)
	}

	slices.SortFunc(result, func(a, b model.Connection) int {
		return a.Priority - b.Priority
	})

	return result, nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListConnections(_ context.Context) ([]model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		result = append(result, c)
	}

	slices.SortFunc(result, func(a, b model.Connection) int {
		if a.Provider != b.Provider {
			if a.Provider < b.Provider {
				return -1
			}
			return 1
		}
		return a.Priority - b.Priority
	})

	return result, nil
}

func (m *Memory) CreateConnection(_ context.Context, conn model.Connection) (*model.Connection, error) {
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if conn.TestStatus == "" {
		conn.TestStatus = model.StatusActive
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()

	return &conn, nil
}

func (m *Memory) UpdateConnection(_ context.Context, id string, patch model.ConnectionPatch) (*model.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.connections[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	applyPatch(&existing, patch)
	m.connections[id] = existing

	return &existing, nil
}

func (m *Memory) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.connections, id)
	m.mu.Unlock()

	return nil
}

// applyPatch mutates conn in place per the ConnectionPatch contract: nil
// fields untouched, ClearCooldown resets the soft-state error fields
// atomically alongside whatever else the patch sets.
func applyPatch(conn *model.Connection, patch model.ConnectionPatch) {
	if patch.AccessToken != nil {
		conn.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		conn.RefreshToken = *patch.RefreshToken
	}
	if patch.ExpiresAt != nil {
		conn.ExpiresAt = newNullTime(*patch.ExpiresAt)
	}
	if patch.TestStatus != nil {
		conn.TestStatus = *patch.TestStatus
	}
	if patch.LastError != nil {
		conn.LastError = *patch.LastError
	}
	if patch.ErrorCode != nil {
		conn.ErrorCode = *patch.ErrorCode
	}
	if patch.LastErrorAt != nil {
		conn.LastErrorAt = newNullTime(*patch.LastErrorAt)
	}
	if patch.RateLimitedUntil != nil {
		conn.RateLimitedUntil = newNullTime(*patch.RateLimitedUntil)
	}
	if patch.BackoffLevel != nil {
		conn.BackoffLevel = *patch.BackoffLevel
	}
	if patch.LastUsedAt != nil {
		conn.LastUsedAt = newNullTime(*patch.LastUsedAt)
	}
	if patch.ConsecutiveUseCount != nil {
		conn.ConsecutiveUseCount = *patch.ConsecutiveUseCount
	}

	if patch.ClearCooldown {
		conn.RateLimitedUntil = types.Null[types.Time]{}
		conn.LastError = ""
		conn.ErrorCode = 0
		conn.BackoffLevel = 0
		conn.TestStatus = model.StatusActive
	}
}

// ─── Settings ───

func (m *Memory) GetSettings(_ context.Context) (model.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.settings, nil
}

func (m *Memory) UpdateSettings(_ context.Context, settings model.Settings) (model.Settings, error) {
	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()

	return settings, nil
}

// ─── Combos ───

func (m *Memory) ListCombos(_ context.Context) ([]model.Combo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Combo, 0, len(m.combos))
	for _, c := range m.combos {
		result = append(result, c)
	}

	slices.SortFunc(result, func(a, b model.Combo) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetCombo(_ context.Context, name string) (*model.Combo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.combos[name]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) PutCombo(_ context.Context, combo model.Combo) (*model.Combo, error) {
	m.mu.Lock()
	m.combos[combo.Name] = combo
	m.mu.Unlock()

	return &combo, nil
}

func (m *Memory) DeleteCombo(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.combos, name)
	m.mu.Unlock()

	return nil
}

func newNullTime(t time.Time) types.Null[types.Time] {
	return types.NewTimeNull(t)
}
