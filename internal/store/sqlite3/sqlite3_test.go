package sqlite3

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/crypto"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

func newTestStore(t *testing.T, encKey []byte) *SQLite {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "store.db")
	s, err := New(context.Background(), &config.StoreSQLite{Datasource: dsn}, encKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

func TestConnectionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	created, err := s.CreateConnection(ctx, model.Connection{
		Provider: "claude", Priority: 2, APIKey: "sk-1",
		ProviderSpecificData: map[string]any{"machineId": "abc"},
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	if _, err := s.CreateConnection(ctx, model.Connection{Provider: "claude", Priority: 1, APIKey: "sk-0"}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	conns, err := s.GetConnections(ctx, "claude", nil)
	if err != nil {
		t.Fatalf("GetConnections: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("len = %d, want 2", len(conns))
	}
	if conns[0].Priority != 1 || conns[1].Priority != 2 {
		t.Fatalf("not sorted by priority: %+v", conns)
	}

	fetched, err := s.GetConnection(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if fetched == nil || fetched.APIKey != "sk-1" {
		t.Fatalf("GetConnection = %+v", fetched)
	}
	if fetched.ProviderSpecificData["machineId"] != "abc" {
		t.Fatalf("provider_specific_data not round-tripped: %+v", fetched.ProviderSpecificData)
	}
}

func TestGetConnectionMissing(t *testing.T) {
	s := newTestStore(t, nil)

	conn, err := s.GetConnection(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if conn != nil {
		t.Fatalf("expected nil, got %+v", conn)
	}
}

func TestUpdateConnection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	created, err := s.CreateConnection(ctx, model.Connection{Provider: "codex", APIKey: "sk-1"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	newToken := "refreshed-token"
	updated, err := s.UpdateConnection(ctx, created.ID, model.ConnectionPatch{AccessToken: &newToken})
	if err != nil {
		t.Fatalf("UpdateConnection: %v", err)
	}
	if updated.AccessToken != newToken {
		t.Fatalf("AccessToken = %q, want %q", updated.AccessToken, newToken)
	}
	if updated.APIKey != "sk-1" {
		t.Fatalf("APIKey mutated unexpectedly: %q", updated.APIKey)
	}

	if _, err := s.UpdateConnection(ctx, "missing-id", model.ConnectionPatch{}); err != store.ErrNotFound {
		t.Fatalf("UpdateConnection(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConnectionEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.DeriveKey("test-passphrase")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	s := newTestStore(t, key)

	created, err := s.CreateConnection(ctx, model.Connection{Provider: "claude", APIKey: "sk-plain"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	var stored string
	if err := s.db.QueryRowContext(ctx, "SELECT api_key FROM "+s.tableConnections+" WHERE id = ?", created.ID).Scan(&stored); err != nil {
		t.Fatalf("query raw row: %v", err)
	}
	if !crypto.IsEncrypted(stored) {
		t.Fatalf("api_key stored as plaintext: %q", stored)
	}

	fetched, err := s.GetConnection(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if fetched.APIKey != "sk-plain" {
		t.Fatalf("APIKey = %q, want decrypted sk-plain", fetched.APIKey)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != model.DefaultSettings() {
		t.Fatalf("GetSettings (empty) = %+v, want defaults", got)
	}

	want := model.Settings{FallbackStrategy: model.StrategyRoundRobin, StickyRoundRobinLimit: 5, TokenExpiryBufferMs: 1000}
	if _, err := s.UpdateSettings(ctx, want); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	got, err = s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != want {
		t.Fatalf("GetSettings = %+v, want %+v", got, want)
	}
}

func TestComboCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	if _, err := s.PutCombo(ctx, model.Combo{Name: "fast", Models: []string{"codex/gpt-5", "claude/opus"}}); err != nil {
		t.Fatalf("PutCombo: %v", err)
	}

	combo, err := s.GetCombo(ctx, "fast")
	if err != nil {
		t.Fatalf("GetCombo: %v", err)
	}
	if combo == nil || len(combo.Models) != 2 {
		t.Fatalf("GetCombo = %+v", combo)
	}

	combos, err := s.ListCombos(ctx)
	if err != nil {
		t.Fatalf("ListCombos: %v", err)
	}
	if len(combos) != 1 {
		t.Fatalf("len = %d, want 1", len(combos))
	}

	if err := s.DeleteCombo(ctx, "fast"); err != nil {
		t.Fatalf("DeleteCombo: %v", err)
	}
	if combo, err := s.GetCombo(ctx, "fast"); err != nil || combo != nil {
		t.Fatalf("GetCombo after delete = %+v, %v", combo, err)
	}
}
