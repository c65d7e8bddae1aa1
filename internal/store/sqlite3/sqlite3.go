// Package sqlite3 is a SQLite-backed Store implementation, for single-node
// deployments that want persistence without standing up Postgres.
// Grounded on the teacher's internal/store/sqlite3, narrowed to this
// domain's three tables the same way internal/store/postgres is.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/crypto"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

var DefaultTablePrefix = "aigateway_"

// SQLite is a Store implementation backed by a SQLite database file.
type SQLite struct {
	db *sql.DB

	tableConnections string
	tableSettings    string
	tableCombos      string

	// writeMu serializes writes beyond what MaxOpenConns(1) already does,
	// so UpdateConnection's read-modify-write stays atomic without
	// SQLite's unsupported SELECT ... FOR UPDATE.
	writeMu sync.Mutex

	encKey   []byte
	encKeyMu sync.RWMutex
}

// New opens a SQLite database, runs migrations, and returns a ready Store.
// encKey may be nil (no encryption at rest).
func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly, same as the
	// teacher's sqlite3 store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{
		db:               db,
		tableConnections: tablePrefix + "connections",
		tableSettings:    tablePrefix + "settings",
		tableCombos:      tablePrefix + "combos",
		encKey:           encKey,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	slog.Info("connected to store sqlite")

	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                     TEXT PRIMARY KEY,
			provider               TEXT NOT NULL,
			auth_type              TEXT NOT NULL,
			priority               INTEGER NOT NULL DEFAULT 0,
			is_active              INTEGER NOT NULL DEFAULT 1,
			api_key                TEXT NOT NULL DEFAULT '',
			access_token           TEXT NOT NULL DEFAULT '',
			refresh_token          TEXT NOT NULL DEFAULT '',
			project_id             TEXT NOT NULL DEFAULT '',
			expires_at             TEXT,
			provider_specific_data TEXT,
			test_status            TEXT NOT NULL DEFAULT 'active',
			last_error             TEXT NOT NULL DEFAULT '',
			error_code             INTEGER NOT NULL DEFAULT 0,
			last_error_at          TEXT,
			rate_limited_until     TEXT,
			backoff_level          INTEGER NOT NULL DEFAULT 0,
			last_used_at           TEXT,
			consecutive_use_count  INTEGER NOT NULL DEFAULT 0
		)`, s.tableConnections),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_provider_idx ON %s (provider, priority)`, s.tableConnections, s.tableConnections),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                       INTEGER PRIMARY KEY,
			fallback_strategy        TEXT NOT NULL,
			sticky_round_robin_limit INTEGER NOT NULL,
			token_expiry_buffer_ms   INTEGER NOT NULL
		)`, s.tableSettings),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name   TEXT PRIMARY KEY,
			models TEXT NOT NULL
		)`, s.tableCombos),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// ─── Connection CRUD ───

func (s *SQLite) GetConnections(ctx context.Context, provider string, isActive *bool) ([]model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider = ?`, connectionColumns, s.tableConnections)
	args := []any{provider}
	if isActive != nil {
		query += ` AND is_active = ?`
		args = append(args, boolToInt(*isActive))
	}
	query += ` ORDER BY priority ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get connections for %q: %w", provider, err)
	}
	defer rows.Close()

	return s.scanConnections(rows)
}

func (s *SQLite) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, connectionColumns, s.tableConnections)

	conn, err := s.scanConnectionRow(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}
	return conn, nil
}

func (s *SQLite) ListConnections(ctx context.Context) ([]model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY provider ASC, priority ASC`, connectionColumns, s.tableConnections)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	return s.scanConnections(rows)
}

func (s *SQLite) CreateConnection(ctx context.Context, conn model.Connection) (*model.Connection, error) {
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if conn.TestStatus == "" {
		conn.TestStatus = model.StatusActive
	}

	enc, err := crypto.EncryptConnection(conn, s.currentKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt connection: %w", err)
	}

	providerData, err := marshalProviderData(enc.ProviderSpecificData)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (
		id, provider, auth_type, priority, is_active, api_key, access_token, refresh_token,
		project_id, expires_at, provider_specific_data, test_status, last_error, error_code,
		last_error_at, rate_limited_until, backoff_level, last_used_at, consecutive_use_count
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, s.tableConnections)

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx, query,
		enc.ID, enc.Provider, string(enc.AuthType), enc.Priority, boolToInt(enc.IsActive),
		enc.APIKey, enc.AccessToken, enc.RefreshToken, enc.ProjectID,
		nullTimeString(enc.ExpiresAt), providerData, string(enc.TestStatus), enc.LastError, enc.ErrorCode,
		nullTimeString(enc.LastErrorAt), nullTimeString(enc.RateLimitedUntil), enc.BackoffLevel,
		nullTimeString(enc.LastUsedAt), enc.ConsecutiveUseCount,
	)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	return &conn, nil
}

func (s *SQLite) UpdateConnection(ctx context.Context, id string, patch model.ConnectionPatch) (*model.Connection, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, connectionColumns, s.tableConnections)
	existing, err := s.scanConnectionRow(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}

	key := s.currentKey()
	decrypted, err := crypto.DecryptConnection(*existing, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt connection %q: %w", id, err)
	}

	applyPatch(&decrypted, patch)

	enc, err := crypto.EncryptConnection(decrypted, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt connection %q: %w", id, err)
	}

	providerData, err := marshalProviderData(enc.ProviderSpecificData)
	if err != nil {
		return nil, err
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET
		access_token = ?, refresh_token = ?, expires_at = ?, provider_specific_data = ?,
		test_status = ?, last_error = ?, error_code = ?, last_error_at = ?,
		rate_limited_until = ?, backoff_level = ?, last_used_at = ?, consecutive_use_count = ?
		WHERE id = ?`, s.tableConnections)

	_, err = s.db.ExecContext(ctx, updateQuery,
		enc.AccessToken, enc.RefreshToken, nullTimeString(enc.ExpiresAt), providerData,
		string(enc.TestStatus), enc.LastError, enc.ErrorCode, nullTimeString(enc.LastErrorAt),
		nullTimeString(enc.RateLimitedUntil), enc.BackoffLevel, nullTimeString(enc.LastUsedAt), enc.ConsecutiveUseCount,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update connection %q: %w", id, err)
	}

	return &decrypted, nil
}

func (s *SQLite) DeleteConnection(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.tableConnections)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete connection %q: %w", id, err)
	}
	return nil
}

// ─── Settings ───

func (s *SQLite) GetSettings(ctx context.Context) (model.Settings, error) {
	query := fmt.Sprintf(`SELECT fallback_strategy, sticky_round_robin_limit, token_expiry_buffer_ms FROM %s WHERE id = 1`, s.tableSettings)

	var st model.Settings
	var strategy string
	err := s.db.QueryRowContext(ctx, query).Scan(&strategy, &st.StickyRoundRobinLimit, &st.TokenExpiryBufferMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st.FallbackStrategy = model.FallbackStrategy(strategy)

	return st, nil
}

func (s *SQLite) UpdateSettings(ctx context.Context, settings model.Settings) (model.Settings, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, fallback_strategy, sticky_round_robin_limit, token_expiry_buffer_ms)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fallback_strategy = excluded.fallback_strategy,
			sticky_round_robin_limit = excluded.sticky_round_robin_limit,
			token_expiry_buffer_ms = excluded.token_expiry_buffer_ms`, s.tableSettings)

	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx, query, string(settings.FallbackStrategy), settings.StickyRoundRobinLimit, settings.TokenExpiryBufferMs)
	s.writeMu.Unlock()
	if err != nil {
		return model.Settings{}, fmt.Errorf("update settings: %w", err)
	}

	return settings, nil
}

// ─── Combos ───

func (s *SQLite) ListCombos(ctx context.Context) ([]model.Combo, error) {
	query := fmt.Sprintf(`SELECT name, models FROM %s ORDER BY name ASC`, s.tableCombos)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list combos: %w", err)
	}
	defer rows.Close()

	var result []model.Combo
	for rows.Next() {
		combo, err := scanCombo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *combo)
	}
	return result, rows.Err()
}

func (s *SQLite) GetCombo(ctx context.Context, name string) (*model.Combo, error) {
	query := fmt.Sprintf(`SELECT name, models FROM %s WHERE name = ?`, s.tableCombos)

	var modelsJSON string
	var combo model.Combo
	err := s.db.QueryRowContext(ctx, query, name).Scan(&combo.Name, &modelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get combo %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(modelsJSON), &combo.Models); err != nil {
		return nil, fmt.Errorf("unmarshal combo %q models: %w", name, err)
	}

	return &combo, nil
}

func (s *SQLite) PutCombo(ctx context.Context, combo model.Combo) (*model.Combo, error) {
	modelsJSON, err := json.Marshal(combo.Models)
	if err != nil {
		return nil, fmt.Errorf("marshal combo %q models: %w", combo.Name, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (name, models) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET models = excluded.models`, s.tableCombos)

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx, query, combo.Name, string(modelsJSON))
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("put combo %q: %w", combo.Name, err)
	}

	return &combo, nil
}

func (s *SQLite) DeleteCombo(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, s.tableCombos)
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete combo %q: %w", name, err)
	}
	return nil
}

func (s *SQLite) currentKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()
	return s.encKey
}

// ─── Scan helpers ───

const connectionColumns = `id, provider, auth_type, priority, is_active, api_key, access_token, refresh_token,
	project_id, expires_at, provider_specific_data, test_status, last_error, error_code,
	last_error_at, rate_limited_until, backoff_level, last_used_at, consecutive_use_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanConnections(rows *sql.Rows) ([]model.Connection, error) {
	result := make([]model.Connection, 0)
	for rows.Next() {
		conn, err := s.scanConnectionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		decrypted, err := crypto.DecryptConnection(*conn, s.currentKey())
		if err != nil {
			return nil, fmt.Errorf("decrypt connection %q: %w", conn.ID, err)
		}
		result = append(result, decrypted)
	}
	return result, rows.Err()
}

func (s *SQLite) scanConnectionRow(r rowScanner) (*model.Connection, error) {
	var conn model.Connection
	var authType, testStatus string
	var isActive int
	var expiresAt, lastErrorAt, rateLimitedUntil, lastUsedAt sql.NullString
	var providerData sql.NullString

	err := r.Scan(
		&conn.ID, &conn.Provider, &authType, &conn.Priority, &isActive,
		&conn.APIKey, &conn.AccessToken, &conn.RefreshToken, &conn.ProjectID,
		&expiresAt, &providerData, &testStatus, &conn.LastError, &conn.ErrorCode,
		&lastErrorAt, &rateLimitedUntil, &conn.BackoffLevel, &lastUsedAt, &conn.ConsecutiveUseCount,
	)
	if err != nil {
		return nil, err
	}

	conn.AuthType = model.AuthType(authType)
	conn.TestStatus = model.TestStatus(testStatus)
	conn.IsActive = isActive != 0

	var parseErr error
	if conn.ExpiresAt, parseErr = parseNullTimeString(expiresAt); parseErr != nil {
		return nil, fmt.Errorf("parse expires_at: %w", parseErr)
	}
	if conn.LastErrorAt, parseErr = parseNullTimeString(lastErrorAt); parseErr != nil {
		return nil, fmt.Errorf("parse last_error_at: %w", parseErr)
	}
	if conn.RateLimitedUntil, parseErr = parseNullTimeString(rateLimitedUntil); parseErr != nil {
		return nil, fmt.Errorf("parse rate_limited_until: %w", parseErr)
	}
	if conn.LastUsedAt, parseErr = parseNullTimeString(lastUsedAt); parseErr != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", parseErr)
	}

	if providerData.Valid && providerData.String != "" {
		if err := json.Unmarshal([]byte(providerData.String), &conn.ProviderSpecificData); err != nil {
			return nil, fmt.Errorf("unmarshal provider_specific_data: %w", err)
		}
	}

	return &conn, nil
}

func scanCombo(rows *sql.Rows) (*model.Combo, error) {
	var combo model.Combo
	var modelsJSON string
	if err := rows.Scan(&combo.Name, &modelsJSON); err != nil {
		return nil, fmt.Errorf("scan combo row: %w", err)
	}
	if err := json.Unmarshal([]byte(modelsJSON), &combo.Models); err != nil {
		return nil, fmt.Errorf("unmarshal combo %q models: %w", combo.Name, err)
	}
	return &combo, nil
}

func marshalProviderData(data map[string]any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal provider_specific_data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimeString(t types.Null[types.Time]) sql.NullString {
	if !t.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: t.V.Time.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTimeString(ns sql.NullString) (types.Null[types.Time], error) {
	if !ns.Valid || ns.String == "" {
		return types.Null[types.Time]{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return types.Null[types.Time]{}, err
	}
	return types.NewTimeNull(t), nil
}

// applyPatch mirrors internal/store/memory's patch semantics.
func applyPatch(conn *model.Connection, patch model.ConnectionPatch) {
	if patch.AccessToken != nil {
		conn.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		conn.RefreshToken = *patch.RefreshToken
	}
	if patch.ExpiresAt != nil {
		conn.ExpiresAt = types.NewTimeNull(*patch.ExpiresAt)
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
		conn.LastErrorAt = types.NewTimeNull(*patch.LastErrorAt)
	}
	if patch.RateLimitedUntil != nil {
		conn.RateLimitedUntil = types.NewTimeNull(*patch.RateLimitedUntil)
	}
	if patch.BackoffLevel != nil {
		conn.BackoffLevel = *patch.BackoffLevel
	}
	if patch.LastUsedAt != nil {
		conn.LastUsedAt = types.NewTimeNull(*patch.LastUsedAt)
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
