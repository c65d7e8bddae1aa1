// Package postgres is a Postgres-backed Store implementation: connections,
// settings, and combos persist across restarts, encrypted at rest when an
// encryption key is configured. Grounded on the teacher's
// internal/store/postgres, narrowed from its eight-table workflow/provider
// schema down to this domain's three tables.
package postgres

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
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/crypto"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "aigateway_"
)

// Postgres is a Store implementation backed by a Postgres database.
type Postgres struct {
	db *sql.DB

	tableConnections string
	tableSettings    string
	tableCombos      string

	// encKey is the AES-256 key used to encrypt/decrypt sensitive
	// connection fields at rest. nil disables encryption.
	encKey   []byte
	encKeyMu sync.RWMutex
}

// New opens a Postgres connection, runs migrations, and returns a ready
// Store. encKey may be nil (no encryption at rest).
func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	p := &Postgres{
		db:               db,
		tableConnections: tablePrefix + "connections",
		tableSettings:    tablePrefix + "settings",
		tableCombos:      tablePrefix + "combos",
		encKey:           encKey,
	}

	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	slog.Info("connected to store postgres")

	return p, nil
}

// migrate creates the schema if it does not already exist. The schema is
// small and stable enough that idempotent DDL takes the place of the
// teacher's versioned SQL-file migration runner — see DESIGN.md.
func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                    TEXT PRIMARY KEY,
			provider              TEXT NOT NULL,
			auth_type             TEXT NOT NULL,
			priority              INTEGER NOT NULL DEFAULT 0,
			is_active             BOOLEAN NOT NULL DEFAULT TRUE,
			api_key               TEXT NOT NULL DEFAULT '',
			access_token          TEXT NOT NULL DEFAULT '',
			refresh_token         TEXT NOT NULL DEFAULT '',
			project_id            TEXT NOT NULL DEFAULT '',
			expires_at            TIMESTAMPTZ,
			provider_specific_data JSONB,
			test_status           TEXT NOT NULL DEFAULT 'active',
			last_error            TEXT NOT NULL DEFAULT '',
			error_code            INTEGER NOT NULL DEFAULT 0,
			last_error_at         TIMESTAMPTZ,
			rate_limited_until    TIMESTAMPTZ,
			backoff_level         INTEGER NOT NULL DEFAULT 0,
			last_used_at          TIMESTAMPTZ,
			consecutive_use_count INTEGER NOT NULL DEFAULT 0
		)`, p.tableConnections),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_provider_idx ON %s (provider, priority)`, p.tableConnections, p.tableConnections),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                       INTEGER PRIMARY KEY,
			fallback_strategy        TEXT NOT NULL,
			sticky_round_robin_limit INTEGER NOT NULL,
			token_expiry_buffer_ms   BIGINT NOT NULL
		)`, p.tableSettings),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name   TEXT PRIMARY KEY,
			models JSONB NOT NULL
		)`, p.tableCombos),
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── Connection CRUD ───

func (p *Postgres) GetConnections(ctx context.Context, provider string, isActive *bool) ([]model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider = $1`, connectionColumns, p.tableConnections)
	args := []any{provider}
	if isActive != nil {
		query += ` AND is_active = $2`
		args = append(args, *isActive)
	}
	query += ` ORDER BY priority ASC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get connections for %q: %w", provider, err)
	}
	defer rows.Close()

	return p.scanConnections(rows)
}

func (p *Postgres) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, connectionColumns, p.tableConnections)

	conn, err := p.scanConnectionRow(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}
	return conn, nil
}

func (p *Postgres) ListConnections(ctx context.Context) ([]model.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY provider ASC, priority ASC`, connectionColumns, p.tableConnections)

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	return p.scanConnections(rows)
}

func (p *Postgres) CreateConnection(ctx context.Context, conn model.Connection) (*model.Connection, error) {
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if conn.TestStatus == "" {
		conn.TestStatus = model.StatusActive
	}

	enc, err := crypto.EncryptConnection(conn, p.currentKey())
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
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`, p.tableConnections)

	_, err = p.db.ExecContext(ctx, query,
		enc.ID, enc.Provider, string(enc.AuthType), enc.Priority, enc.IsActive,
		enc.APIKey, enc.AccessToken, enc.RefreshToken, enc.ProjectID,
		toNullTime(enc.ExpiresAt), providerData, string(enc.TestStatus), enc.LastError, enc.ErrorCode,
		toNullTime(enc.LastErrorAt), toNullTime(enc.RateLimitedUntil), enc.BackoffLevel,
		toNullTime(enc.LastUsedAt), enc.ConsecutiveUseCount,
	)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	return &conn, nil
}

func (p *Postgres) UpdateConnection(ctx context.Context, id string, patch model.ConnectionPatch) (*model.Connection, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, connectionColumns, p.tableConnections)
	existing, err := p.scanConnectionRow(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}

	key := p.currentKey()
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
		access_token = $1, refresh_token = $2, expires_at = $3, provider_specific_data = $4,
		test_status = $5, last_error = $6, error_code = $7, last_error_at = $8,
		rate_limited_until = $9, backoff_level = $10, last_used_at = $11, consecutive_use_count = $12
		WHERE id = $13`, p.tableConnections)

	_, err = tx.ExecContext(ctx, updateQuery,
		enc.AccessToken, enc.RefreshToken, toNullTime(enc.ExpiresAt), providerData,
		string(enc.TestStatus), enc.LastError, enc.ErrorCode, toNullTime(enc.LastErrorAt),
		toNullTime(enc.RateLimitedUntil), enc.BackoffLevel, toNullTime(enc.LastUsedAt), enc.ConsecutiveUseCount,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update connection %q: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update connection %q: %w", id, err)
	}

	return &decrypted, nil
}

func (p *Postgres) DeleteConnection(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.tableConnections)
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete connection %q: %w", id, err)
	}
	return nil
}

// ─── Settings ───

func (p *Postgres) GetSettings(ctx context.Context) (model.Settings, error) {
	query := fmt.Sprintf(`SELECT fallback_strategy, sticky_round_robin_limit, token_expiry_buffer_ms FROM %s WHERE id = 1`, p.tableSettings)

	var s model.Settings
	var strategy string
	err := p.db.QueryRowContext(ctx, query).Scan(&strategy, &s.StickyRoundRobinLimit, &s.TokenExpiryBufferMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	s.FallbackStrategy = model.FallbackStrategy(strategy)

	return s, nil
}

func (p *Postgres) UpdateSettings(ctx context.Context, settings model.Settings) (model.Settings, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, fallback_strategy, sticky_round_robin_limit, token_expiry_buffer_ms)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			fallback_strategy = EXCLUDED.fallback_strategy,
			sticky_round_robin_limit = EXCLUDED.sticky_round_robin_limit,
			token_expiry_buffer_ms = EXCLUDED.token_expiry_buffer_ms`, p.tableSettings)

	_, err := p.db.ExecContext(ctx, query, string(settings.FallbackStrategy), settings.StickyRoundRobinLimit, settings.TokenExpiryBufferMs)
	if err != nil {
		return model.Settings{}, fmt.Errorf("update settings: %w", err)
	}

	return settings, nil
}

// ─── Combos ───

func (p *Postgres) ListCombos(ctx context.Context) ([]model.Combo, error) {
	query := fmt.Sprintf(`SELECT name, models FROM %s ORDER BY name ASC`, p.tableCombos)

	rows, err := p.db.QueryContext(ctx, query)
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

func (p *Postgres) GetCombo(ctx context.Context, name string) (*model.Combo, error) {
	query := fmt.Sprintf(`SELECT name, models FROM %s WHERE name = $1`, p.tableCombos)

	var modelsJSON []byte
	var combo model.Combo
	err := p.db.QueryRowContext(ctx, query, name).Scan(&combo.Name, &modelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get combo %q: %w", name, err)
	}
	if err := json.Unmarshal(modelsJSON, &combo.Models); err != nil {
		return nil, fmt.Errorf("unmarshal combo %q models: %w", name, err)
	}

	return &combo, nil
}

func (p *Postgres) PutCombo(ctx context.Context, combo model.Combo) (*model.Combo, error) {
	modelsJSON, err := json.Marshal(combo.Models)
	if err != nil {
		return nil, fmt.Errorf("marshal combo %q models: %w", combo.Name, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (name, models) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET models = EXCLUDED.models`, p.tableCombos)

	if _, err := p.db.ExecContext(ctx, query, combo.Name, modelsJSON); err != nil {
		return nil, fmt.Errorf("put combo %q: %w", combo.Name, err)
	}

	return &combo, nil
}

func (p *Postgres) DeleteCombo(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, p.tableCombos)
	if _, err := p.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete combo %q: %w", name, err)
	}
	return nil
}

// ─── Key rotation ───

// RotateEncryptionKey re-encrypts every connection's sensitive fields with
// newKey, matching the teacher's provider-config rotation in spirit: read
// under a transaction-held lock, decrypt with the old key, encrypt with
// the new one, write back, and only then swap the in-memory key.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM %s FOR UPDATE`, connectionColumns, p.tableConnections)
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("list connections for rotation: %w", err)
	}

	// Rows are scanned raw (still under the old key): scanConnections would
	// call currentKey, whose read lock cannot be taken while this function
	// holds encKeyMu.
	var conns []model.Connection
	for rows.Next() {
		conn, err := p.scanConnectionRow(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan connection row: %w", err)
		}
		conns = append(conns, *conn)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		decrypted, err := crypto.DecryptConnection(conn, p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt connection %q: %w", conn.ID, err)
		}
		enc, err := crypto.EncryptConnection(decrypted, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt connection %q: %w", conn.ID, err)
		}

		updateQuery := fmt.Sprintf(`UPDATE %s SET api_key = $1, access_token = $2, refresh_token = $3 WHERE id = $4`, p.tableConnections)
		if _, err := tx.ExecContext(ctx, updateQuery, enc.APIKey, enc.AccessToken, enc.RefreshToken, conn.ID); err != nil {
			return fmt.Errorf("update connection %q: %w", conn.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}

	p.encKey = newKey
	slog.Info("encryption key rotated", "connections_updated", len(conns))

	return nil
}

func (p *Postgres) currentKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()
	return p.encKey
}

// ─── Scan helpers (shared shape with sqlite3) ───

const connectionColumns = `id, provider, auth_type, priority, is_active, api_key, access_token, refresh_token,
	project_id, expires_at, provider_specific_data, test_status, last_error, error_code,
	last_error_at, rate_limited_until, backoff_level, last_used_at, consecutive_use_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanConnections(rows *sql.Rows) ([]model.Connection, error) {
	result := make([]model.Connection, 0)
	for rows.Next() {
		conn, err := p.scanConnectionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		decrypted, err := crypto.DecryptConnection(*conn, p.currentKey())
		if err != nil {
			return nil, fmt.Errorf("decrypt connection %q: %w", conn.ID, err)
		}
		result = append(result, decrypted)
	}
	return result, rows.Err()
}

func (p *Postgres) scanConnectionRow(r rowScanner) (*model.Connection, error) {
	var conn model.Connection
	var authType, testStatus string
	var expiresAt, lastErrorAt, rateLimitedUntil, lastUsedAt sql.NullTime
	var providerData []byte

	err := r.Scan(
		&conn.ID, &conn.Provider, &authType, &conn.Priority, &conn.IsActive,
		&conn.APIKey, &conn.AccessToken, &conn.RefreshToken, &conn.ProjectID,
		&expiresAt, &providerData, &testStatus, &conn.LastError, &conn.ErrorCode,
		&lastErrorAt, &rateLimitedUntil, &conn.BackoffLevel, &lastUsedAt, &conn.ConsecutiveUseCount,
	)
	if err != nil {
		return nil, err
	}

	conn.AuthType = model.AuthType(authType)
	conn.TestStatus = model.TestStatus(testStatus)
	conn.ExpiresAt = fromNullTime(expiresAt)
	conn.LastErrorAt = fromNullTime(lastErrorAt)
	conn.RateLimitedUntil = fromNullTime(rateLimitedUntil)
	conn.LastUsedAt = fromNullTime(lastUsedAt)

	if len(providerData) > 0 {
		if err := json.Unmarshal(providerData, &conn.ProviderSpecificData); err != nil {
			return nil, fmt.Errorf("unmarshal provider_specific_data: %w", err)
		}
	}

	return &conn, nil
}

func scanCombo(rows *sql.Rows) (*model.Combo, error) {
	var combo model.Combo
	var modelsJSON []byte
	if err := rows.Scan(&combo.Name, &modelsJSON); err != nil {
		return nil, fmt.Errorf("scan combo row: %w", err)
	}
	if err := json.Unmarshal(modelsJSON, &combo.Models); err != nil {
		return nil, fmt.Errorf("unmarshal combo %q models: %w", combo.Name, err)
	}
	return &combo, nil
}

func marshalProviderData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal provider_specific_data: %w", err)
	}
	return b, nil
}

func toNullTime(t types.Null[types.Time]) sql.NullTime {
	if !t.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.V.Time, Valid: true}
}

func fromNullTime(nt sql.NullTime) types.Null[types.Time] {
	if !nt.Valid {
		return types.Null[types.Time]{}
	}
	return types.NewTimeNull(nt.Time)
}

// applyPatch is identical in spirit to internal/store/memory's — kept as
// a separate copy rather than shared across packages since each backend
// scans/writes through its own column set.
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
