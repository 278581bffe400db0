package tenantcfg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stratalabs/strata/internal/fingerprint"
)

// Config is one row of a tenant's logic history for a source table.
type Config struct {
	TenantSlug string
	SourceName string
	TableName  string
	LogicHash  string
	Logic      LogicBlock
	UpdatedAt  time.Time
}

// Resolver stores tenant logic in the metadata store.
type Resolver interface {
	// Put appends a new config version. Putting logic whose hash matches
	// the current config is a no-op that returns the current row, so
	// onboarding scripts can be re-run safely.
	Put(ctx context.Context, tenant, source, table string, logic LogicBlock) (*Config, error)

	// ResolveCurrent returns the config with the highest updated_at for the
	// key, or false when the tenant has no logic for that table.
	ResolveCurrent(ctx context.Context, tenant, source, table string) (*Config, bool, error)

	// History returns every config version for the key, newest first.
	History(ctx context.Context, tenant, source, table string) ([]*Config, error)

	// ListForTenant returns the current config of every (source, table)
	// key the tenant has logic for.
	ListForTenant(ctx context.Context, tenant string) ([]*Config, error)

	// Close closes the store database connections.
	Close() error
}

// SQLiteResolver implements Resolver using SQLite.
type SQLiteResolver struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertStmt  *sql.Stmt // on write connection
	currentStmt *sql.Stmt // on read connection; hot path, one call per model materialization
}

// configColumns is the select list every config query shares.
const configColumns = `tenant_slug, source_name, table_name, logic_hash, logic_json, updated_at`

// currentSelectSQL resolves the current config for one key.
const currentSelectSQL = `
	SELECT ` + configColumns + `
	FROM tenant_configs
	WHERE tenant_slug = ? AND source_name = ? AND table_name = ?
	ORDER BY updated_at DESC, rowid DESC
	LIMIT 1`

// NewResolver opens (or creates) a tenant config store at dbPath. The
// store shares the metadata database file with the blueprint registry but
// owns its connections.
func NewResolver(dbPath string) (*SQLiteResolver, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tenantcfg: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	// Enable read_uncommitted on read connections for snapshot isolation without blocking
	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("tenantcfg: failed to set read_uncommitted pragma: %w", err)
	}

	r := &SQLiteResolver{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	// Initialize schema (uses write connection)
	if err := r.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("tenantcfg: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO tenant_configs (
			tenant_slug, source_name, table_name, logic_hash, logic_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("tenantcfg: failed to prepare insert statement: %w", err)
	}
	r.insertStmt = insertStmt

	currentStmt, err := readDB.Prepare(currentSelectSQL)
	if err != nil {
		insertStmt.Close()
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("tenantcfg: failed to prepare current statement: %w", err)
	}
	r.currentStmt = currentStmt

	return r, nil
}

// initSchema creates all required tables and indexes.
func (r *SQLiteResolver) initSchema() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Put appends a new config version unless the logic is unchanged.
func (r *SQLiteResolver) Put(ctx context.Context, tenant, source, table string, logic LogicBlock) (*Config, error) {
	if tenant == "" || source == "" || table == "" {
		return nil, fmt.Errorf("tenantcfg: tenant, source, and table must not be empty")
	}
	if err := logic.Validate(); err != nil {
		return nil, err
	}

	raw, err := logic.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	hash := fingerprint.SumBytes(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check the current config on the write connection for read-your-writes
	current, ok, err := r.currentLocked(ctx, tenant, source, table)
	if err != nil {
		return nil, err
	}
	if ok && current.LogicHash == hash {
		// Idempotent: re-putting identical logic is a no-op
		return current, nil
	}

	cfg := &Config{
		TenantSlug: tenant,
		SourceName: source,
		TableName:  table,
		LogicHash:  hash,
		Logic:      logic,
		UpdatedAt:  time.Now(),
	}

	if _, err := r.insertStmt.ExecContext(ctx,
		cfg.TenantSlug, cfg.SourceName, cfg.TableName,
		cfg.LogicHash, string(raw), cfg.UpdatedAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to insert config: %w", err)
	}

	return cfg, nil
}

// currentLocked resolves the current config using the write connection
// (must be called with lock held).
func (r *SQLiteResolver) currentLocked(ctx context.Context, tenant, source, table string) (*Config, bool, error) {
	row := r.db.QueryRowContext(ctx, currentSelectSQL, tenant, source, table)
	return scanConfigRow(row)
}

// ResolveCurrent returns the current config for a (tenant, source, table) key.
func (r *SQLiteResolver) ResolveCurrent(ctx context.Context, tenant, source, table string) (*Config, bool, error) {
	row := r.currentStmt.QueryRowContext(ctx, tenant, source, table)
	return scanConfigRow(row)
}

// scanConfigRow scans a single-row query into a Config.
func scanConfigRow(row *sql.Row) (*Config, bool, error) {
	var cfg Config
	var logicJSON string
	var updatedAtUnix int64

	err := row.Scan(&cfg.TenantSlug, &cfg.SourceName, &cfg.TableName, &cfg.LogicHash, &logicJSON, &updatedAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("tenantcfg: failed to scan config: %w", err)
	}

	if err := json.Unmarshal([]byte(logicJSON), &cfg.Logic); err != nil {
		return nil, false, fmt.Errorf("tenantcfg: failed to unmarshal logic: %w", err)
	}
	cfg.UpdatedAt = time.Unix(updatedAtUnix, 0)
	return &cfg, true, nil
}

// scanConfigRows scans the current row of a multi-row query into a Config.
func scanConfigRows(rows *sql.Rows) (*Config, error) {
	var cfg Config
	var logicJSON string
	var updatedAtUnix int64

	err := rows.Scan(&cfg.TenantSlug, &cfg.SourceName, &cfg.TableName, &cfg.LogicHash, &logicJSON, &updatedAtUnix)
	if err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to scan config: %w", err)
	}

	if err := json.Unmarshal([]byte(logicJSON), &cfg.Logic); err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to unmarshal logic: %w", err)
	}
	cfg.UpdatedAt = time.Unix(updatedAtUnix, 0)
	return &cfg, nil
}

// History returns every config version for the key, newest first.
func (r *SQLiteResolver) History(ctx context.Context, tenant, source, table string) ([]*Config, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM tenant_configs
		WHERE tenant_slug = ? AND source_name = ? AND table_name = ?
		ORDER BY updated_at DESC, rowid DESC`, tenant, source, table)
	if err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to query history: %w", err)
	}
	defer rows.Close()

	var history []*Config
	for rows.Next() {
		cfg, err := scanConfigRows(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenantcfg: error iterating history: %w", err)
	}

	return history, nil
}

// ListForTenant returns the current config per (source, table) key.
func (r *SQLiteResolver) ListForTenant(ctx context.Context, tenant string) ([]*Config, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM tenant_configs
		WHERE tenant_slug = ?
		ORDER BY updated_at DESC, rowid DESC`, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to query tenant configs: %w", err)
	}
	defer rows.Close()

	// Rows arrive newest first; the first row per key is its current config
	seen := make(map[string]struct{})
	var current []*Config
	for rows.Next() {
		cfg, err := scanConfigRows(rows)
		if err != nil {
			return nil, err
		}
		key := cfg.SourceName + "\x00" + cfg.TableName
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		current = append(current, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenantcfg: error iterating tenant configs: %w", err)
	}

	return current, nil
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics.
func (r *SQLiteResolver) RunAnalyze(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, AnalyzeSQL)
	if err != nil {
		return fmt.Errorf("tenantcfg: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the store database connections.
func (r *SQLiteResolver) Close() error {
	if r.insertStmt != nil {
		r.insertStmt.Close()
	}
	if r.currentStmt != nil {
		r.currentStmt.Close()
	}

	// Close read connection first, then write connection
	if err := r.readDB.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}
