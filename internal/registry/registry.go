package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stratalabs/strata/pkg/types"
)

// Registry manages connector blueprints in the metadata store.
type Registry interface {
	// Register maps a fingerprint to a master model. Append-only: if the
	// current blueprint already maps the fingerprint to the same master
	// model the existing blueprint is returned unchanged; otherwise a new
	// version supersedes the mapping for future resolutions.
	Register(ctx context.Context, fp types.Fingerprint, sourcePlatform, sourceTable, masterModelID string) (*Blueprint, error)

	// Resolve returns the current blueprint for a fingerprint, or false
	// when no blueprint has been registered for it.
	Resolve(ctx context.Context, fp types.Fingerprint) (*Blueprint, bool, error)

	// History returns every registered version for a fingerprint in
	// registration order.
	History(ctx context.Context, fp types.Fingerprint) ([]*Blueprint, error)

	// ListCurrent returns the current blueprint of every known fingerprint.
	ListCurrent(ctx context.Context) ([]*Blueprint, error)

	// CurrentForModel returns the current blueprints whose master model id
	// matches, i.e. the physical variants that union into the model.
	CurrentForModel(ctx context.Context, masterModelID string) ([]*Blueprint, error)

	// RecordDiscovery records a fingerprint that arrived on a batch but did
	// not resolve. Repeated sightings bump last_seen_at and batch_count.
	RecordDiscovery(ctx context.Context, d *Discovery) error

	// Discoveries returns all unresolved fingerprints, most recent first.
	Discoveries(ctx context.Context) ([]*Discovery, error)

	// Seed registers the built-in connector library and returns the number
	// of blueprints that were newly registered.
	Seed(ctx context.Context) (int, error)

	// Close closes the registry database connections.
	Close() error
}

// Blueprint is one version of a fingerprint's mapping to a master model.
type Blueprint struct {
	Fingerprint    types.Fingerprint
	Version        int
	SourcePlatform string
	SourceTable    string
	MasterModelID  string
	RegisteredAt   time.Time
}

// Discovery is a fingerprint that has been seen on incoming batches but has
// no blueprint yet. SampleColumns holds the column names observed on the
// first sighting so an operator can decide where the schema belongs.
type Discovery struct {
	Fingerprint    types.Fingerprint
	TenantSlug     string
	SourcePlatform string
	TableName      string
	SampleColumns  []string
	BatchCount     int64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// SQLiteRegistry implements Registry using SQLite.
type SQLiteRegistry struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertBlueprintStmt *sql.Stmt // on write connection
	resolveStmt         *sql.Stmt // on read connection; hot path, one call per batch
}

// NewRegistry opens (or creates) a registry store at dbPath.
func NewRegistry(dbPath string) (*SQLiteRegistry, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	// Enable read_uncommitted on read connections for snapshot isolation without blocking
	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to set read_uncommitted pragma: %w", err)
	}

	r := &SQLiteRegistry{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	// Initialize schema (uses write connection)
	if err := r.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to initialize schema: %w", err)
	}

	// Bring older store files up to the current table shape
	if err := r.migrate(context.Background()); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to migrate schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO blueprints (
			fingerprint, version, source_platform, source_table,
			master_model_id, registered_at
		) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to prepare insert statement: %w", err)
	}
	r.insertBlueprintStmt = insertStmt

	resolveStmt, err := readDB.Prepare(`
		SELECT fingerprint, version, source_platform, source_table, master_model_id, registered_at
		FROM blueprints
		WHERE fingerprint = ?
		ORDER BY version DESC
		LIMIT 1`)
	if err != nil {
		insertStmt.Close()
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to prepare resolve statement: %w", err)
	}
	r.resolveStmt = resolveStmt

	return r, nil
}

// initSchema creates all required tables and indexes.
func (r *SQLiteRegistry) initSchema() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Register maps a fingerprint to a master model.
func (r *SQLiteRegistry) Register(ctx context.Context, fp types.Fingerprint, sourcePlatform, sourceTable, masterModelID string) (*Blueprint, error) {
	if fp == "" {
		return nil, fmt.Errorf("registry: fingerprint must not be empty")
	}
	if masterModelID == "" {
		return nil, fmt.Errorf("registry: master model id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check the current mapping on the write connection for read-your-writes
	current, ok, err := r.currentLocked(ctx, fp)
	if err != nil {
		return nil, err
	}
	if ok && current.MasterModelID == masterModelID {
		// Idempotent: re-registering the same mapping is a no-op
		return current, nil
	}

	version := 1
	if ok {
		version = current.Version + 1
	}

	bp := &Blueprint{
		Fingerprint:    fp,
		Version:        version,
		SourcePlatform: sourcePlatform,
		SourceTable:    sourceTable,
		MasterModelID:  masterModelID,
		RegisteredAt:   time.Now(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, r.insertBlueprintStmt).ExecContext(ctx,
		string(bp.Fingerprint), bp.Version, bp.SourcePlatform, bp.SourceTable,
		bp.MasterModelID, bp.RegisteredAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("registry: failed to insert blueprint: %w", err)
	}

	// The fingerprint is integrated now; clear any pending discovery
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM discoveries WHERE fingerprint = ?", string(fp),
	); err != nil {
		return nil, fmt.Errorf("registry: failed to clear discovery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: failed to commit registration: %w", err)
	}

	return bp, nil
}

// currentLocked returns the current blueprint for a fingerprint using the
// write connection (must be called with lock held).
func (r *SQLiteRegistry) currentLocked(ctx context.Context, fp types.Fingerprint) (*Blueprint, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, version, source_platform, source_table, master_model_id, registered_at
		FROM blueprints
		WHERE fingerprint = ?
		ORDER BY version DESC
		LIMIT 1`, string(fp))
	return scanBlueprintRow(row)
}

// Resolve returns the current blueprint for a fingerprint.
func (r *SQLiteRegistry) Resolve(ctx context.Context, fp types.Fingerprint) (*Blueprint, bool, error) {
	row := r.resolveStmt.QueryRowContext(ctx, string(fp))
	return scanBlueprintRow(row)
}

// scanBlueprintRow scans a single-row query into a Blueprint.
func scanBlueprintRow(row *sql.Row) (*Blueprint, bool, error) {
	var bp Blueprint
	var fp string
	var registeredAtUnix int64

	err := row.Scan(&fp, &bp.Version, &bp.SourcePlatform, &bp.SourceTable, &bp.MasterModelID, &registeredAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry: failed to scan blueprint: %w", err)
	}

	bp.Fingerprint = types.Fingerprint(fp)
	bp.RegisteredAt = time.Unix(registeredAtUnix, 0)
	return &bp, true, nil
}

// scanBlueprintRows scans the current row of a multi-row query into a Blueprint.
func scanBlueprintRows(rows *sql.Rows) (*Blueprint, error) {
	var bp Blueprint
	var fp string
	var registeredAtUnix int64

	err := rows.Scan(&fp, &bp.Version, &bp.SourcePlatform, &bp.SourceTable, &bp.MasterModelID, &registeredAtUnix)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan blueprint: %w", err)
	}

	bp.Fingerprint = types.Fingerprint(fp)
	bp.RegisteredAt = time.Unix(registeredAtUnix, 0)
	return &bp, nil
}

// History returns every registered version for a fingerprint in registration order.
func (r *SQLiteRegistry) History(ctx context.Context, fp types.Fingerprint) ([]*Blueprint, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT fingerprint, version, source_platform, source_table, master_model_id, registered_at
		FROM blueprints
		WHERE fingerprint = ?
		ORDER BY version ASC`, string(fp))
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query history: %w", err)
	}
	defer rows.Close()

	var history []*Blueprint
	for rows.Next() {
		bp, err := scanBlueprintRows(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, bp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: error iterating history: %w", err)
	}

	return history, nil
}

// currentSelectSQL selects the highest version per fingerprint.
const currentSelectSQL = `
	SELECT b.fingerprint, b.version, b.source_platform, b.source_table, b.master_model_id, b.registered_at
	FROM blueprints b
	JOIN (
		SELECT fingerprint, MAX(version) AS version
		FROM blueprints
		GROUP BY fingerprint
	) latest ON latest.fingerprint = b.fingerprint AND latest.version = b.version`

// ListCurrent returns the current blueprint of every known fingerprint.
func (r *SQLiteRegistry) ListCurrent(ctx context.Context) ([]*Blueprint, error) {
	return r.queryBlueprints(ctx, currentSelectSQL+`
	ORDER BY b.master_model_id, b.source_platform, b.source_table`)
}

// CurrentForModel returns the current blueprints mapping to a master model.
func (r *SQLiteRegistry) CurrentForModel(ctx context.Context, masterModelID string) ([]*Blueprint, error) {
	return r.queryBlueprints(ctx, currentSelectSQL+`
	WHERE b.master_model_id = ?
	ORDER BY b.source_platform, b.source_table`, masterModelID)
}

// queryBlueprints executes a blueprint query on the read connection.
func (r *SQLiteRegistry) queryBlueprints(ctx context.Context, query string, args ...interface{}) ([]*Blueprint, error) {
	rows, err := r.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query blueprints: %w", err)
	}
	defer rows.Close()

	var blueprints []*Blueprint
	for rows.Next() {
		bp, err := scanBlueprintRows(rows)
		if err != nil {
			return nil, err
		}
		blueprints = append(blueprints, bp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: error iterating blueprints: %w", err)
	}

	return blueprints, nil
}

// RecordDiscovery records an unresolved fingerprint sighting. The first
// sighting stores the sample columns; later sightings only bump
// last_seen_at and batch_count.
func (r *SQLiteRegistry) RecordDiscovery(ctx context.Context, d *Discovery) error {
	if d.Fingerprint == "" {
		return fmt.Errorf("registry: discovery fingerprint must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()

	result, err := r.db.ExecContext(ctx,
		"UPDATE discoveries SET last_seen_at = ?, batch_count = batch_count + 1 WHERE fingerprint = ?",
		now, string(d.Fingerprint),
	)
	if err != nil {
		return fmt.Errorf("registry: failed to update discovery: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	colsJSON, err := json.Marshal(d.SampleColumns)
	if err != nil {
		return fmt.Errorf("registry: failed to marshal sample columns: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO discoveries (
			fingerprint, tenant_slug, source_platform, table_name,
			sample_columns, batch_count, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		string(d.Fingerprint), d.TenantSlug, d.SourcePlatform, d.TableName,
		string(colsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("registry: failed to insert discovery: %w", err)
	}

	return nil
}

// Discoveries returns all unresolved fingerprints, most recent first.
func (r *SQLiteRegistry) Discoveries(ctx context.Context) ([]*Discovery, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT fingerprint, tenant_slug, source_platform, table_name,
			sample_columns, batch_count, first_seen_at, last_seen_at
		FROM discoveries
		ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to query discoveries: %w", err)
	}
	defer rows.Close()

	var discoveries []*Discovery
	for rows.Next() {
		var d Discovery
		var fp, colsJSON string
		var firstSeenUnix, lastSeenUnix int64

		if err := rows.Scan(&fp, &d.TenantSlug, &d.SourcePlatform, &d.TableName,
			&colsJSON, &d.BatchCount, &firstSeenUnix, &lastSeenUnix); err != nil {
			return nil, fmt.Errorf("registry: failed to scan discovery: %w", err)
		}
		if err := json.Unmarshal([]byte(colsJSON), &d.SampleColumns); err != nil {
			return nil, fmt.Errorf("registry: failed to unmarshal sample columns: %w", err)
		}

		d.Fingerprint = types.Fingerprint(fp)
		d.FirstSeenAt = time.Unix(firstSeenUnix, 0)
		d.LastSeenAt = time.Unix(lastSeenUnix, 0)
		discoveries = append(discoveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: error iterating discoveries: %w", err)
	}

	return discoveries, nil
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics.
// Should be called after bulk registration (e.g. seeding) to keep index
// statistics current.
func (r *SQLiteRegistry) RunAnalyze(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, AnalyzeSQL)
	if err != nil {
		return fmt.Errorf("registry: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the registry database connections.
func (r *SQLiteRegistry) Close() error {
	if r.insertBlueprintStmt != nil {
		r.insertBlueprintStmt.Close()
	}
	if r.resolveStmt != nil {
		r.resolveStmt.Close()
	}

	// Close read connection first, then write connection
	if err := r.readDB.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}
