// Package warehouse implements the SQLite analytical store the pipeline
// materializes into. It has two halves: an append-only raw batch log
// holding snappy-compressed JSON payloads exactly as they landed, and
// per-tenant output tables rebuilt from scratch on every run.
package warehouse

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/pkg/types"
)

// Store is the warehouse contract consumed by the pipeline stages, the
// intake journal replay, and the admin API.
type Store interface {
	// AppendBatch appends a raw batch to the log. A zero batch id is
	// assigned; re-appending an existing batch id is a no-op, so journal
	// replay after a crash is safe.
	AppendBatch(ctx context.Context, batch *types.RawBatch) error

	// GetBatch retrieves one batch with its rows decoded.
	GetBatch(ctx context.Context, batchID types.ULID) (*types.RawBatch, error)

	// ListBatches returns a tenant's batches in load order (batch id
	// ascending), rows decoded.
	ListBatches(ctx context.Context, tenantSlug string) ([]*types.RawBatch, error)

	// ListTenants returns every tenant present in the raw batch log.
	ListTenants(ctx context.Context) ([]string, error)

	// PruneBatches deletes batches loaded before the cutoff and returns
	// how many were removed.
	PruneBatches(ctx context.Context, before time.Time) (int64, error)

	// ReplaceTable atomically rebuilds one tenant output table from the
	// given rows and refreshes its stats row.
	ReplaceTable(ctx context.Context, tenantSlug, tableName string, columns []types.ColumnDef, rows []map[string]interface{}) error

	// ReadTable returns an output table's column names and rows.
	ReadTable(ctx context.Context, tenantSlug, tableName string) ([]string, []map[string]interface{}, error)

	// TableStats returns the stats rows for a tenant's output tables.
	TableStats(ctx context.Context, tenantSlug string) ([]TableStat, error)

	// InsertIdentityLinks writes links that do not exist yet and reports
	// how many were new. Existing links are never replaced.
	InsertIdentityLinks(ctx context.Context, links []types.IdentityLink) (int64, error)

	// IdentityLinks returns a tenant's links as anonymous id to resolved
	// user id.
	IdentityLinks(ctx context.Context, tenantSlug string) (map[string]string, error)

	// ReplaceIdentityStats overwrites a tenant's identity summary row.
	ReplaceIdentityStats(ctx context.Context, tenantSlug string, stats types.IdentityStats) error

	// IdentityStats returns a tenant's identity summary, with found
	// false when no run has recorded one yet.
	IdentityStats(ctx context.Context, tenantSlug string) (*types.IdentityStats, bool, error)

	// RunAnalyze refreshes SQLite query planner statistics.
	RunAnalyze(ctx context.Context) error

	// Close closes the store's database connections.
	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	ulidGen *types.ULIDGenerator

	insertBatchStmt *sql.Stmt
	getBatchStmt    *sql.Stmt
	listBatchesStmt *sql.Stmt

	// Prepared statement cache for per-table reads (read connection)
	readStmtCache map[string]*sql.Stmt
	readStmtMu    sync.RWMutex
}

const rawBatchColumns = `batch_id, tenant_slug, source_platform, table_name, schema_fingerprint, schema_json, row_count, payload, loaded_at`

// NewStore opens (creating if needed) the warehouse database at dbPath.
func NewStore(dbPath string) (*SQLiteStore, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	// Enable read_uncommitted on read connections for snapshot isolation without blocking
	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to set read_uncommitted pragma: %w", err)
	}

	store := &SQLiteStore{
		db:            db,
		readDB:        readDB,
		dbPath:        dbPath,
		ulidGen:       types.NewULIDGenerator(),
		readStmtCache: make(map[string]*sql.Stmt),
	}

	if err := store.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO raw_batches (` + rawBatchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to prepare insert statement: %w", err)
	}
	store.insertBatchStmt = insertStmt

	getStmt, err := readDB.Prepare(`
		SELECT ` + rawBatchColumns + `
		FROM raw_batches
		WHERE batch_id = ?`)
	if err != nil {
		insertStmt.Close()
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to prepare get statement: %w", err)
	}
	store.getBatchStmt = getStmt

	listStmt, err := readDB.Prepare(`
		SELECT ` + rawBatchColumns + `
		FROM raw_batches
		WHERE tenant_slug = ?
		ORDER BY batch_id ASC`)
	if err != nil {
		getStmt.Close()
		insertStmt.Close()
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to prepare list statement: %w", err)
	}
	store.listBatchesStmt = listStmt

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// AppendBatch appends a raw batch to the log.
func (s *SQLiteStore) AppendBatch(ctx context.Context, batch *types.RawBatch) error {
	if batch.TenantSlug == "" || batch.SourcePlatform == "" || batch.TableName == "" {
		return fmt.Errorf("warehouse: batch requires tenant_slug, source_platform, and table_name")
	}

	if batch.BatchID == (types.ULID{}) {
		id, err := s.ulidGen.Generate()
		if err != nil {
			return fmt.Errorf("warehouse: failed to generate batch id: %w", err)
		}
		batch.BatchID = id
	}
	if batch.LoadedAt.IsZero() {
		batch.LoadedAt = time.Now()
	}
	if batch.SchemaFingerprint == "" {
		batch.SchemaFingerprint = fingerprint.Sum(batch.Schema)
	}

	rowsJSON, err := json.Marshal(batch.Rows)
	if err != nil {
		return fmt.Errorf("warehouse: failed to marshal batch rows: %w", err)
	}
	payload := snappy.Encode(nil, rowsJSON)

	schemaJSON, err := json.Marshal(batch.Schema)
	if err != nil {
		return fmt.Errorf("warehouse: failed to marshal batch schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Journal replay re-appends batches that were already stored; an
	// existing batch id means the append already happened.
	var exists int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM raw_batches WHERE batch_id = ?",
		batch.BatchID.String(),
	).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("warehouse: failed to check batch id: %w", err)
	}

	_, err = s.insertBatchStmt.ExecContext(ctx,
		batch.BatchID.String(), batch.TenantSlug, batch.SourcePlatform, batch.TableName,
		string(batch.SchemaFingerprint), string(schemaJSON),
		int64(len(batch.Rows)), payload, batch.LoadedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("warehouse: failed to insert batch: %w", err)
	}

	return nil
}

// GetBatch retrieves one batch with its rows decoded.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID types.ULID) (*types.RawBatch, error) {
	row := s.getBatchStmt.QueryRowContext(ctx, batchID.String())
	batch, err := scanBatch(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("warehouse: batch %s not found", batchID.String())
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns a tenant's batches in load order.
func (s *SQLiteStore) ListBatches(ctx context.Context, tenantSlug string) ([]*types.RawBatch, error) {
	rows, err := s.listBatchesStmt.QueryContext(ctx, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*types.RawBatch
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: error iterating batches: %w", err)
	}

	return batches, nil
}

// scanBatch scans one raw_batches row and decodes its payload. The scan
// argument abstracts over *sql.Row and *sql.Rows.
func scanBatch(scan func(...interface{}) error) (*types.RawBatch, error) {
	var (
		batchIDStr string
		fp         string
		schemaJSON string
		rowCount   int64
		payload    []byte
		loadedAt   int64
		batch      types.RawBatch
	)

	err := scan(
		&batchIDStr, &batch.TenantSlug, &batch.SourcePlatform, &batch.TableName,
		&fp, &schemaJSON, &rowCount, &payload, &loadedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to scan batch: %w", err)
	}

	id, err := types.ParseULID(batchIDStr)
	if err != nil {
		return nil, fmt.Errorf("warehouse: invalid batch id %q: %w", batchIDStr, err)
	}
	batch.BatchID = id
	batch.SchemaFingerprint = types.Fingerprint(fp)
	batch.LoadedAt = time.Unix(loadedAt, 0)

	if err := json.Unmarshal([]byte(schemaJSON), &batch.Schema); err != nil {
		return nil, fmt.Errorf("warehouse: failed to unmarshal batch schema: %w", err)
	}

	batchRows, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	batch.Rows = batchRows

	return &batch, nil
}

// decodePayload decompresses and decodes a batch payload. Numbers decode
// as json.Number so large integer identifiers survive exactly.
func decodePayload(payload []byte) ([]map[string]interface{}, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to decompress batch payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rows []map[string]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("warehouse: failed to decode batch payload: %w", err)
	}
	return rows, nil
}

// ListTenants returns every tenant present in the raw batch log.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT DISTINCT tenant_slug FROM raw_batches ORDER BY tenant_slug")
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("warehouse: failed to scan tenant: %w", err)
		}
		tenants = append(tenants, slug)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: error iterating tenants: %w", err)
	}

	return tenants, nil
}

// PruneBatches deletes batches loaded before the cutoff.
func (s *SQLiteStore) PruneBatches(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM raw_batches WHERE loaded_at < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("warehouse: failed to prune batches: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("warehouse: failed to count pruned batches: %w", err)
	}
	return deleted, nil
}

// getOrPrepareStmt returns a cached read statement or prepares one.
func (s *SQLiteStore) getOrPrepareStmt(query string) (*sql.Stmt, error) {
	s.readStmtMu.RLock()
	if stmt, ok := s.readStmtCache[query]; ok {
		s.readStmtMu.RUnlock()
		return stmt, nil
	}
	s.readStmtMu.RUnlock()

	s.readStmtMu.Lock()
	defer s.readStmtMu.Unlock()

	// Double-check after acquiring write lock
	if stmt, ok := s.readStmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.readDB.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.readStmtCache[query] = stmt
	return stmt, nil
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics.
func (s *SQLiteStore) RunAnalyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, AnalyzeSQL)
	if err != nil {
		return fmt.Errorf("warehouse: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the store's database connections.
func (s *SQLiteStore) Close() error {
	if s.insertBatchStmt != nil {
		s.insertBatchStmt.Close()
	}
	if s.getBatchStmt != nil {
		s.getBatchStmt.Close()
	}
	if s.listBatchesStmt != nil {
		s.listBatchesStmt.Close()
	}

	s.readStmtMu.Lock()
	for _, stmt := range s.readStmtCache {
		stmt.Close()
	}
	s.readStmtCache = nil
	s.readStmtMu.Unlock()

	// Close read connection first, then write connection
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
