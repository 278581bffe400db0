package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stratalabs/strata/internal/semantics"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run triggers.
const (
	TriggerInterval = "interval"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// Run is one ledger row.
type Run struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is zero while the run is in flight
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Error is the first tenant failure for a failed run
	Error string `json:"error,omitempty"`

	// TenantCount is the number of tenants the run completed
	TenantCount int `json:"tenant_count"`
}

// StageStat is one per-tenant stage record.
type StageStat struct {
	RunID      string        `json:"run_id"`
	TenantSlug string        `json:"tenant_slug"`
	Stage      string        `json:"stage"`
	Rows       int64         `json:"rows"`
	Duration   time.Duration `json:"duration"`
}

// Ledger records pipeline runs, their per-stage row counts, and the
// semantic catalog each run regenerated. It shares metadata.db with the
// blueprint registry and tenant config history.
type Ledger struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	mu     sync.Mutex

	insertStageStmt *sql.Stmt // on write connection; hot path, one call per stage
}

// NewLedger opens (or creates) the run ledger at dbPath.
func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pipeline: failed to open ledger read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	l := &Ledger{db: db, readDB: readDB}

	if err := l.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("pipeline: failed to initialize ledger schema: %w", err)
	}

	insertStageStmt, err := db.Prepare(`
		INSERT OR REPLACE INTO run_stages (run_id, tenant_slug, stage, row_count, duration_ms)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("pipeline: failed to prepare stage statement: %w", err)
	}
	l.insertStageStmt = insertStageStmt

	return l, nil
}

func (l *Ledger) initSchema() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Begin opens a new run in running state and returns it.
func (l *Ledger) Begin(ctx context.Context, trigger string) (*Run, error) {
	run := &Run{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, trigger_kind, status, started_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.Trigger, run.Status, run.StartedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to record run start: %w", err)
	}
	return run, nil
}

// Finish closes a run with its terminal status. errMsg is empty for a
// succeeded run.
func (l *Ledger) Finish(ctx context.Context, runID, status, errMsg string, tenantCount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, error = ?, tenant_count = ? WHERE run_id = ?`,
		status, time.Now().Unix(), errVal, tenantCount, runID,
	)
	if err != nil {
		return fmt.Errorf("pipeline: failed to record run finish: %w", err)
	}
	return nil
}

// RecordStage writes one stage's row count and wall time.
func (l *Ledger) RecordStage(ctx context.Context, runID, tenant, stage string, rows int64, elapsed time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.insertStageStmt.ExecContext(ctx, runID, tenant, stage, rows, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("pipeline: failed to record stage %s: %w", stage, err)
	}
	return nil
}

const runColumns = `run_id, trigger_kind, status, started_at, finished_at, error, tenant_count`

// Latest returns the most recently started run, with found false when
// no run has ever been recorded. Rowid breaks ties between runs started
// within the same second.
func (l *Ledger) Latest(ctx context.Context) (*Run, bool, error) {
	row := l.readDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	return scanRun(row)
}

// Get returns one run by id.
func (l *Ledger) Get(ctx context.Context, runID string) (*Run, bool, error) {
	row := l.readDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, bool, error) {
	var run Run
	var startedAt int64
	var finishedAt sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(&run.RunID, &run.Trigger, &run.Status, &startedAt, &finishedAt, &errMsg, &run.TenantCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pipeline: failed to scan run: %w", err)
	}

	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		run.FinishedAt = time.Unix(finishedAt.Int64, 0)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, true, nil
}

// Stages returns a run's stage records ordered by tenant then stage.
func (l *Ledger) Stages(ctx context.Context, runID string) ([]StageStat, error) {
	rows, err := l.readDB.QueryContext(ctx,
		`SELECT run_id, tenant_slug, stage, row_count, duration_ms
		 FROM run_stages WHERE run_id = ?
		 ORDER BY tenant_slug, stage`, runID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to query stages: %w", err)
	}
	defer rows.Close()

	var stats []StageStat
	for rows.Next() {
		var s StageStat
		var durationMS int64
		if err := rows.Scan(&s.RunID, &s.TenantSlug, &s.Stage, &s.Rows, &durationMS); err != nil {
			return nil, fmt.Errorf("pipeline: failed to scan stage: %w", err)
		}
		s.Duration = time.Duration(durationMS) * time.Millisecond
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// PruneRuns deletes runs started before the cutoff along with their
// stage rows, and returns the deleted run ids so callers can clean up
// exported artifacts. Tenant catalogs are kept even when their
// producing run ages out.
func (l *Ledger) PruneRuns(ctx context.Context, before time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE started_at < ?`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to find expired runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pipeline: failed to scan expired run: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(runIDs) == 0 {
		return nil, nil
	}

	for _, id := range runIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_stages WHERE run_id = ?`, id); err != nil {
			return nil, fmt.Errorf("pipeline: failed to prune stages for run %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, id); err != nil {
			return nil, fmt.Errorf("pipeline: failed to prune run %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pipeline: failed to commit prune: %w", err)
	}
	return runIDs, nil
}

// PutCatalog replaces a tenant's semantic catalog with the one this run
// regenerated.
func (l *Ledger) PutCatalog(ctx context.Context, tenant, runID string, catalog *semantics.Catalog) error {
	raw, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("pipeline: failed to encode catalog: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO catalogs (tenant_slug, run_id, catalog_json, generated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_slug) DO UPDATE SET
		   run_id = excluded.run_id,
		   catalog_json = excluded.catalog_json,
		   generated_at = excluded.generated_at`,
		tenant, runID, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("pipeline: failed to store catalog: %w", err)
	}
	return nil
}

// Catalog returns a tenant's latest semantic catalog.
func (l *Ledger) Catalog(ctx context.Context, tenant string) (*semantics.Catalog, bool, error) {
	var raw string
	err := l.readDB.QueryRowContext(ctx,
		`SELECT catalog_json FROM catalogs WHERE tenant_slug = ?`, tenant).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pipeline: failed to read catalog: %w", err)
	}

	var catalog semantics.Catalog
	if err := json.Unmarshal([]byte(raw), &catalog); err != nil {
		return nil, false, fmt.Errorf("pipeline: failed to decode catalog: %w", err)
	}
	return &catalog, true, nil
}

// Catalogs returns every tenant's latest catalog keyed by tenant slug.
func (l *Ledger) Catalogs(ctx context.Context) (map[string]*semantics.Catalog, error) {
	rows, err := l.readDB.QueryContext(ctx, `SELECT tenant_slug, catalog_json FROM catalogs`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to query catalogs: %w", err)
	}
	defer rows.Close()

	catalogs := make(map[string]*semantics.Catalog)
	for rows.Next() {
		var tenant, raw string
		if err := rows.Scan(&tenant, &raw); err != nil {
			return nil, fmt.Errorf("pipeline: failed to scan catalog: %w", err)
		}
		var catalog semantics.Catalog
		if err := json.Unmarshal([]byte(raw), &catalog); err != nil {
			return nil, fmt.Errorf("pipeline: failed to decode catalog for %s: %w", tenant, err)
		}
		catalogs[tenant] = &catalog
	}
	return catalogs, rows.Err()
}

// RunAnalyze refreshes SQLite query planner statistics.
func (l *Ledger) RunAnalyze(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("pipeline: failed to analyze ledger: %w", err)
	}
	return nil
}

// Close closes the ledger's database connections.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.insertStageStmt != nil {
		l.insertStageStmt.Close()
	}
	if l.readDB != nil {
		l.readDB.Close()
	}
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
