// Package pipeline drives the per-tenant recomputation chain: union and
// hydration of master models, identity resolution, sessionization,
// attribution, semantic cataloging, and export. Tenants run in parallel
// under a bounded worker pool; within a tenant the stages are strictly
// ordered. Every run is recorded in the run ledger (metadata.db).
package pipeline

// CreateRunsTableSQL creates the run ledger table. One row per pipeline
// run; status moves running -> succeeded | failed exactly once.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    trigger_kind TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    error TEXT,
    tenant_count INTEGER NOT NULL DEFAULT 0
)`

// CreateRunsIndexSQL indexes runs for latest-run lookups.
const CreateRunsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`

// CreateRunStagesTableSQL creates the per-stage bookkeeping table. One
// row per (run, tenant, stage) with the stage's output row count and
// wall time.
const CreateRunStagesTableSQL = `
CREATE TABLE IF NOT EXISTS run_stages (
    run_id TEXT NOT NULL,
    tenant_slug TEXT NOT NULL,
    stage TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, tenant_slug, stage)
) WITHOUT ROWID`

// CreateCatalogsTableSQL creates the semantic catalog table. The
// classifier regenerates the full catalog every run; only the latest
// per tenant is kept.
const CreateCatalogsTableSQL = `
CREATE TABLE IF NOT EXISTS catalogs (
    tenant_slug TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    catalog_json TEXT NOT NULL,
    generated_at INTEGER NOT NULL
)`

// AllSchemaSQL returns all SQL statements needed to initialize the run
// ledger store.
func AllSchemaSQL() []string {
	return []string{
		CreateRunsTableSQL,
		CreateRunsIndexSQL,
		CreateRunStagesTableSQL,
		CreateCatalogsTableSQL,
	}
}
