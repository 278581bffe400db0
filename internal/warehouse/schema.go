package warehouse

// CreateRawBatchesTableSQL creates the append-only raw batch log. Row
// payloads are snappy-compressed JSON arrays; the batch id is a ULID
// string, so lexicographic order is load order.
const CreateRawBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS raw_batches (
	batch_id TEXT PRIMARY KEY,
	tenant_slug TEXT NOT NULL,
	source_platform TEXT NOT NULL,
	table_name TEXT NOT NULL,
	schema_fingerprint TEXT NOT NULL,
	schema_json TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	payload BLOB NOT NULL,
	loaded_at INTEGER NOT NULL
) WITHOUT ROWID
`

// CreateRawBatchesTenantIndexSQL supports per-tenant enumeration in load
// order.
const CreateRawBatchesTenantIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_raw_batches_tenant
ON raw_batches(tenant_slug, batch_id)
`

// CreateRawBatchesFingerprintIndexSQL supports blueprint resolution
// lookups across tenants.
const CreateRawBatchesFingerprintIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_raw_batches_fingerprint
ON raw_batches(schema_fingerprint)
`

// CreateTableStatsTableSQL tracks one stats row per materialized output
// table: row count plus the min/max of its primary time column. The
// attribution linker uses the time range to skip tenants whose sessions
// cannot intersect the lookback window.
const CreateTableStatsTableSQL = `
CREATE TABLE IF NOT EXISTS table_stats (
	tenant_slug TEXT NOT NULL,
	table_name TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	min_time INTEGER,
	max_time INTEGER,
	built_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_slug, table_name)
) WITHOUT ROWID
`

// CreateIdentityLinksTableSQL holds the permanent anonymous-to-user
// bindings. Unlike output tables this one is never rebuilt; inserts are
// OR IGNORE so an existing link survives every later run.
const CreateIdentityLinksTableSQL = `
CREATE TABLE IF NOT EXISTS identity_links (
	tenant_slug TEXT NOT NULL,
	anonymous_id TEXT NOT NULL,
	resolved_user_id TEXT NOT NULL,
	resolved_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_slug, anonymous_id)
) WITHOUT ROWID
`

// CreateIdentityStatsTableSQL keeps one identity-resolution summary row
// per tenant, replaced on every pipeline run.
const CreateIdentityStatsTableSQL = `
CREATE TABLE IF NOT EXISTS identity_stats (
	tenant_slug TEXT PRIMARY KEY,
	total_users INTEGER NOT NULL,
	resolved_customers INTEGER NOT NULL,
	anonymous_users INTEGER NOT NULL,
	resolution_rate REAL NOT NULL,
	total_events INTEGER NOT NULL,
	total_sessions INTEGER NOT NULL,
	computed_at INTEGER NOT NULL
) WITHOUT ROWID
`

// AnalyzeSQL updates SQLite query planner statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all schema statements in creation order. Running
// the list against an older store file adds any missing tables, so
// opening a store migrates it.
func AllSchemaSQL() []string {
	return []string{
		CreateRawBatchesTableSQL,
		CreateRawBatchesTenantIndexSQL,
		CreateRawBatchesFingerprintIndexSQL,
		CreateTableStatsTableSQL,
		CreateIdentityLinksTableSQL,
		CreateIdentityStatsTableSQL,
	}
}
