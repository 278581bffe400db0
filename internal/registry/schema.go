// Package registry provides the connector blueprint registry backed by the
// metadata store (metadata.db). A blueprint maps a physical schema fingerprint
// to the master model whose union that schema participates in. Blueprints are
// append-only: re-registration supersedes for future resolutions while the
// full version history is retained for audit.
package registry

// CreateBlueprintsTableSQL creates the core blueprints table.
// One row per (fingerprint, version); the current mapping for a fingerprint
// is the row with the highest version.
const CreateBlueprintsTableSQL = `
CREATE TABLE IF NOT EXISTS blueprints (
    fingerprint TEXT NOT NULL,
    version INTEGER NOT NULL,
    source_platform TEXT NOT NULL,
    source_table TEXT NOT NULL,
    master_model_id TEXT NOT NULL,
    registered_at INTEGER NOT NULL,
    PRIMARY KEY (fingerprint, version)
)`

// CreateBlueprintsIndexesSQL creates indexes for blueprint lookups.
var CreateBlueprintsIndexesSQL = []string{
	// Index for enumerating the physical variants of a master model
	`CREATE INDEX IF NOT EXISTS idx_blueprints_model ON blueprints(master_model_id)`,

	// Index for audit queries over registration history
	`CREATE INDEX IF NOT EXISTS idx_blueprints_registered ON blueprints(registered_at)`,
}

// CreateDiscoveriesTableSQL creates the discoveries table.
// A discovery is a fingerprint seen on an incoming batch that no current
// blueprint resolves. Discoveries are never dropped silently: they stay
// queryable until an operator registers a blueprint for the fingerprint.
const CreateDiscoveriesTableSQL = `
CREATE TABLE IF NOT EXISTS discoveries (
    fingerprint TEXT PRIMARY KEY,
    tenant_slug TEXT NOT NULL,
    source_platform TEXT NOT NULL,
    table_name TEXT NOT NULL,
    sample_columns TEXT NOT NULL,
    batch_count INTEGER NOT NULL DEFAULT 0,
    first_seen_at INTEGER NOT NULL,
    last_seen_at INTEGER NOT NULL
)`

// CreateDiscoveriesIndexSQL creates an index for listing recent discoveries.
const CreateDiscoveriesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_discoveries_last_seen ON discoveries(last_seen_at)`

// AnalyzeSQL runs ANALYZE to keep the SQLite query planner informed about index statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all SQL statements needed to initialize the registry store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateBlueprintsTableSQL,
		CreateDiscoveriesTableSQL,
		CreateDiscoveriesIndexSQL,
	}
	statements = append(statements, CreateBlueprintsIndexesSQL...)
	return statements
}
