package tenantcfg

// CreateTenantConfigsTableSQL creates the tenant config history table.
// Append-only: every Put with new logic adds a row; the current config for
// a (tenant, source, table) key is the row with the highest updated_at,
// rowid breaking ties within one second.
const CreateTenantConfigsTableSQL = `
CREATE TABLE IF NOT EXISTS tenant_configs (
    tenant_slug TEXT NOT NULL,
    source_name TEXT NOT NULL,
    table_name TEXT NOT NULL,
    logic_hash TEXT NOT NULL,
    logic_json TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateTenantConfigsIndexSQL creates the lookup index for current-config
// resolution and history listing.
const CreateTenantConfigsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tenant_configs_lookup
ON tenant_configs(tenant_slug, source_name, table_name, updated_at)`

// AnalyzeSQL runs ANALYZE to keep the SQLite query planner informed about index statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all SQL statements needed to initialize the config store.
func AllSchemaSQL() []string {
	return []string{
		CreateTenantConfigsTableSQL,
		CreateTenantConfigsIndexSQL,
	}
}
