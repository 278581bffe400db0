package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one additive column change applied to older store files.
// Earlier deployments tracked blueprints without the source table and
// discoveries without a sighting counter.
type migration struct {
	table  string
	column string
	ddl    string
}

var migrations = []migration{
	{
		table:  "blueprints",
		column: "source_table",
		ddl:    `ALTER TABLE blueprints ADD COLUMN source_table TEXT NOT NULL DEFAULT ''`,
	},
	{
		table:  "discoveries",
		column: "batch_count",
		ddl:    `ALTER TABLE discoveries ADD COLUMN batch_count INTEGER NOT NULL DEFAULT 0`,
	},
}

// migrate brings an older store file up to the current table shape.
// Only additive column changes are applied; existing rows keep their data.
func (r *SQLiteRegistry) migrate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range migrations {
		ok, err := tableHasColumn(ctx, r.db, m.table, m.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := r.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("registry: failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// tableHasColumn reports whether a table already declares a column.
func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("registry: failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("registry: failed to scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("registry: error iterating table info: %w", err)
	}
	return false, nil
}
