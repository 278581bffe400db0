package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/decimal"
	"github.com/stratalabs/strata/internal/hydrate"
	"github.com/stratalabs/strata/pkg/types"
)

// TableStat is one stats row for a materialized output table. MinTime
// and MaxTime cover the table's primary time column and are nil when the
// table has no time column or no rows with one.
type TableStat struct {
	TenantSlug string
	TableName  string
	RowCount   int64
	MinTime    *time.Time
	MaxTime    *time.Time
	BuiltAt    time.Time
}

// physicalTableName maps a (tenant, logical table) pair to the physical
// SQLite table. Tenants get disjoint tables so rebuilding one tenant
// never touches another's rows.
func physicalTableName(tenantSlug, tableName string) (string, error) {
	if err := validateIdentifier(tenantSlug); err != nil {
		return "", fmt.Errorf("warehouse: invalid tenant slug %q: %w", tenantSlug, err)
	}
	if err := validateIdentifier(tableName); err != nil {
		return "", fmt.Errorf("warehouse: invalid table name %q: %w", tableName, err)
	}
	return tenantSlug + "__" + tableName, nil
}

// validateIdentifier restricts identifiers that are interpolated into
// DDL. Quoting handles the rest, but keeping the alphabet closed means a
// slug can never smuggle SQL.
func validateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return fmt.Errorf("character %q not allowed", r)
		}
	}
	return nil
}

// sqliteType maps a declared logical type to a SQLite storage type.
// DECIMAL stays TEXT so canonical decimal strings survive untouched.
func sqliteType(declared string) string {
	switch strings.ToUpper(declared) {
	case "BIGINT", "INTEGER", "BOOLEAN":
		return "INTEGER"
	case "DOUBLE", "REAL", "FLOAT":
		return "REAL"
	case "BLOB":
		return "BLOB"
	default:
		return "TEXT"
	}
}

// ReplaceTable atomically rebuilds one tenant output table. The drop,
// create, inserts, and stats refresh commit as a single transaction, so
// readers see either the previous run's table or the new one.
func (s *SQLiteStore) ReplaceTable(ctx context.Context, tenantSlug, tableName string, columns []types.ColumnDef, rows []map[string]interface{}) error {
	if len(columns) == 0 {
		return fmt.Errorf("warehouse: cannot materialize table %q with no columns", tableName)
	}

	physical, err := physicalTableName(tenantSlug, tableName)
	if err != nil {
		return err
	}

	colDefs := make([]string, len(columns))
	colNames := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		if err := validateIdentifier(col.Name); err != nil {
			return fmt.Errorf("warehouse: invalid column name %q: %w", col.Name, err)
		}
		colDefs[i] = fmt.Sprintf("%q %s", col.Name, sqliteType(col.Type))
		colNames[i] = fmt.Sprintf("%q", col.Name)
		placeholders[i] = "?"
	}

	timeColumn := primaryTimeColumn(columns)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("warehouse: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", physical)); err != nil {
		return fmt.Errorf("warehouse: failed to drop table %q: %w", physical, err)
	}

	createSQL := fmt.Sprintf("CREATE TABLE %q (%s)", physical, strings.Join(colDefs, ", "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("warehouse: failed to create table %q: %w", physical, err)
	}

	insertSQL := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		physical, strings.Join(colNames, ", "), strings.Join(placeholders, ", "))
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("warehouse: failed to prepare insert for %q: %w", physical, err)
	}
	defer stmt.Close()

	var minTime, maxTime *int64
	args := make([]interface{}, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			bound, err := bindValue(row[col.Name])
			if err != nil {
				return err
			}
			args[i] = bound
		}

		if timeColumn != "" {
			if t, ok := hydrate.ParseTimestamp(row[timeColumn]); ok {
				unix := t.Unix()
				if minTime == nil || unix < *minTime {
					v := unix
					minTime = &v
				}
				if maxTime == nil || unix > *maxTime {
					v := unix
					maxTime = &v
				}
			}
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("warehouse: failed to insert row into %q: %w", physical, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO table_stats (tenant_slug, table_name, row_count, min_time, max_time, built_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantSlug, tableName, int64(len(rows)), minTime, maxTime, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("warehouse: failed to update table stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("warehouse: failed to commit table %q: %w", physical, err)
	}

	return nil
}

// primaryTimeColumn picks the stats time column: the first declared DATE
// or TIMESTAMP column.
func primaryTimeColumn(columns []types.ColumnDef) string {
	for _, col := range columns {
		switch strings.ToUpper(col.Type) {
		case "DATE", "TIMESTAMP":
			return col.Name
		}
	}
	return ""
}

// bindValue converts a hydrated cell into a driver-storable value.
// Timestamps store as UTC RFC3339 text, decimals as their canonical
// string form, and nested JSON fragments as serialized text.
func bindValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return x, nil
	case []byte:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case decimal.Decimal:
		return x.String(), nil
	case json.Number:
		return x.String(), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("warehouse: failed to encode cell value: %w", err)
		}
		return string(raw), nil
	}
}

// ReadTable returns an output table's column names and rows. BLOB cells
// come back as []byte, everything else as the driver's native Go type.
func (s *SQLiteStore) ReadTable(ctx context.Context, tenantSlug, tableName string) ([]string, []map[string]interface{}, error) {
	physical, err := physicalTableName(tenantSlug, tableName)
	if err != nil {
		return nil, nil, err
	}

	stmt, err := s.getOrPrepareStmt(fmt.Sprintf("SELECT * FROM %q", physical))
	if err != nil {
		return nil, nil, fmt.Errorf("warehouse: failed to prepare read for %q: %w", physical, err)
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("warehouse: failed to read table %q: %w", physical, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("warehouse: failed to list columns of %q: %w", physical, err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		cells := make([]interface{}, len(colNames))
		ptrs := make([]interface{}, len(colNames))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("warehouse: failed to scan row of %q: %w", physical, err)
		}

		row := make(map[string]interface{}, len(colNames))
		for i, name := range colNames {
			row[name] = cells[i]
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("warehouse: error iterating table %q: %w", physical, err)
	}

	return colNames, out, nil
}

// TableStats returns the stats rows for a tenant's output tables.
func (s *SQLiteStore) TableStats(ctx context.Context, tenantSlug string) ([]TableStat, error) {
	stmt, err := s.getOrPrepareStmt(`
		SELECT tenant_slug, table_name, row_count, min_time, max_time, built_at
		FROM table_stats
		WHERE tenant_slug = ?
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to prepare stats query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to query table stats: %w", err)
	}
	defer rows.Close()

	var stats []TableStat
	for rows.Next() {
		var (
			stat             TableStat
			minUnix, maxUnix *int64
			builtUnix        int64
		)
		if err := rows.Scan(&stat.TenantSlug, &stat.TableName, &stat.RowCount, &minUnix, &maxUnix, &builtUnix); err != nil {
			return nil, fmt.Errorf("warehouse: failed to scan table stats: %w", err)
		}
		if minUnix != nil {
			t := time.Unix(*minUnix, 0)
			stat.MinTime = &t
		}
		if maxUnix != nil {
			t := time.Unix(*maxUnix, 0)
			stat.MaxTime = &t
		}
		stat.BuiltAt = time.Unix(builtUnix, 0)
		stats = append(stats, stat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: error iterating table stats: %w", err)
	}

	return stats, nil
}
