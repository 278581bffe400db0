package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/logging"
)

// Postgres rejects statements with more than 65535 parameters; chunk
// inserts well under that.
const maxInsertParams = 60000

// Mirror copies output tables into a Postgres database so dashboard
// tooling can query them without touching the warehouse file. Each
// mirrored table is dropped and recreated inside one transaction, the
// same replace-per-run discipline the warehouse uses.
type Mirror struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// NewMirror connects a pgx pool to the mirror database.
func NewMirror(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Mirror, error) {
	if log == nil {
		log = logging.Nop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("export: failed to connect postgres mirror: %w", err)
	}
	return &Mirror{pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (m *Mirror) Close() {
	m.pool.Close()
}

// MirrorRun mirrors every named table for one tenant.
func (m *Mirror) MirrorRun(ctx context.Context, store TableReader, tenantSlug string, tables []string) error {
	for _, table := range tables {
		columns, rows, err := store.ReadTable(ctx, tenantSlug, table)
		if err != nil {
			return fmt.Errorf("export: failed to read table %s for mirror: %w", table, err)
		}
		if err := m.MirrorTable(ctx, tenantSlug, table, columns, rows); err != nil {
			return err
		}
	}
	return nil
}

// MirrorTable replaces one tenant table in Postgres with the given
// rows. Column types derive from the values; columns holding mixed
// types fall back to TEXT.
func (m *Mirror) MirrorTable(ctx context.Context, tenantSlug, tableName string, columns []string, rows []map[string]interface{}) error {
	target := tenantSlug + "_" + tableName
	colTypes := deriveColumnTypes(columns, rows)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("export: failed to begin mirror transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(target)); err != nil {
		return fmt.Errorf("export: failed to drop mirror table %s: %w", target, err)
	}
	if _, err := tx.Exec(ctx, buildCreateSQL(target, columns, colTypes)); err != nil {
		return fmt.Errorf("export: failed to create mirror table %s: %w", target, err)
	}

	if len(rows) > 0 {
		chunk := maxInsertParams / len(columns)
		if chunk < 1 {
			chunk = 1
		}
		for start := 0; start < len(rows); start += chunk {
			end := start + chunk
			if end > len(rows) {
				end = len(rows)
			}
			sql, args := buildInsertSQL(target, columns, colTypes, rows[start:end])
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return fmt.Errorf("export: failed to insert mirror rows into %s: %w", target, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("export: failed to commit mirror table %s: %w", target, err)
	}

	m.log.Debugw("table mirrored",
		"tenant", tenantSlug,
		"table", tableName,
		"rows", len(rows),
	)
	return nil
}

// deriveColumnTypes infers a Postgres type per column from the row
// values. All-null columns land on TEXT.
func deriveColumnTypes(columns []string, rows []map[string]interface{}) map[string]string {
	types := make(map[string]string, len(columns))
	for _, col := range columns {
		derived := ""
		for _, row := range rows {
			v := row[col]
			if v == nil {
				continue
			}
			t := pgTypeOf(v)
			if derived == "" {
				derived = t
			} else if derived != t {
				derived = "TEXT"
				break
			}
		}
		if derived == "" {
			derived = "TEXT"
		}
		types[col] = derived
	}
	return types
}

func pgTypeOf(v interface{}) string {
	switch v.(type) {
	case int64, int:
		return "BIGINT"
	case float64:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case []byte:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func buildCreateSQL(table string, columns []string, colTypes map[string]string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(col))
		b.WriteString(" ")
		b.WriteString(colTypes[col])
	}
	b.WriteString(")")
	return b.String()
}

// buildInsertSQL constructs one multi-row INSERT with numbered
// placeholders. Pure so placeholder numbering and coercion are testable
// without a database.
func buildInsertSQL(table string, columns []string, colTypes map[string]string, rows []map[string]interface{}) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(col))
	}
	b.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, coerceForColumn(row[col], colTypes[col]))
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// coerceForColumn stringifies values bound for TEXT columns that hold
// mixed types in the warehouse.
func coerceForColumn(v interface{}, colType string) interface{} {
	if v == nil {
		return nil
	}
	if colType != "TEXT" {
		return v
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
