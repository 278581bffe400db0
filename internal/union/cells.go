package union

import (
	"time"

	"github.com/stratalabs/strata/internal/hydrate"
)

// Text returns a cell coerced to its text form, or "" when the cell is
// NULL or absent.
func (r Row) Text(column string) string {
	v, ok := r.Cells[column]
	if !ok || v == nil {
		return ""
	}
	s, _ := hydrate.Coerce(v, hydrate.TypeText).(string)
	return s
}

// Time returns a TIMESTAMP cell, or false when the cell is NULL, absent,
// or not a timestamp.
func (r Row) Time(column string) (time.Time, bool) {
	t, ok := r.Cells[column].(time.Time)
	return t, ok
}
