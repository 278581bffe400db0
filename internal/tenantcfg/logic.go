// Package tenantcfg stores and applies per-tenant table logic: row filters
// and derived-column calculations layered onto hydrated master model
// relations. Logic is declarative and closed over the hydrated row; it can
// never join, never reach outside the relation, and never fail a run.
package tenantcfg

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/decimal"
	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/hydrate"
)

// Filter operators.
const (
	OpEq       = "="
	OpNeq      = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpIsNull   = "is_null"
	OpNotNull  = "not_null"
	OpContains = "contains"
)

// Filter keeps a row when the named column matches. NULL cells match only
// is_null; every other operator treats NULL as no-match, including !=.
type Filter struct {
	Column string      `json:"column" yaml:"column"`
	Op     string      `json:"op" yaml:"op"`
	Value  interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Calculation derives a new column from one arithmetic step. Left is always
// a column reference; Right is a column reference when it is a string and a
// constant otherwise.
type Calculation struct {
	Name  string      `json:"name" yaml:"name"`
	Left  string      `json:"left" yaml:"left"`
	Op    string      `json:"op" yaml:"op"`
	Right interface{} `json:"right" yaml:"right"`
}

// LogicBlock is the whole of a tenant's logic for one source table:
// filters first, then calculations.
type LogicBlock struct {
	Filters      []Filter      `json:"filters,omitempty" yaml:"filters,omitempty"`
	Calculations []Calculation `json:"calculations,omitempty" yaml:"calculations,omitempty"`
}

// Validate rejects malformed logic before it is stored. Application never
// errors; validation runs once at Put time.
func (b LogicBlock) Validate() error {
	for _, f := range b.Filters {
		if strings.TrimSpace(f.Column) == "" {
			return fmt.Errorf("tenantcfg: filter has empty column")
		}
		switch f.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
			if f.Value == nil {
				return fmt.Errorf("tenantcfg: filter on %q: op %q needs a value", f.Column, f.Op)
			}
		case OpIn, OpNotIn:
			if _, ok := f.Value.([]interface{}); !ok {
				return fmt.Errorf("tenantcfg: filter on %q: op %q needs a list value", f.Column, f.Op)
			}
		case OpIsNull, OpNotNull:
		default:
			return fmt.Errorf("tenantcfg: filter on %q: unknown op %q", f.Column, f.Op)
		}
	}

	for _, c := range b.Calculations {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("tenantcfg: calculation has empty name")
		}
		if strings.TrimSpace(c.Left) == "" {
			return fmt.Errorf("tenantcfg: calculation %q has empty left column", c.Name)
		}
		switch c.Op {
		case "+", "-", "*", "/":
		default:
			return fmt.Errorf("tenantcfg: calculation %q: unknown op %q", c.Name, c.Op)
		}
		if c.Right == nil {
			return fmt.Errorf("tenantcfg: calculation %q has no right operand", c.Name)
		}
	}
	return nil
}

// CanonicalJSON is the deterministic serialization the logic hash is
// computed from.
func (b LogicBlock) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("tenantcfg: failed to canonicalize logic: %w", err)
	}
	return raw, nil
}

// Hash content-addresses the block with the same murmur3 discipline used
// for schema fingerprints. Equal logic always hashes equal, so reapplying
// a tenant's onboarding is a no-op.
func (b LogicBlock) Hash() (string, error) {
	raw, err := b.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return fingerprint.SumBytes(raw), nil
}

// Apply runs the block over hydrated rows: filters first (AND semantics),
// then calculations written onto each surviving row. A calculation whose
// operands are missing, non-numeric, or divide by zero yields NULL for
// that row; it never drops the row and never errors.
func (b *LogicBlock) Apply(rows []map[string]interface{}) []map[string]interface{} {
	if b == nil || (len(b.Filters) == 0 && len(b.Calculations) == 0) {
		return rows
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if b.ApplyRow(row) {
			out = append(out, row)
		}
	}
	return out
}

// ApplyRow runs the block over one row: false means the row is filtered
// out; true means it survived, with calculations written in place.
func (b *LogicBlock) ApplyRow(row map[string]interface{}) bool {
	if b == nil {
		return true
	}
	if !b.matchesAll(row) {
		return false
	}
	for _, c := range b.Calculations {
		row[c.Name] = c.eval(row)
	}
	return true
}

func (b *LogicBlock) matchesAll(row map[string]interface{}) bool {
	for _, f := range b.Filters {
		if !f.matches(row) {
			return false
		}
	}
	return true
}

func (f Filter) matches(row map[string]interface{}) bool {
	cell := row[f.Column]

	switch f.Op {
	case OpIsNull:
		return cell == nil
	case OpNotNull:
		return cell != nil
	}
	if cell == nil {
		return false
	}

	switch f.Op {
	case OpEq:
		return equalValues(cell, f.Value)
	case OpNeq:
		return f.Value != nil && !equalValues(cell, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareValues(cell, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn, OpNotIn:
		list, ok := f.Value.([]interface{})
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if equalValues(cell, item) {
				found = true
				break
			}
		}
		if f.Op == OpIn {
			return found
		}
		return !found
	case OpContains:
		cellText, ok := toText(cell)
		if !ok {
			return false
		}
		wantText, ok := toText(f.Value)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(cellText), strings.ToLower(wantText))
	}
	return false
}

func (c Calculation) eval(row map[string]interface{}) interface{} {
	left, ok := numericCell(row, c.Left)
	if !ok {
		return nil
	}

	var right decimal.Decimal
	if column, isRef := c.Right.(string); isRef {
		right, ok = numericCell(row, column)
	} else {
		right, ok = decimal.FromValue(c.Right)
	}
	if !ok {
		return nil
	}

	switch c.Op {
	case "+":
		return left.Add(right)
	case "-":
		return left.Sub(right)
	case "*":
		return left.Mul(right)
	case "/":
		q, err := left.Div(right)
		if err != nil {
			return nil
		}
		return q
	}
	return nil
}

func numericCell(row map[string]interface{}, column string) (decimal.Decimal, bool) {
	v, present := row[column]
	if !present || v == nil {
		return decimal.Decimal{}, false
	}
	return decimal.FromValue(v)
}

// equalValues compares numerically when both sides carry numbers, by
// instant for timestamps, and by text otherwise. NULL never equals
// anything.
func equalValues(cell, want interface{}) bool {
	if cell == nil || want == nil {
		return false
	}
	if cb, okc := cell.(bool); okc {
		wb, okw := want.(bool)
		return okw && cb == wb
	}
	if cf, okc := toFloat(cell); okc {
		if wf, okw := toFloat(want); okw {
			return cf == wf
		}
	}
	if ct, okc := cell.(time.Time); okc {
		wt, okw := hydrate.ParseTimestamp(want)
		return okw && ct.Equal(wt)
	}
	cellText, okc := toText(cell)
	wantText, okw := toText(want)
	return okc && okw && cellText == wantText
}

// compareValues orders numerically, by instant for timestamps, and
// lexically when both sides are plain strings.
func compareValues(cell, want interface{}) (int, bool) {
	if cf, okc := toFloat(cell); okc {
		if wf, okw := toFloat(want); okw {
			switch {
			case cf < wf:
				return -1, true
			case cf > wf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if ct, okc := cell.(time.Time); okc {
		wt, okw := hydrate.ParseTimestamp(want)
		if !okw {
			return 0, false
		}
		switch {
		case ct.Before(wt):
			return -1, true
		case ct.After(wt):
			return 1, true
		default:
			return 0, true
		}
	}
	cs, okc := cell.(string)
	ws, okw := want.(string)
	if okc && okw {
		return strings.Compare(cs, ws), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case decimal.Decimal:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toText(v interface{}) (string, bool) {
	s, ok := hydrate.Coerce(v, hydrate.TypeText).(string)
	return s, ok
}
