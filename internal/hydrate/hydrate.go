// Package hydrate applies declarative field mappings to raw connector payloads.
//
// A mapping names an output column, a dollar-rooted JSON path into the raw
// payload, a target type, and an optional transform expression. Hydration is
// total: a missing path or a failed cast produces a typed NULL (Go nil),
// never an error and never a dropped row. Adding a source platform to a
// master model is a mapping change, not a code change.
package hydrate

import (
	"fmt"
	"strings"
)

// Target types a field mapping may declare.
const (
	TypeText      = "TEXT"
	TypeBigint    = "BIGINT"
	TypeDouble    = "DOUBLE"
	TypeDecimal   = "DECIMAL"
	TypeBoolean   = "BOOLEAN"
	TypeDate      = "DATE"
	TypeTimestamp = "TIMESTAMP"
	TypeJSON      = "JSON"
)

// FieldMapping declares how one output column is derived from a raw payload.
type FieldMapping struct {
	// Name is the output column name
	Name string `json:"name" yaml:"name"`

	// Path is a dollar-rooted JSON path into the payload, e.g.
	// "$.properties.distinct_id" or "$.line_items[0].sku"
	Path string `json:"path" yaml:"path"`

	// Type is the target type the extracted value is cast to
	Type string `json:"type" yaml:"type"`

	// Expr is an optional transform applied between extraction and cast:
	// "* n", "/ n", "lower", "upper", "trim"
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Validate reports whether the mapping is well formed. Hydration itself
// never errors; validation runs once when a mapping set is loaded.
func (m FieldMapping) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("hydrate: mapping has empty name")
	}
	if !strings.HasPrefix(m.Path, "$") {
		return fmt.Errorf("hydrate: mapping %q: path %q is not dollar-rooted", m.Name, m.Path)
	}
	switch m.Type {
	case TypeText, TypeBigint, TypeDouble, TypeDecimal, TypeBoolean, TypeDate, TypeTimestamp, TypeJSON:
	default:
		return fmt.Errorf("hydrate: mapping %q: unknown target type %q", m.Name, m.Type)
	}
	if m.Expr != "" {
		if _, err := parseExpr(m.Expr); err != nil {
			return fmt.Errorf("hydrate: mapping %q: %w", m.Name, err)
		}
	}
	return nil
}

// ValidateAll validates a mapping set and rejects duplicate output names.
func ValidateAll(mappings []FieldMapping) error {
	seen := make(map[string]struct{}, len(mappings))
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("hydrate: duplicate output column %q", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// Row hydrates one raw payload through a mapping set. Every mapping
// contributes a key; values that cannot be extracted or cast are nil.
func Row(payload map[string]interface{}, mappings []FieldMapping) map[string]interface{} {
	out := make(map[string]interface{}, len(mappings))
	for _, m := range mappings {
		out[m.Name] = Value(payload, m)
	}
	return out
}

// Value hydrates a single mapping against a payload: extract, transform,
// cast. Each stage degrades to nil instead of failing.
func Value(payload map[string]interface{}, m FieldMapping) interface{} {
	v, ok := Extract(payload, m.Path)
	if !ok || v == nil {
		return nil
	}
	if m.Expr != "" {
		v = applyExpr(v, m.Expr)
		if v == nil {
			return nil
		}
	}
	return Coerce(v, m.Type)
}
