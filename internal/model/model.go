// Package model declares the master model library: the logical relations
// (ad_performance, orders, events, campaigns) that physically distinct
// connector schemas union into, and the per-source field mappings that
// hydrate them. Adding a connector to a model is a mapping entry, not code.
package model

import (
	"fmt"
	"strings"

	"github.com/stratalabs/strata/internal/hydrate"
	"github.com/stratalabs/strata/pkg/types"
)

// Structural columns the union builder attaches to every row. They exist
// on every master model table ahead of the hydrated columns, and natural
// keys may reference them.
const (
	ColTenantSlug     = "tenant_slug"
	ColSourcePlatform = "source_platform"
	ColSourceTable    = "source_table"
	ColBatchID        = "batch_id"
	ColLoadedAt       = "loaded_at"
)

// StructuralColumns returns the column defs the union attaches, in the
// order they appear on materialized tables.
func StructuralColumns() []types.ColumnDef {
	return []types.ColumnDef{
		{Name: ColTenantSlug, Type: "TEXT"},
		{Name: ColSourcePlatform, Type: "TEXT"},
		{Name: ColSourceTable, Type: "TEXT"},
		{Name: ColBatchID, Type: "TEXT"},
		{Name: ColLoadedAt, Type: "TIMESTAMP"},
	}
}

// Model kinds for the semantic catalog's join inference.
const (
	KindFact      = "fact"
	KindDimension = "dimension"
)

// EventsModelID names the master model whose rows form the behavioral
// event stream consumed by the identity resolver and sessionizer.
const EventsModelID = "events"

// Spec declares one master model.
type Spec struct {
	// ID is the master model id blueprints map fingerprints to
	ID string `yaml:"id" json:"id"`

	// Table is the materialized output table name
	Table string `yaml:"table" json:"table"`

	// Kind is "fact" or "dimension"; empty means fact. Dimension
	// models join onto facts in the semantic catalog.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// NaturalKey lists the columns identifying one entity across load
	// batches; the union keeps exactly one row per key. Keys may include
	// structural columns. Rows with a NULL key component pass through
	// deduplication untouched.
	NaturalKey []string `yaml:"natural_key" json:"natural_key"`

	// ConversionEvents lists event names that mark a session as
	// converting. Only meaningful on the events model. Matching is
	// case-insensitive.
	ConversionEvents []string `yaml:"conversion_events,omitempty" json:"conversion_events,omitempty"`

	// Columns declares the hydrated output relation in storage order
	Columns []types.ColumnDef `yaml:"columns" json:"columns"`

	// Mappings holds one field mapping list per contributing source,
	// keyed by source_platform, or source_platform/source_table when one
	// platform feeds the model from more than one table
	Mappings map[string][]hydrate.FieldMapping `yaml:"mappings" json:"mappings"`

	// Fact, when set, marks the model's rows as attributable business
	// facts and names the columns the attribution linker reads.
	Fact *FactSpec `yaml:"fact,omitempty" json:"fact,omitempty"`
}

// FactSpec names the columns that turn a master model row into a fact:
// its identity, the user reference sessions are joined on, and the
// instant the attribution window counts back from.
type FactSpec struct {
	KeyColumn  string `yaml:"key_column" json:"key_column"`
	UserColumn string `yaml:"user_column,omitempty" json:"user_column,omitempty"`
	TimeColumn string `yaml:"time_column" json:"time_column"`
}

// MappingsFor returns the mapping list for a batch's source. The
// table-qualified key wins over the platform key.
func (s *Spec) MappingsFor(platform, table string) ([]hydrate.FieldMapping, bool) {
	if m, ok := s.Mappings[platform+"/"+table]; ok {
		return m, true
	}
	m, ok := s.Mappings[platform]
	return m, ok
}

// IsConversionEvent reports whether an event name is in the model's
// conversion set.
func (s *Spec) IsConversionEvent(name string) bool {
	for _, ev := range s.ConversionEvents {
		if strings.EqualFold(ev, name) {
			return true
		}
	}
	return false
}

// TableKind returns the model's kind, defaulting to fact.
func (s *Spec) TableKind() string {
	if s.Kind == KindDimension {
		return KindDimension
	}
	return KindFact
}

// HasColumn reports whether the model declares a hydrated column.
func (s *Spec) HasColumn(name string) bool {
	for _, col := range s.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// Validate checks the spec's internal consistency: every mapping list is
// well formed and only produces declared columns, and every natural key
// component is either a declared or a structural column.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("model: spec has empty id")
	}
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("model: spec %q has empty table", s.ID)
	}
	if s.Kind != "" && s.Kind != KindFact && s.Kind != KindDimension {
		return fmt.Errorf("model: spec %q has unknown kind %q", s.ID, s.Kind)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("model: spec %q declares no columns", s.ID)
	}

	structural := make(map[string]struct{})
	for _, col := range StructuralColumns() {
		structural[col.Name] = struct{}{}
	}
	for _, key := range s.NaturalKey {
		if s.HasColumn(key) {
			continue
		}
		if _, ok := structural[key]; ok {
			continue
		}
		return fmt.Errorf("model: spec %q: natural key column %q is not declared", s.ID, key)
	}

	for source, mappings := range s.Mappings {
		if err := hydrate.ValidateAll(mappings); err != nil {
			return fmt.Errorf("model: spec %q, source %q: %w", s.ID, source, err)
		}
		for _, m := range mappings {
			if !s.HasColumn(m.Name) {
				return fmt.Errorf("model: spec %q, source %q: mapping targets undeclared column %q", s.ID, source, m.Name)
			}
		}
	}

	if s.Fact != nil {
		if !s.HasColumn(s.Fact.KeyColumn) {
			return fmt.Errorf("model: spec %q: fact key column %q is not declared", s.ID, s.Fact.KeyColumn)
		}
		if !s.HasColumn(s.Fact.TimeColumn) {
			return fmt.Errorf("model: spec %q: fact time column %q is not declared", s.ID, s.Fact.TimeColumn)
		}
		if s.Fact.UserColumn != "" && !s.HasColumn(s.Fact.UserColumn) {
			return fmt.Errorf("model: spec %q: fact user column %q is not declared", s.ID, s.Fact.UserColumn)
		}
	}
	return nil
}
