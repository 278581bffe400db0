package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratalabs/strata/internal/hydrate"
	"github.com/stratalabs/strata/pkg/types"
)

// mappingsFile is the YAML override document. Entries are merged into the
// built-in library: known model ids are patched field by field, unknown
// ids define new models from scratch.
type mappingsFile struct {
	Models []specOverride `yaml:"models"`
}

type specOverride struct {
	ID               string                            `yaml:"id"`
	Table            string                            `yaml:"table"`
	Kind             string                            `yaml:"kind"`
	NaturalKey       []string                          `yaml:"natural_key"`
	ConversionEvents []string                          `yaml:"conversion_events"`
	Columns          []types.ColumnDef                 `yaml:"columns"`
	Mappings         map[string][]hydrate.FieldMapping `yaml:"mappings"`
	Fact             *FactSpec                         `yaml:"fact"`
}

// LoadLibrary returns the built-in library with the overrides at path
// merged in. An empty path returns the built-ins unchanged. Every spec in
// the result is validated after merging.
func LoadLibrary(path string) (map[string]*Spec, error) {
	lib := Library()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("model: failed to read mappings file: %w", err)
		}

		var file mappingsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("model: failed to parse mappings file: %w", err)
		}

		for i := range file.Models {
			if err := mergeOverride(lib, &file.Models[i]); err != nil {
				return nil, err
			}
		}
	}

	for id, s := range lib {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("model: invalid spec %q: %w", id, err)
		}
	}

	return lib, nil
}

// mergeOverride patches lib in place. Mapping lists replace the built-in
// list for their platform key wholesale; columns merge by name.
func mergeOverride(lib map[string]*Spec, o *specOverride) error {
	if o.ID == "" {
		return fmt.Errorf("model: mappings file entry missing id")
	}

	s, ok := lib[o.ID]
	if !ok {
		s = &Spec{ID: o.ID, Mappings: make(map[string][]hydrate.FieldMapping)}
		lib[o.ID] = s
	}

	if o.Table != "" {
		s.Table = o.Table
	}
	if o.Kind != "" {
		s.Kind = o.Kind
	}
	if len(o.NaturalKey) > 0 {
		s.NaturalKey = o.NaturalKey
	}
	if len(o.ConversionEvents) > 0 {
		s.ConversionEvents = o.ConversionEvents
	}
	for _, col := range o.Columns {
		upsertColumn(s, col)
	}
	if s.Mappings == nil {
		s.Mappings = make(map[string][]hydrate.FieldMapping)
	}
	for platform, fields := range o.Mappings {
		s.Mappings[platform] = fields
	}
	if o.Fact != nil {
		fact := *o.Fact
		s.Fact = &fact
	}

	return nil
}

func upsertColumn(s *Spec, col types.ColumnDef) {
	for i := range s.Columns {
		if s.Columns[i].Name == col.Name {
			s.Columns[i].Type = col.Type
			return
		}
	}
	s.Columns = append(s.Columns, col)
}
