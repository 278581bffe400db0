// Package semantics classifies warehouse columns into the semantic
// catalog the query layer consumes: every column becomes a dimension, a
// measure, or is skipped, measures get an inferred aggregation and
// display type, and per-model calculated measures and joins are derived
// from the columns present. The catalog regenerates in full every run.
package semantics

import (
	"strings"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/pkg/types"
)

// Display types surfaced to the query layer.
const (
	DisplayText     = "text"
	DisplayDate     = "date"
	DisplayToggle   = "toggle"
	DisplayNumber   = "number"
	DisplayCurrency = "currency"
	DisplayPercent  = "percent"
)

// Rules hold the name allowlists the classifier disambiguates integer
// columns with. Zero-value fields fall back to the defaults.
type Rules struct {
	// SkipColumns are never classified.
	SkipColumns []string

	// DimensionPatterns force an integer column to dimension when the
	// name contains one. Checked before MeasurePatterns.
	DimensionPatterns []string

	// MeasurePatterns force an integer column to measure.
	MeasurePatterns []string
}

// DefaultRules returns the built-in allowlists.
func DefaultRules() Rules {
	return Rules{
		SkipColumns: []string{
			model.ColTenantSlug,
			model.ColSourcePlatform,
			model.ColSourceTable,
			model.ColBatchID,
			model.ColLoadedAt,
		},
		DimensionPatterns: []string{
			"_id", "_key", "_slug", "_name", "_status", "_type", "_category",
			"_email", "_source", "_medium", "_campaign", "_country", "_device",
		},
		MeasurePatterns: []string{
			"total_", "count_", "num_", "sum_", "events_in_", "duration",
			"revenue", "spend", "impressions", "clicks", "conversions",
			"price", "amount", "cost",
		},
	}
}

type Classifier struct {
	rules Rules
	skip  map[string]struct{}
	log   *zap.SugaredLogger
}

// NewClassifier builds a classifier; nil rules use the defaults.
func NewClassifier(rules *Rules, log *zap.SugaredLogger) *Classifier {
	r := DefaultRules()
	if rules != nil {
		if len(rules.SkipColumns) > 0 {
			r.SkipColumns = rules.SkipColumns
		}
		if len(rules.DimensionPatterns) > 0 {
			r.DimensionPatterns = rules.DimensionPatterns
		}
		if len(rules.MeasurePatterns) > 0 {
			r.MeasurePatterns = rules.MeasurePatterns
		}
	}
	if log == nil {
		log = logging.Nop()
	}

	skip := make(map[string]struct{}, len(r.SkipColumns))
	for _, name := range r.SkipColumns {
		skip[name] = struct{}{}
	}
	return &Classifier{rules: r, skip: skip, log: log}
}

var dimensionTypes = map[string]struct{}{
	"VARCHAR": {}, "TEXT": {}, "DATE": {}, "TIMESTAMP": {}, "BOOLEAN": {}, "BOOL": {},
}

var measureTypes = map[string]struct{}{
	"DOUBLE": {}, "FLOAT": {}, "DECIMAL": {}, "REAL": {},
}

var integerTypes = map[string]struct{}{
	"BIGINT": {}, "INTEGER": {}, "INT": {}, "SMALLINT": {}, "TINYINT": {},
}

// ClassifyColumn applies the ordered rules: skip list, opaque payload
// types, clear dimension types, clear measure types, then the name
// allowlists for integers (dimension patterns first), defaulting
// ambiguous integers to measure and unknown types to dimension.
func (c *Classifier) ClassifyColumn(name, dataType string) types.SemanticRole {
	if _, ok := c.skip[name]; ok {
		return types.RoleSkip
	}

	dt := strings.ToUpper(strings.TrimSpace(dataType))
	if dt == "JSON" || dt == "BLOB" {
		return types.RoleSkip
	}
	if _, ok := dimensionTypes[dt]; ok {
		return types.RoleDimension
	}
	if _, ok := measureTypes[dt]; ok {
		return types.RoleMeasure
	}
	if _, ok := integerTypes[dt]; ok {
		lower := strings.ToLower(name)
		for _, pattern := range c.rules.DimensionPatterns {
			if strings.Contains(lower, pattern) {
				return types.RoleDimension
			}
		}
		for _, pattern := range c.rules.MeasurePatterns {
			if strings.Contains(lower, pattern) {
				return types.RoleMeasure
			}
		}
		return types.RoleMeasure
	}
	return types.RoleDimension
}

// InferAggregation picks the default aggregation for a measure column:
// durations and averages aggregate by mean, pre-aggregated counts by
// sum, identifiers by distinct count, everything else by sum.
func InferAggregation(name string) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "duration") || strings.Contains(lower, "avg") {
		return types.AggAvg
	}
	if strings.Contains(lower, "count") || strings.Contains(lower, "events_in") {
		return types.AggSum
	}
	if strings.HasSuffix(lower, "_id") {
		return types.AggCountDistinct
	}
	return types.AggSum
}

// DisplayType maps a classified column to how the query layer renders
// it. Money-named measures display as currency, rate-like ones as
// percentages.
func DisplayType(name, dataType string, role types.SemanticRole) string {
	dt := strings.ToUpper(strings.TrimSpace(dataType))
	if role == types.RoleDimension {
		switch dt {
		case "DATE", "TIMESTAMP":
			return DisplayDate
		case "BOOLEAN", "BOOL":
			return DisplayToggle
		default:
			return DisplayText
		}
	}

	lower := strings.ToLower(name)
	for _, pattern := range []string{"spend", "revenue", "price", "cost", "amount"} {
		if strings.Contains(lower, pattern) {
			return DisplayCurrency
		}
	}
	if strings.Contains(lower, "rate") || strings.Contains(lower, "ctr") {
		return DisplayPercent
	}
	return DisplayNumber
}

// IsTimeDimension reports whether a column type anchors time filtering.
func IsTimeDimension(dataType string) bool {
	dt := strings.ToUpper(strings.TrimSpace(dataType))
	return dt == "DATE" || dt == "TIMESTAMP"
}

// Table is one materialized warehouse table presented for
// classification.
type Table struct {
	Subject   string
	TableName string
	TableType string
	Columns   []types.ColumnDef
}

// Catalog is the classifier's output for one tenant.
type Catalog struct {
	Columns []types.SemanticColumn `json:"columns"`
	Models  []types.SemanticModel  `json:"models"`
}

// Classify builds the full semantic catalog for a set of tables.
func (c *Classifier) Classify(tables []Table) *Catalog {
	catalog := &Catalog{}

	for _, table := range tables {
		sm := types.SemanticModel{
			Subject:     table.Subject,
			TableName:   table.TableName,
			TableType:   table.TableType,
			Label:       titleCase(table.Subject),
			Description: titleCase(table.TableType) + ": " + table.Subject,
		}

		for _, col := range table.Columns {
			role := c.ClassifyColumn(col.Name, col.Type)
			if role == types.RoleSkip {
				continue
			}
			sc := types.SemanticColumn{
				TableName:       table.TableName,
				ColumnName:      col.Name,
				DataType:        col.Type,
				Role:            role,
				DisplayType:     DisplayType(col.Name, col.Type, role),
				IsTimeDimension: IsTimeDimension(col.Type),
			}
			if role == types.RoleMeasure {
				sc.InferredAgg = InferAggregation(col.Name)
			}
			sm.Columns = append(sm.Columns, sc)
			catalog.Columns = append(catalog.Columns, sc)
		}

		sm.CalculatedMeasures = inferCalculatedMeasures(sm.Columns)
		catalog.Models = append(catalog.Models, sm)
	}

	inferJoins(catalog.Models)

	c.log.Debugw("semantic catalog built",
		"models", len(catalog.Models),
		"columns", len(catalog.Columns),
	)
	return catalog
}

func titleCase(s string) string {
	words := strings.Split(strings.ReplaceAll(s, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
