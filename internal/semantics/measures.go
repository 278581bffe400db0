package semantics

import (
	"sort"

	"github.com/stratalabs/strata/pkg/types"
)

// calcMeasureDef describes a ratio measure derived from base columns.
// The measure is attached to a model only when every required column is
// present, so adding a column to a source can light up new measures
// without any configuration change.
type calcMeasureDef struct {
	name     string
	label    string
	format   string
	requires []string
	sql      string
}

var calcMeasureDefs = []calcMeasureDef{
	{
		name:     "ctr",
		label:    "CTR",
		format:   DisplayPercent,
		requires: []string{"clicks", "impressions"},
		sql:      "CASE WHEN SUM(impressions) > 0 THEN SUM(clicks) * 1.0 / SUM(impressions) ELSE 0 END",
	},
	{
		name:     "cpc",
		label:    "CPC",
		format:   DisplayCurrency,
		requires: []string{"spend", "clicks"},
		sql:      "CASE WHEN SUM(clicks) > 0 THEN SUM(spend) / SUM(clicks) ELSE 0 END",
	},
	{
		name:     "cpm",
		label:    "CPM",
		format:   DisplayCurrency,
		requires: []string{"spend", "impressions"},
		sql:      "CASE WHEN SUM(impressions) > 0 THEN SUM(spend) * 1000.0 / SUM(impressions) ELSE 0 END",
	},
	{
		name:     "aov",
		label:    "AOV",
		format:   DisplayCurrency,
		requires: []string{"total_price", "order_id"},
		sql:      "CASE WHEN COUNT(DISTINCT order_id) > 0 THEN SUM(total_price) / COUNT(DISTINCT order_id) ELSE 0 END",
	},
	{
		name:     "conversion_rate",
		label:    "Conversion Rate",
		format:   DisplayPercent,
		requires: []string{"is_conversion_session", "session_key"},
		sql:      "CASE WHEN COUNT(DISTINCT session_key) > 0 THEN SUM(CASE WHEN is_conversion_session THEN 1 ELSE 0 END) * 1.0 / COUNT(DISTINCT session_key) ELSE 0 END",
	},
}

// inferCalculatedMeasures returns the ratio measures whose required
// columns all exist among the model's classified columns.
func inferCalculatedMeasures(columns []types.SemanticColumn) []types.CalculatedMeasure {
	present := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		present[col.ColumnName] = struct{}{}
	}

	var measures []types.CalculatedMeasure
	for _, def := range calcMeasureDefs {
		ok := true
		for _, req := range def.requires {
			if _, found := present[req]; !found {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		measures = append(measures, types.CalculatedMeasure{
			Name:   def.name,
			Label:  def.label,
			SQL:    def.sql,
			Format: def.format,
		})
	}
	return measures
}

// inferJoins wires fact models to dimension models they share an
// identifier column with. Candidate columns are the intersection of the
// two models' classified column names; `_id` suffixed matches win, ties
// break lexically so regenerated catalogs are stable.
func inferJoins(models []types.SemanticModel) {
	for i := range models {
		if models[i].TableType != "fact" {
			continue
		}
		factCols := columnNameSet(models[i].Columns)

		for j := range models {
			if models[j].TableType != "dimension" {
				continue
			}

			var shared []string
			for _, col := range models[j].Columns {
				if _, ok := factCols[col.ColumnName]; ok {
					shared = append(shared, col.ColumnName)
				}
			}
			if len(shared) == 0 {
				continue
			}
			sort.Strings(shared)

			on := shared[0]
			for _, name := range shared {
				if hasIDSuffix(name) {
					on = name
					break
				}
			}

			models[i].Joins = append(models[i].Joins, types.ModelJoin{
				To:   models[j].TableName,
				Type: "left",
				On:   on,
			})
		}
	}
}

func columnNameSet(columns []types.SemanticColumn) map[string]struct{} {
	set := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		set[col.ColumnName] = struct{}{}
	}
	return set
}

func hasIDSuffix(name string) bool {
	return len(name) > 3 && name[len(name)-3:] == "_id"
}
