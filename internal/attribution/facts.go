package attribution

import (
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/union"
	"github.com/stratalabs/strata/pkg/types"
)

// FactsFromRows turns a fact-bearing master model's hydrated rows into
// facts. The model's FactSpec names the key, user, and time columns;
// models without one produce no facts. The user reference resolves
// through the identity links when the reference is a linked anonymous
// id, otherwise it stands as the resolved user itself.
func FactsFromRows(tenant string, spec *model.Spec, rows []union.Row, links map[string]string) []types.Fact {
	if spec == nil || spec.Fact == nil {
		return nil
	}

	facts := make([]types.Fact, 0, len(rows))
	for _, row := range rows {
		fact := types.Fact{
			TenantSlug:     tenant,
			SourcePlatform: row.Text(model.ColSourcePlatform),
			Table:          spec.Table,
			FactKey:        row.Text(spec.Fact.KeyColumn),
			Columns:        row.Cells,
		}
		if occurred, ok := row.Time(spec.Fact.TimeColumn); ok {
			fact.OccurredAt = occurred
		}
		if spec.Fact.UserColumn != "" {
			fact.UserRef = row.Text(spec.Fact.UserColumn)
		}
		if fact.UserRef != "" {
			if linked, ok := links[fact.UserRef]; ok && linked != "" {
				fact.ResolvedUserID = linked
			} else {
				fact.ResolvedUserID = fact.UserRef
			}
		}
		facts = append(facts, fact)
	}
	return facts
}
