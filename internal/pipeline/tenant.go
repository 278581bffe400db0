package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stratalabs/strata/internal/attribution"
	"github.com/stratalabs/strata/internal/errors"
	"github.com/stratalabs/strata/internal/identity"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/semantics"
	"github.com/stratalabs/strata/internal/session"
	"github.com/stratalabs/strata/internal/union"
	"github.com/stratalabs/strata/pkg/types"
)

// SessionsTable is the logical name of the materialized sessions table.
const SessionsTable = "sessions"

// FactTableName returns the logical name of the attributed fact table
// derived from a fact-bearing master model.
func FactTableName(modelID string) string {
	return "fct_" + modelID
}

// runTenant executes the ordered stage chain for one tenant: union the
// raw batches into master model tables, materialize identity links,
// sessionize the event stream, attribute facts, regenerate the semantic
// catalog, and export the outputs. A tenant with no batches is a no-op.
func (o *Orchestrator) runTenant(ctx context.Context, runID, tenant string) (*TenantReport, error) {
	start := time.Now()
	report := &TenantReport{TenantSlug: tenant}

	// Union stage. Batches arrive in load order; every resolvable
	// blueprint contributes to exactly one master model.
	stageStart := time.Now()
	batches, err := o.store.ListBatches(ctx, tenant)
	if err != nil {
		return nil, o.stageFailed(tenant, StageUnion, err)
	}
	report.Batches = len(batches)
	if len(batches) == 0 {
		o.log.Infow("tenant has no batches, skipping", "tenant", tenant)
		report.Elapsed = time.Since(start)
		return report, nil
	}

	classified, stats, err := o.builder.Classify(ctx, batches)
	if err != nil {
		return nil, o.stageFailed(tenant, StageUnion, err)
	}
	report.Discovered = stats.Discovered
	o.recorder.DiscoveriesRecorded(tenant, stats.Discovered)

	ids := make([]string, 0, len(classified))
	for id := range classified {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make(map[string]*union.Result, len(classified))
	var materialized []string
	for _, id := range ids {
		spec, ok := o.models[id]
		if !ok {
			o.log.Warnw("batches map to an unknown master model, skipping",
				"tenant", tenant,
				"model", id,
				"batches", len(classified[id]),
			)
			continue
		}
		result, err := o.builder.Build(ctx, tenant, spec, classified[id])
		if err != nil {
			return nil, o.stageFailed(tenant, StageUnion, err)
		}
		if err := o.store.ReplaceTable(ctx, tenant, spec.Table, result.Columns, unionRows(result)); err != nil {
			return nil, o.stageFailed(tenant, StageUnion, err)
		}
		results[id] = result
		materialized = append(materialized, id)
		report.MasterRows += len(result.Rows)
	}
	o.endStage(ctx, runID, tenant, StageUnion, stageStart, report.MasterRows)

	// Identity stage. The behavioral event stream comes from the events
	// master model; tenants without one still get an empty link map.
	stageStart = time.Now()
	var events []types.Event
	if result, ok := results[model.EventsModelID]; ok {
		events = session.FromRows(tenant, result.Rows)
	}
	links, newLinks, err := o.identities.Materialize(ctx, tenant, events)
	if err != nil {
		return nil, o.stageFailed(tenant, StageIdentity, err)
	}
	report.Links = len(links)
	report.NewLinks = newLinks
	o.endStage(ctx, runID, tenant, StageIdentity, stageStart, len(links))

	// Sessions stage.
	stageStart = time.Now()
	isConversion := func(string) bool { return false }
	if eventsSpec, ok := o.models[model.EventsModelID]; ok {
		isConversion = eventsSpec.IsConversionEvent
	}
	sessions := o.sessions.Assign(tenant, events, links, isConversion)
	if err := o.store.ReplaceTable(ctx, tenant, SessionsTable, sessionColumns(), sessionRows(sessions)); err != nil {
		return nil, o.stageFailed(tenant, StageSessions, err)
	}
	identityStats := identity.ComputeStats(events, sessions, links)
	if err := o.identities.RecordStats(ctx, tenant, identityStats); err != nil {
		return nil, o.stageFailed(tenant, StageSessions, err)
	}
	report.Sessions = len(sessions)
	o.endStage(ctx, runID, tenant, StageSessions, stageStart, len(sessions))

	// Attribution stage. Each fact-bearing master model yields one
	// fct_ table carrying the resolved user and last-touch session.
	stageStart = time.Now()
	for _, id := range materialized {
		spec := o.models[id]
		if spec.Fact == nil {
			continue
		}
		facts := attribution.FactsFromRows(tenant, spec, results[id].Rows, links)
		attrStats := o.linker.Attribute(facts, sessions)
		if err := o.store.ReplaceTable(ctx, tenant, FactTableName(id), factColumns(results[id].Columns), factRows(facts, results[id].Columns)); err != nil {
			return nil, o.stageFailed(tenant, StageAttribution, err)
		}
		report.Facts += attrStats.Facts
		report.Attributed += attrStats.Attributed
		o.recorder.AttributionResolved(tenant, attrStats.Attributed, attrStats.Screened,
			attrStats.Facts-attrStats.Attributed-attrStats.Screened)
	}
	o.endStage(ctx, runID, tenant, StageAttribution, stageStart, report.Facts)

	// Catalog stage. The semantic catalog covers the master model
	// tables and the sessions table.
	stageStart = time.Now()
	tables := make([]semantics.Table, 0, len(materialized)+1)
	for _, id := range materialized {
		spec := o.models[id]
		tables = append(tables, semantics.Table{
			Subject:   spec.ID,
			TableName: spec.Table,
			TableType: spec.TableKind(),
			Columns:   results[id].Columns,
		})
	}
	tables = append(tables, semantics.Table{
		Subject:   SessionsTable,
		TableName: SessionsTable,
		TableType: model.KindFact,
		Columns:   sessionColumns(),
	})
	catalog := o.classifier.Classify(tables)
	if err := o.ledger.PutCatalog(ctx, tenant, runID, catalog); err != nil {
		return nil, o.stageFailed(tenant, StageCatalog, err)
	}
	report.CatalogColumns = len(catalog.Columns)
	o.endStage(ctx, runID, tenant, StageCatalog, stageStart, len(catalog.Columns))

	// Export stage, when a sink is configured.
	if o.exporter != nil || o.mirror != nil {
		stageStart = time.Now()
		outputs := outputTables(materialized, o.models)
		if o.exporter != nil {
			manifest, err := o.exporter.Export(ctx, tenant, runID, outputs)
			if err != nil {
				return nil, o.stageFailed(tenant, StageExport, err)
			}
			report.Artifacts = len(manifest.Artifacts)
		}
		if o.mirror != nil {
			if err := o.mirror.MirrorRun(ctx, o.store, tenant, outputs); err != nil {
				return nil, o.stageFailed(tenant, StageExport, err)
			}
		}
		o.endStage(ctx, runID, tenant, StageExport, stageStart, report.Artifacts)
	}

	report.Elapsed = time.Since(start)
	o.log.Infow("tenant pipeline complete",
		"tenant", tenant,
		"batches", report.Batches,
		"master_rows", report.MasterRows,
		"sessions", report.Sessions,
		"facts", report.Facts,
		"attributed", report.Attributed,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// endStage records one finished stage in the run ledger and the metrics
// backend.
func (o *Orchestrator) endStage(ctx context.Context, runID, tenant, stage string, start time.Time, rows int) {
	elapsed := time.Since(start)
	if err := o.ledger.RecordStage(ctx, runID, tenant, stage, int64(rows), elapsed); err != nil {
		o.log.Errorw("failed to record stage",
			"run_id", runID, "tenant", tenant, "stage", stage, "error", err)
	}
	o.recorder.StageFinished(tenant, stage, elapsed, rows)
}

func (o *Orchestrator) stageFailed(tenant, stage string, cause error) error {
	return errors.NewPipelineError(errors.CodeStageFailed,
		fmt.Sprintf("tenant %q failed during the %s stage", tenant, stage), cause).
		WithDetails(map[string]interface{}{"tenant": tenant, "stage": stage})
}

// outputTables lists every materialized output table in export order:
// master models, sessions, then the attributed fact tables.
func outputTables(materialized []string, models map[string]*model.Spec) []string {
	tables := make([]string, 0, 2*len(materialized)+1)
	for _, id := range materialized {
		tables = append(tables, models[id].Table)
	}
	tables = append(tables, SessionsTable)
	for _, id := range materialized {
		if models[id].Fact != nil {
			tables = append(tables, FactTableName(id))
		}
	}
	return tables
}

// unionRows flattens a union result into insertable row maps. Cell maps
// are shared, not copied; ReplaceTable only reads them.
func unionRows(result *union.Result) []map[string]interface{} {
	rows := make([]map[string]interface{}, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = row.Cells
	}
	return rows
}

func sessionColumns() []types.ColumnDef {
	return []types.ColumnDef{
		{Name: "session_key", Type: "TEXT"},
		{Name: "tenant_slug", Type: "TEXT"},
		{Name: "resolved_user_id", Type: "TEXT"},
		{Name: "anonymous_id", Type: "TEXT"},
		{Name: "start_at", Type: "TIMESTAMP"},
		{Name: "end_at", Type: "TIMESTAMP"},
		{Name: "event_count", Type: "BIGINT"},
		{Name: "landing_page", Type: "TEXT"},
		{Name: "source", Type: "TEXT"},
		{Name: "medium", Type: "TEXT"},
		{Name: "campaign", Type: "TEXT"},
		{Name: "is_conversion_session", Type: "BOOLEAN"},
	}
}

func sessionRows(sessions []types.Session) []map[string]interface{} {
	rows := make([]map[string]interface{}, len(sessions))
	for i, s := range sessions {
		rows[i] = map[string]interface{}{
			"session_key":           s.SessionKey,
			"tenant_slug":           s.TenantSlug,
			"resolved_user_id":      nullable(s.ResolvedUserID),
			"anonymous_id":          nullable(s.AnonymousID),
			"start_at":              s.StartAt,
			"end_at":                s.EndAt,
			"event_count":           s.EventCount,
			"landing_page":          nullable(s.LandingPage),
			"source":                nullable(s.Source),
			"medium":                nullable(s.Medium),
			"campaign":              nullable(s.Campaign),
			"is_conversion_session": s.IsConversion,
		}
	}
	return rows
}

// factColumns extends the master relation with the attribution output
// columns.
func factColumns(columns []types.ColumnDef) []types.ColumnDef {
	out := make([]types.ColumnDef, 0, len(columns)+5)
	out = append(out, columns...)
	out = append(out,
		types.ColumnDef{Name: "resolved_user_id", Type: "TEXT"},
		types.ColumnDef{Name: "attribution_session_key", Type: "TEXT"},
		types.ColumnDef{Name: "attribution_source", Type: "TEXT"},
		types.ColumnDef{Name: "attribution_medium", Type: "TEXT"},
		types.ColumnDef{Name: "attribution_campaign", Type: "TEXT"},
	)
	return out
}

// factRows builds the rows of a fct_ table. Fact column maps are shared
// with the union result cells, so each row is copied before the
// attribution values are merged in.
func factRows(facts []types.Fact, columns []types.ColumnDef) []map[string]interface{} {
	rows := make([]map[string]interface{}, len(facts))
	for i, fact := range facts {
		row := make(map[string]interface{}, len(columns)+5)
		for k, v := range fact.Columns {
			row[k] = v
		}
		row["resolved_user_id"] = nullable(fact.ResolvedUserID)
		row["attribution_session_key"] = nullable(fact.AttributionSessionKey)
		row["attribution_source"] = nullable(fact.AttributionSource)
		row["attribution_medium"] = nullable(fact.AttributionMedium)
		row["attribution_campaign"] = nullable(fact.AttributionCampaign)
		rows[i] = row
	}
	return rows
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
