// Package union builds master model relations: it classifies a tenant's
// raw batches by their fingerprint's current blueprint, concatenates the
// batches of each model with structural columns attached, hydrates the
// declared columns, applies tenant logic, and deduplicates on the
// model's natural key with the latest batch winning.
package union

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/hydrate"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/pkg/types"
)

// Classified is one raw batch paired with the blueprint its fingerprint
// currently resolves to.
type Classified struct {
	Batch     *types.RawBatch
	Blueprint *registry.Blueprint
}

// ClassifyStats summarizes one classification pass.
type ClassifyStats struct {
	// Batches is the number of batches examined
	Batches int

	// Discovered is the number of batches whose fingerprint had no
	// blueprint; each was recorded as a discovery and skipped
	Discovered int
}

// Result is one built master model relation.
type Result struct {
	Spec *model.Spec

	// Columns is the output relation: structural columns followed by the
	// model's declared columns
	Columns []types.ColumnDef

	// Rows is the deduplicated relation in first-seen key order
	Rows []Row

	// Batches is the number of contributing batches
	Batches int

	// InputRows is the sum of contributing batch row counts; the
	// concatenation step emits exactly this many rows
	InputRows int

	// Filtered is the number of rows removed by tenant logic
	Filtered int

	// Deduped is the number of rows superseded by a later batch's row
	// with the same natural key
	Deduped int
}

// Row is one union output row. Cells holds the structural and hydrated
// column values; Payload is the untouched raw record it came from.
type Row struct {
	Cells   map[string]interface{}
	Payload map[string]interface{}
}

// Builder classifies batches and builds model relations.
type Builder struct {
	registry registry.Registry
	configs  tenantcfg.Resolver
	log      *zap.SugaredLogger
}

// NewBuilder creates a union builder.
func NewBuilder(reg registry.Registry, configs tenantcfg.Resolver, log *zap.SugaredLogger) *Builder {
	return &Builder{registry: reg, configs: configs, log: log}
}

// Classify partitions a tenant's batches by the master model their
// fingerprint currently resolves to. Unresolved fingerprints are
// recorded as discoveries and skipped; classification never fails on
// unknown schemas.
func (b *Builder) Classify(ctx context.Context, batches []*types.RawBatch) (map[string][]Classified, *ClassifyStats, error) {
	byModel := make(map[string][]Classified)
	stats := &ClassifyStats{Batches: len(batches)}

	for _, batch := range batches {
		bp, ok, err := b.registry.Resolve(ctx, batch.SchemaFingerprint)
		if err != nil {
			return nil, nil, fmt.Errorf("union: failed to resolve fingerprint %s: %w", batch.SchemaFingerprint, err)
		}
		if !ok {
			stats.Discovered++
			if err := b.recordDiscovery(ctx, batch); err != nil {
				// Discovery bookkeeping is best-effort; the batch is
				// skipped either way.
				b.log.Warnw("failed to record schema discovery",
					"tenant", batch.TenantSlug,
					"fingerprint", batch.SchemaFingerprint,
					"error", err)
			}
			continue
		}

		byModel[bp.MasterModelID] = append(byModel[bp.MasterModelID], Classified{Batch: batch, Blueprint: bp})
	}

	return byModel, stats, nil
}

func (b *Builder) recordDiscovery(ctx context.Context, batch *types.RawBatch) error {
	columns := make([]string, len(batch.Schema.Columns))
	for i, col := range batch.Schema.Columns {
		columns[i] = col.Name
	}

	return b.registry.RecordDiscovery(ctx, &registry.Discovery{
		Fingerprint:    batch.SchemaFingerprint,
		TenantSlug:     batch.TenantSlug,
		SourcePlatform: batch.SourcePlatform,
		TableName:      batch.TableName,
		SampleColumns:  columns,
	})
}

// Build unions one model's classified batches into its output relation.
// Batches must be in load order (batch id ascending), which ListBatches
// guarantees; later batches win deduplication.
func (b *Builder) Build(ctx context.Context, tenantSlug string, spec *model.Spec, classified []Classified) (*Result, error) {
	result := &Result{
		Spec:    spec,
		Columns: append(model.StructuralColumns(), spec.Columns...),
		Batches: len(classified),
	}

	var out []Row
	keyIndex := make(map[string]int)

	for _, cb := range classified {
		batch := cb.Batch
		result.InputRows += len(batch.Rows)

		mappings, ok := spec.MappingsFor(cb.Blueprint.SourcePlatform, cb.Blueprint.SourceTable)
		if !ok {
			// The blueprint binds this schema to the model but the model
			// has no mapping list for the source: rows union with every
			// declared column NULL rather than being dropped.
			b.log.Warnw("no field mappings for source, hydrating structural columns only",
				"tenant", tenantSlug,
				"model", spec.ID,
				"source_platform", cb.Blueprint.SourcePlatform,
				"source_table", cb.Blueprint.SourceTable)
		}

		logic, err := b.currentLogic(ctx, batch)
		if err != nil {
			return nil, err
		}

		for _, payload := range batch.Rows {
			cells := hydrate.Row(payload, mappings)
			cells[model.ColTenantSlug] = batch.TenantSlug
			cells[model.ColSourcePlatform] = batch.SourcePlatform
			cells[model.ColSourceTable] = batch.TableName
			cells[model.ColBatchID] = batch.BatchID.String()
			cells[model.ColLoadedAt] = batch.LoadedAt

			if !logic.ApplyRow(cells) {
				result.Filtered++
				continue
			}

			row := Row{Cells: cells, Payload: payload}
			key, hasKey := naturalKey(spec, cells)
			if !hasKey {
				out = append(out, row)
				continue
			}
			if i, seen := keyIndex[key]; seen {
				out[i] = row
				result.Deduped++
				continue
			}
			keyIndex[key] = len(out)
			out = append(out, row)
		}
	}

	result.Rows = out
	return result, nil
}

// currentLogic resolves the tenant's current logic for a batch's source.
// A nil LogicBlock applies as the identity.
func (b *Builder) currentLogic(ctx context.Context, batch *types.RawBatch) (*tenantcfg.LogicBlock, error) {
	cfg, ok, err := b.configs.ResolveCurrent(ctx, batch.TenantSlug, batch.SourcePlatform, batch.TableName)
	if err != nil {
		return nil, fmt.Errorf("union: failed to resolve tenant logic: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &cfg.Logic, nil
}

// naturalKey builds the dedup key for a row. A row missing any key
// component (NULL) has no key and passes through deduplication.
func naturalKey(spec *model.Spec, cells map[string]interface{}) (string, bool) {
	if len(spec.NaturalKey) == 0 {
		return "", false
	}

	parts := make([]string, len(spec.NaturalKey))
	for i, col := range spec.NaturalKey {
		v := cells[col]
		if v == nil {
			return "", false
		}
		text, ok := hydrate.Coerce(v, hydrate.TypeText).(string)
		if !ok {
			return "", false
		}
		parts[i] = text
	}
	return strings.Join(parts, "\x00"), true
}
