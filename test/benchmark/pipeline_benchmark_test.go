package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/export"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/internal/warehouse"
)

// BenchmarkPipelineRunOnce measures a full modeling pass for one
// tenant: union, identity, sessionization, attribution, and the
// semantic catalog over a seeded connector library.
func BenchmarkPipelineRunOnce(b *testing.B) {
	ctx := context.Background()
	dir := b.TempDir()

	store, err := warehouse.NewStore(filepath.Join(dir, "warehouse.db"))
	if err != nil {
		b.Fatalf("failed to create warehouse: %v", err)
	}
	defer store.Close()

	metaPath := filepath.Join(dir, "metadata.db")
	reg, err := registry.NewRegistry(metaPath)
	if err != nil {
		b.Fatalf("failed to create registry: %v", err)
	}
	defer reg.Close()

	cfgs, err := tenantcfg.NewResolver(metaPath)
	if err != nil {
		b.Fatalf("failed to create tenant config resolver: %v", err)
	}
	defer cfgs.Close()

	ledger, err := pipeline.NewLedger(metaPath)
	if err != nil {
		b.Fatalf("failed to create ledger: %v", err)
	}
	defer ledger.Close()

	if _, err := reg.Seed(ctx); err != nil {
		b.Fatalf("failed to seed registry: %v", err)
	}

	events := benchRawBatch(b, "acme", "google_analytics", "events", benchEventSchema(), benchEventRows(2000))
	if err := store.AppendBatch(ctx, events); err != nil {
		b.Fatalf("failed to append events batch: %v", err)
	}
	orders := benchRawBatch(b, "acme", "shopify", "orders", benchOrderSchema(), benchOrderRows(500))
	if err := store.AppendBatch(ctx, orders); err != nil {
		b.Fatalf("failed to append orders batch: %v", err)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:    store,
		Registry: reg,
		Configs:  cfgs,
		Ledger:   ledger,
		Log:      logging.Nop(),
	}, pipeline.Options{Workers: 1})

	b.ResetTimer()
	b.ReportAllocs()

	totalRows := 0
	for i := 0; i < b.N; i++ {
		report, err := orch.RunOnce(ctx, pipeline.TriggerManual)
		if err != nil {
			b.Fatal(err)
		}
		totalRows += report.Tenants[0].MasterRows
	}

	b.ReportMetric(float64(totalRows)/b.Elapsed().Seconds(), "rows/sec")
}

// BenchmarkExportRun measures artifact encode and upload for one run's
// output table. STRATA_STORAGE_TYPE=s3 points it at a real bucket.
func BenchmarkExportRun(b *testing.B) {
	ctx := context.Background()

	store, err := warehouse.NewStore(filepath.Join(b.TempDir(), "warehouse.db"))
	if err != nil {
		b.Fatalf("failed to create warehouse: %v", err)
	}
	defer store.Close()

	columns := append(model.StructuralColumns(), model.Library()[model.EventsModelID].Columns...)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]map[string]interface{}, 5000)
	for i := range rows {
		rows[i] = map[string]interface{}{
			"tenant_slug":     "acme",
			"source_platform": "google_analytics",
			"event_id":        fmt.Sprintf("evt-%d", i),
			"event_name":      benchEventName(i),
			"event_timestamp": base.Add(time.Duration(i) * time.Second),
			"anonymous_id":    fmt.Sprintf("anon-%d", i%137),
			"utm_source":      "google",
			"utm_medium":      "cpc",
		}
	}
	if err := store.ReplaceTable(ctx, "acme", "master_events", columns, rows); err != nil {
		b.Fatalf("failed to materialize table: %v", err)
	}

	objects, cleanup := getBenchmarkStorage(b, "export-run")
	defer cleanup()
	exporter := export.NewExporter(objects, store, export.Options{Prefix: "exports"}, logging.Nop())

	b.ResetTimer()
	b.ReportAllocs()

	var totalRows int
	for i := 0; i < b.N; i++ {
		manifest, err := exporter.Export(ctx, "acme", fmt.Sprintf("bench-run-%d", i), []string{"master_events"})
		if err != nil {
			b.Fatal(err)
		}
		if len(manifest.Artifacts) != 1 {
			b.Fatalf("artifact count mismatch: got %d, want 1", len(manifest.Artifacts))
		}
		totalRows += manifest.Artifacts[0].RowCount
	}

	b.ReportMetric(float64(totalRows)/b.Elapsed().Seconds(), "rows/sec")
}
