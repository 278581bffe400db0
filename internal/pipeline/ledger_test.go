package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/semantics"
	"github.com/stratalabs/strata/pkg/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	file, err := os.CreateTemp("", "ledger_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	file.Close()
	t.Cleanup(func() { os.Remove(file.Name()) })

	ledger, err := NewLedger(file.Name())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestLedger_BeginFinishRoundtrip(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Begin(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("failed to begin run: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected a non-empty run id")
	}
	if run.Status != StatusRunning {
		t.Errorf("status mismatch: got %q, want %q", run.Status, StatusRunning)
	}

	got, found, err := ledger.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if !found {
		t.Fatal("expected the run to be found")
	}
	if got.Trigger != TriggerManual {
		t.Errorf("trigger mismatch: got %q, want %q", got.Trigger, TriggerManual)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("expected a zero finish time while running, got %v", got.FinishedAt)
	}

	if err := ledger.Finish(ctx, run.RunID, StatusSucceeded, "", 3); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, found, err = ledger.Get(ctx, run.RunID)
	if err != nil || !found {
		t.Fatalf("failed to get finished run: found=%v err=%v", found, err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status mismatch: got %q, want %q", got.Status, StatusSucceeded)
	}
	if got.TenantCount != 3 {
		t.Errorf("tenant count mismatch: got %d, want %d", got.TenantCount, 3)
	}
	if got.FinishedAt.IsZero() {
		t.Error("expected a finish time on a finished run")
	}
	if got.Error != "" {
		t.Errorf("expected no error message, got %q", got.Error)
	}
}

func TestLedger_FinishRecordsFailure(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Begin(ctx, TriggerInterval)
	if err != nil {
		t.Fatalf("failed to begin run: %v", err)
	}
	if err := ledger.Finish(ctx, run.RunID, StatusFailed, "warehouse unreachable", 1); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, found, err := ledger.Get(ctx, run.RunID)
	if err != nil || !found {
		t.Fatalf("failed to get run: found=%v err=%v", found, err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status mismatch: got %q, want %q", got.Status, StatusFailed)
	}
	if got.Error != "warehouse unreachable" {
		t.Errorf("error message mismatch: got %q, want %q", got.Error, "warehouse unreachable")
	}
}

func TestLedger_LatestPicksMostRecentRun(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, found, err := ledger.Latest(ctx); err != nil || found {
		t.Fatalf("expected no latest run on an empty ledger: found=%v err=%v", found, err)
	}

	first, err := ledger.Begin(ctx, TriggerStartup)
	if err != nil {
		t.Fatalf("failed to begin first run: %v", err)
	}
	second, err := ledger.Begin(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("failed to begin second run: %v", err)
	}

	got, found, err := ledger.Latest(ctx)
	if err != nil {
		t.Fatalf("failed to get latest run: %v", err)
	}
	if !found {
		t.Fatal("expected a latest run")
	}
	if got.RunID != second.RunID {
		t.Errorf("latest run mismatch: got %q, want %q", got.RunID, second.RunID)
	}
	if got.RunID == first.RunID {
		t.Error("latest returned the older run")
	}
}

func TestLedger_RecordStageReplacesAndOrders(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Begin(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("failed to begin run: %v", err)
	}

	if err := ledger.RecordStage(ctx, run.RunID, "acme", StageUnion, 42, 1500*time.Millisecond); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}
	if err := ledger.RecordStage(ctx, run.RunID, "acme", StageSessions, 7, 30*time.Millisecond); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}
	if err := ledger.RecordStage(ctx, run.RunID, "globex", StageUnion, 9, 5*time.Millisecond); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}
	// Re-recording the same stage replaces the row.
	if err := ledger.RecordStage(ctx, run.RunID, "acme", StageUnion, 50, 1800*time.Millisecond); err != nil {
		t.Fatalf("failed to re-record stage: %v", err)
	}

	stages, err := ledger.Stages(ctx, run.RunID)
	if err != nil {
		t.Fatalf("failed to list stages: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("stage count mismatch: got %d, want %d", len(stages), 3)
	}

	if stages[0].TenantSlug != "acme" || stages[0].Stage != StageSessions {
		t.Errorf("first stage mismatch: got %s/%s, want acme/%s", stages[0].TenantSlug, stages[0].Stage, StageSessions)
	}
	if stages[1].Stage != StageUnion || stages[1].Rows != 50 {
		t.Errorf("replaced stage mismatch: got %s rows=%d, want %s rows=50", stages[1].Stage, stages[1].Rows, StageUnion)
	}
	if stages[1].Duration != 1800*time.Millisecond {
		t.Errorf("stage duration mismatch: got %v, want %v", stages[1].Duration, 1800*time.Millisecond)
	}
	if stages[2].TenantSlug != "globex" {
		t.Errorf("last stage tenant mismatch: got %q, want %q", stages[2].TenantSlug, "globex")
	}
}

func TestLedger_PruneRunsDeletesExpiredHistory(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	old, err := ledger.Begin(ctx, TriggerInterval)
	if err != nil {
		t.Fatalf("failed to begin old run: %v", err)
	}
	if err := ledger.RecordStage(ctx, old.RunID, "acme", StageUnion, 10, time.Second); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}
	if err := ledger.Finish(ctx, old.RunID, StatusSucceeded, "", 1); err != nil {
		t.Fatalf("failed to finish old run: %v", err)
	}

	// Age the run past the cutoff.
	_, err = ledger.db.ExecContext(ctx, `UPDATE runs SET started_at = ? WHERE run_id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), old.RunID)
	if err != nil {
		t.Fatalf("failed to age run: %v", err)
	}

	fresh, err := ledger.Begin(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("failed to begin fresh run: %v", err)
	}

	pruned, err := ledger.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != old.RunID {
		t.Fatalf("pruned runs mismatch: got %v, want [%s]", pruned, old.RunID)
	}

	if _, found, err := ledger.Get(ctx, old.RunID); err != nil || found {
		t.Errorf("expected the old run to be gone: found=%v err=%v", found, err)
	}
	stages, err := ledger.Stages(ctx, old.RunID)
	if err != nil {
		t.Fatalf("failed to list stages: %v", err)
	}
	if len(stages) != 0 {
		t.Errorf("expected no stages for the pruned run, got %d", len(stages))
	}
	if _, found, err := ledger.Get(ctx, fresh.RunID); err != nil || !found {
		t.Errorf("expected the fresh run to survive: found=%v err=%v", found, err)
	}

	again, err := ledger.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune a second time: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected nothing left to prune, got %v", again)
	}
}

func testCatalog(subject string, models int) *semantics.Catalog {
	catalog := &semantics.Catalog{}
	for i := 0; i < models; i++ {
		col := types.SemanticColumn{
			TableName:  subject,
			ColumnName: "total_price",
			DataType:   "DECIMAL",
			Role:       types.RoleMeasure,
		}
		catalog.Columns = append(catalog.Columns, col)
		catalog.Models = append(catalog.Models, types.SemanticModel{
			Subject:   subject,
			TableName: subject,
			TableType: "fact",
			Columns:   []types.SemanticColumn{col},
		})
	}
	return catalog
}

func TestLedger_CatalogRoundtrip(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, found, err := ledger.Catalog(ctx, "acme"); err != nil || found {
		t.Fatalf("expected no catalog before the first run: found=%v err=%v", found, err)
	}

	if err := ledger.PutCatalog(ctx, "acme", "run-1", testCatalog("master_orders", 1)); err != nil {
		t.Fatalf("failed to put catalog: %v", err)
	}

	got, found, err := ledger.Catalog(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get catalog: %v", err)
	}
	if !found {
		t.Fatal("expected the catalog to be found")
	}
	if len(got.Models) != 1 {
		t.Fatalf("model count mismatch: got %d, want %d", len(got.Models), 1)
	}
	if got.Models[0].Subject != "master_orders" {
		t.Errorf("subject mismatch: got %q, want %q", got.Models[0].Subject, "master_orders")
	}

	// A later run replaces the tenant's catalog wholesale.
	if err := ledger.PutCatalog(ctx, "acme", "run-2", testCatalog("master_orders", 2)); err != nil {
		t.Fatalf("failed to replace catalog: %v", err)
	}
	got, _, err = ledger.Catalog(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get replaced catalog: %v", err)
	}
	if len(got.Models) != 2 {
		t.Errorf("replaced model count mismatch: got %d, want %d", len(got.Models), 2)
	}

	if err := ledger.PutCatalog(ctx, "globex", "run-2", testCatalog("master_events", 1)); err != nil {
		t.Fatalf("failed to put second tenant catalog: %v", err)
	}
	all, err := ledger.Catalogs(ctx)
	if err != nil {
		t.Fatalf("failed to list catalogs: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("catalog count mismatch: got %d, want %d", len(all), 2)
	}
	if all["globex"] == nil || len(all["globex"].Models) != 1 {
		t.Error("expected the globex catalog in the listing")
	}
}
