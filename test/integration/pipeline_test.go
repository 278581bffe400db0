package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/export"
	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/storage"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/internal/warehouse"
	"github.com/stratalabs/strata/pkg/types"
)

// pipelineHarness wires a full single-process engine: warehouse,
// registry, tenant config, run ledger, and a local object store for
// export artifacts.
type pipelineHarness struct {
	orch   *pipeline.Orchestrator
	store  *warehouse.SQLiteStore
	reg    *registry.SQLiteRegistry
	cfgs   *tenantcfg.SQLiteResolver
	ledger *pipeline.Ledger
	objDir string
}

func newPipelineHarness(t *testing.T, opts pipeline.Options) *pipelineHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := warehouse.NewStore(filepath.Join(dir, "warehouse.db"))
	if err != nil {
		t.Fatalf("failed to create warehouse: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	metaPath := filepath.Join(dir, "metadata.db")
	reg, err := registry.NewRegistry(metaPath)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cfgs, err := tenantcfg.NewResolver(metaPath)
	if err != nil {
		t.Fatalf("failed to create tenant config resolver: %v", err)
	}
	t.Cleanup(func() { cfgs.Close() })

	ledger, err := pipeline.NewLedger(metaPath)
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	objDir := filepath.Join(dir, "objects")
	objects, err := storage.NewLocalStorage(objDir)
	if err != nil {
		t.Fatalf("failed to create object storage: %v", err)
	}

	exporter := export.NewExporter(objects, store, export.Options{Prefix: "exports"}, logging.Nop())

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:    store,
		Registry: reg,
		Configs:  cfgs,
		Ledger:   ledger,
		Exporter: exporter,
		Log:      logging.Nop(),
	}, opts)

	return &pipelineHarness{
		orch:   orch,
		store:  store,
		reg:    reg,
		cfgs:   cfgs,
		ledger: ledger,
		objDir: objDir,
	}
}

var batchIDs = types.NewULIDGenerator()

func appendRaw(t *testing.T, store warehouse.Store, tenant, platform, table string, schema types.Schema, rows []map[string]interface{}) {
	t.Helper()
	id, err := batchIDs.Generate()
	if err != nil {
		t.Fatalf("failed to generate batch id: %v", err)
	}
	batch := &types.RawBatch{
		BatchID:           id,
		TenantSlug:        tenant,
		SourcePlatform:    platform,
		TableName:         table,
		SchemaFingerprint: fingerprint.Sum(schema),
		Schema:            schema,
		Rows:              rows,
		LoadedAt:          time.Now(),
	}
	if err := store.AppendBatch(context.Background(), batch); err != nil {
		t.Fatalf("failed to append batch: %v", err)
	}
}

// gaSeedSchema is the GA4 export shape the connector library ships a
// blueprint for. Resolving it must need no manual registration.
func gaSeedSchema() types.Schema {
	return types.Schema{Columns: []types.ColumnDef{
		{Name: "event_date", Type: "TEXT"},
		{Name: "event_timestamp", Type: "BIGINT"},
		{Name: "event_name", Type: "TEXT"},
		{Name: "event_params", Type: "JSON"},
		{Name: "user_pseudo_id", Type: "TEXT"},
		{Name: "user_id", Type: "TEXT"},
		{Name: "geo", Type: "JSON"},
		{Name: "traffic_source", Type: "JSON"},
		{Name: "ecommerce", Type: "JSON"},
		{Name: "device", Type: "JSON"},
	}}
}

func shopifySeedSchema() types.Schema {
	return types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Type: "BIGINT"},
		{Name: "name", Type: "TEXT"},
		{Name: "email", Type: "TEXT"},
		{Name: "total_price", Type: "DOUBLE"},
		{Name: "currency", Type: "TEXT"},
		{Name: "financial_status", Type: "TEXT"},
		{Name: "status", Type: "TEXT"},
		{Name: "customer_id", Type: "BIGINT"},
		{Name: "customer_email", Type: "TEXT"},
		{Name: "created_at", Type: "TIMESTAMP"},
		{Name: "line_items", Type: "JSON"},
	}}
}

// gaEventRow builds one raw GA4 export row. The event timestamp lands
// as epoch microseconds, the way the BigQuery export delivers it.
func gaEventRow(eventID, name string, at time.Time, anon, user, source string) map[string]interface{} {
	row := map[string]interface{}{
		"event_date":      at.UTC().Format("20060102"),
		"event_timestamp": at.UnixMicro(),
		"event_name":      name,
		"user_pseudo_id":  anon,
		"event_params": map[string]interface{}{
			"ga_session_id": "ga-" + anon,
			"page_location": "https://shop.acme.io/landing",
		},
		"traffic_source": map[string]interface{}{
			"source":   source,
			"medium":   "cpc",
			"campaign": "summer-sale",
		},
		"geo":       map[string]interface{}{"country": "US"},
		"device":    map[string]interface{}{"category": "desktop"},
		"ecommerce": map[string]interface{}{"transaction_id": eventID},
	}
	if user != "" {
		row["user_id"] = user
	}
	return row
}

func shopifyOrderRow(id int64, email, financialStatus string, total float64, createdAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":               id,
		"name":             fmt.Sprintf("#%d", id),
		"email":            email,
		"total_price":      total,
		"currency":         "USD",
		"financial_status": financialStatus,
		"status":           "closed",
		"customer_id":      id * 10,
		"customer_email":   email,
		"created_at":       createdAt.UTC().Format(time.RFC3339),
		"line_items":       []interface{}{map[string]interface{}{"sku": "TSHIRT-M", "quantity": 1}},
	}
}

// TestPipelineSeededConnectorsEndToEnd drives the full modeling pass
// over batches whose schemas resolve through the seeded connector
// library: union with tenant logic and dedup, identity resolution,
// sessionization, attribution, the semantic catalog, and export
// artifacts on the object store.
func TestPipelineSeededConnectorsEndToEnd(t *testing.T) {
	h := newPipelineHarness(t, pipeline.Options{Workers: 2})
	ctx := context.Background()

	seeded, err := h.reg.Seed(ctx)
	if err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	if seeded == 0 {
		t.Fatal("expected the connector library to register blueprints")
	}

	// Acme keeps only captured revenue in its order tables.
	if _, err := h.cfgs.Put(ctx, "acme", "shopify", "orders", tenantcfg.LogicBlock{
		Filters: []tenantcfg.Filter{
			{Column: "financial_status", Op: tenantcfg.OpEq, Value: "paid"},
		},
	}); err != nil {
		t.Fatalf("failed to store tenant logic: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	purchase := gaEventRow("evt-3", "purchase", base.Add(10*time.Minute), "anon-jane", "jane@acme.io", "google")
	purchase["ecommerce"].(map[string]interface{})["value"] = 49.99

	appendRaw(t, h.store, "acme", "google_analytics", "events", gaSeedSchema(), []map[string]interface{}{
		gaEventRow("evt-1", "page_view", base, "anon-jane", "", "google"),
		gaEventRow("evt-2", "view_item", base.Add(5*time.Minute), "anon-jane", "", "google"),
		purchase,
		gaEventRow("evt-4", "page_view", base.Add(time.Hour), "anon-bob", "", "newsletter"),
		gaEventRow("evt-5", "view_item", base.Add(65*time.Minute), "anon-bob", "", "newsletter"),
	})
	appendRaw(t, h.store, "acme", "shopify", "orders", shopifySeedSchema(), []map[string]interface{}{
		shopifyOrderRow(1001, "JANE@Acme.IO", "paid", 49.99, base.Add(20*time.Minute)),
		shopifyOrderRow(1002, "mallory@acme.io", "refunded", 75.00, base.Add(25*time.Minute)),
		shopifyOrderRow(1003, "carol@acme.io", "paid", 19.95, base.Add(40*time.Minute)),
	})
	// A later connector sync re-delivers order 1001 with an edited total.
	appendRaw(t, h.store, "acme", "shopify", "orders", shopifySeedSchema(), []map[string]interface{}{
		shopifyOrderRow(1001, "JANE@Acme.IO", "paid", 59.99, base.Add(20*time.Minute)),
	})

	report, err := h.orch.RunOnce(ctx, pipeline.TriggerManual)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Run.Status != pipeline.StatusSucceeded {
		t.Fatalf("run status mismatch: got %q, want %q", report.Run.Status, pipeline.StatusSucceeded)
	}
	if len(report.Tenants) != 1 {
		t.Fatalf("tenant report count mismatch: got %d, want %d", len(report.Tenants), 1)
	}

	tr := report.Tenants[0]
	if tr.Batches != 3 {
		t.Errorf("batch count mismatch: got %d, want %d", tr.Batches, 3)
	}
	if tr.Discovered != 0 {
		t.Errorf("discovery count mismatch: got %d, want %d", tr.Discovered, 0)
	}
	// 5 events + 2 orders: the refunded order is filtered and the
	// re-delivered order deduplicates onto its natural key.
	if tr.MasterRows != 7 {
		t.Errorf("master row count mismatch: got %d, want %d", tr.MasterRows, 7)
	}
	if tr.Links != 1 || tr.NewLinks != 1 {
		t.Errorf("link counts mismatch: got links=%d new=%d, want 1/1", tr.Links, tr.NewLinks)
	}
	if tr.Sessions != 2 {
		t.Errorf("session count mismatch: got %d, want %d", tr.Sessions, 2)
	}
	if tr.Facts != 2 || tr.Attributed != 1 {
		t.Errorf("fact counts mismatch: got facts=%d attributed=%d, want 2/1", tr.Facts, tr.Attributed)
	}
	if tr.Artifacts != 4 {
		t.Errorf("artifact count mismatch: got %d, want %d", tr.Artifacts, 4)
	}

	// The orders relation deduplicated onto the re-delivered total and
	// dropped the refunded order.
	_, orderRows, err := h.store.ReadTable(ctx, "acme", "master_orders")
	if err != nil {
		t.Fatalf("failed to read master_orders: %v", err)
	}
	if len(orderRows) != 2 {
		t.Fatalf("master_orders row count mismatch: got %d, want %d", len(orderRows), 2)
	}
	orders := map[string]map[string]interface{}{}
	for _, row := range orderRows {
		orders[row["order_id"].(string)] = row
	}
	if _, ok := orders["1002"]; ok {
		t.Error("expected the refunded order to be filtered out")
	}
	jane := orders["1001"]
	if jane == nil {
		t.Fatal("expected order 1001 in master_orders")
	}
	if jane["email"] != "jane@acme.io" {
		t.Errorf("email mismatch: got %v, want %q", jane["email"], "jane@acme.io")
	}
	if jane["total_price"] != "59.99" {
		t.Errorf("total mismatch after dedup: got %v, want %q", jane["total_price"], "59.99")
	}

	// One session per visitor; the purchase marks jane's as converting.
	_, sessRows, err := h.store.ReadTable(ctx, "acme", pipeline.SessionsTable)
	if err != nil {
		t.Fatalf("failed to read sessions: %v", err)
	}
	if len(sessRows) != 2 {
		t.Fatalf("session row count mismatch: got %d, want %d", len(sessRows), 2)
	}
	var janeSession map[string]interface{}
	for _, row := range sessRows {
		if row["resolved_user_id"] == "jane@acme.io" {
			janeSession = row
		}
	}
	if janeSession == nil {
		t.Fatal("expected a session resolved to jane@acme.io")
	}
	if janeSession["event_count"] != int64(3) {
		t.Errorf("session event count mismatch: got %v, want %d", janeSession["event_count"], 3)
	}
	if janeSession["is_conversion_session"] != int64(1) {
		t.Errorf("conversion flag mismatch: got %v, want 1", janeSession["is_conversion_session"])
	}
	if janeSession["source"] != "google" || janeSession["campaign"] != "summer-sale" {
		t.Errorf("session attribution mismatch: got source=%v campaign=%v",
			janeSession["source"], janeSession["campaign"])
	}

	// The order fact attributes to jane's session; carol never showed up
	// in the event stream, so her order stays unattributed.
	_, factRows, err := h.store.ReadTable(ctx, "acme", "fct_orders")
	if err != nil {
		t.Fatalf("failed to read fct_orders: %v", err)
	}
	if len(factRows) != 2 {
		t.Fatalf("fct_orders row count mismatch: got %d, want %d", len(factRows), 2)
	}
	facts := map[string]map[string]interface{}{}
	for _, row := range factRows {
		facts[row["order_id"].(string)] = row
	}
	if facts["1001"]["attribution_session_key"] != "anon-jane_1" {
		t.Errorf("attribution session mismatch: got %v, want %q",
			facts["1001"]["attribution_session_key"], "anon-jane_1")
	}
	if facts["1001"]["attribution_source"] != "google" || facts["1001"]["attribution_medium"] != "cpc" {
		t.Errorf("attribution touch mismatch: got source=%v medium=%v",
			facts["1001"]["attribution_source"], facts["1001"]["attribution_medium"])
	}
	if facts["1003"]["attribution_session_key"] != nil {
		t.Errorf("expected carol's order unattributed, got session %v",
			facts["1003"]["attribution_session_key"])
	}

	stats, found, err := h.store.IdentityStats(ctx, "acme")
	if err != nil || !found {
		t.Fatalf("failed to get identity stats: found=%v err=%v", found, err)
	}
	if stats.TotalUsers != 2 || stats.ResolvedCustomers != 1 {
		t.Errorf("identity stats mismatch: got users=%d resolved=%d, want 2/1",
			stats.TotalUsers, stats.ResolvedCustomers)
	}
	if stats.TotalEvents != 5 || stats.TotalSessions != 2 {
		t.Errorf("identity volume mismatch: got events=%d sessions=%d, want 5/2",
			stats.TotalEvents, stats.TotalSessions)
	}

	// Six recorded stages: union, identity, sessions, attribution,
	// catalog, export.
	run, found, err := h.ledger.Latest(ctx)
	if err != nil || !found {
		t.Fatalf("failed to get latest run: found=%v err=%v", found, err)
	}
	if run.RunID != report.Run.RunID {
		t.Errorf("run id mismatch: got %q, want %q", run.RunID, report.Run.RunID)
	}
	stages, err := h.ledger.Stages(ctx, run.RunID)
	if err != nil {
		t.Fatalf("failed to list stages: %v", err)
	}
	if len(stages) != 6 {
		t.Errorf("stage count mismatch: got %d, want %d", len(stages), 6)
	}

	catalog, found, err := h.ledger.Catalog(ctx, "acme")
	if err != nil || !found {
		t.Fatalf("failed to get catalog: found=%v err=%v", found, err)
	}
	var totalPriceRole types.SemanticRole
	for _, col := range catalog.Columns {
		if col.TableName == "master_orders" && col.ColumnName == "total_price" {
			totalPriceRole = col.Role
		}
	}
	if totalPriceRole != types.RoleMeasure {
		t.Errorf("total_price role mismatch: got %q, want %q", totalPriceRole, types.RoleMeasure)
	}

	// Artifacts for every output table landed on the object store under
	// the run's prefix, with the manifest as the contract.
	runDir := filepath.Join(h.objDir, "exports", "acme", report.Run.RunID)
	manifestData, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	var manifest export.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}
	if manifest.RunID != report.Run.RunID {
		t.Errorf("manifest run id mismatch: got %q, want %q", manifest.RunID, report.Run.RunID)
	}
	wantTables := []string{"fct_orders", "master_events", "master_orders", "sessions"}
	if len(manifest.Artifacts) != len(wantTables) {
		t.Fatalf("manifest artifact count mismatch: got %d, want %d", len(manifest.Artifacts), len(wantTables))
	}
	for i, artifact := range manifest.Artifacts {
		if artifact.Table != wantTables[i] {
			t.Errorf("artifact %d table mismatch: got %q, want %q", i, artifact.Table, wantTables[i])
		}
		if artifact.Checksum == "" {
			t.Errorf("artifact %s missing checksum", artifact.Table)
		}
	}

	artifactData, err := os.ReadFile(filepath.Join(runDir, "master_orders.json.sz"))
	if err != nil {
		t.Fatalf("failed to read orders artifact: %v", err)
	}
	columns, rows, err := export.DecodeTable(artifactData)
	if err != nil {
		t.Fatalf("failed to decode orders artifact: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("artifact row count mismatch: got %d, want %d", len(rows), 2)
	}
	if len(columns) == 0 {
		t.Error("expected artifact columns")
	}
}

// TestPipelineDiscoveryRegistrationLifecycle covers the operator loop
// for an unknown schema: the run quarantines it as a discovery, an
// operator binds the fingerprint to a master model, and the next run
// materializes the rows and clears the discovery.
func TestPipelineDiscoveryRegistrationLifecycle(t *testing.T) {
	h := newPipelineHarness(t, pipeline.Options{Workers: 1})
	ctx := context.Background()

	if _, err := h.reg.Seed(ctx); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	// A legacy shopify export carries an extra column, so its
	// fingerprint matches no seeded blueprint.
	legacy := shopifySeedSchema()
	legacy.Columns = append(legacy.Columns, types.ColumnDef{Name: "loyalty_tier", Type: "TEXT"})

	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	gold := shopifyOrderRow(2001, "dana@acme.io", "paid", 120.00, base)
	gold["loyalty_tier"] = "gold"
	silver := shopifyOrderRow(2002, "evan@acme.io", "paid", 35.50, base.Add(time.Hour))
	silver["loyalty_tier"] = "silver"
	appendRaw(t, h.store, "acme", "shopify", "orders", legacy, []map[string]interface{}{gold, silver})

	first, err := h.orch.RunOnce(ctx, pipeline.TriggerManual)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	tr := first.Tenants[0]
	if tr.Discovered != 1 {
		t.Errorf("discovery count mismatch: got %d, want %d", tr.Discovered, 1)
	}
	if tr.MasterRows != 0 || tr.Facts != 0 {
		t.Errorf("expected no materialized rows before registration: rows=%d facts=%d",
			tr.MasterRows, tr.Facts)
	}

	discoveries, err := h.reg.Discoveries(ctx)
	if err != nil {
		t.Fatalf("failed to list discoveries: %v", err)
	}
	if len(discoveries) != 1 {
		t.Fatalf("registry discovery count mismatch: got %d, want %d", len(discoveries), 1)
	}
	d := discoveries[0]
	if d.TenantSlug != "acme" || d.SourcePlatform != "shopify" || d.TableName != "orders" {
		t.Errorf("discovery source mismatch: got %s/%s for %s", d.SourcePlatform, d.TableName, d.TenantSlug)
	}
	if d.BatchCount != 1 {
		t.Errorf("discovery batch count mismatch: got %d, want %d", d.BatchCount, 1)
	}
	var sawTier bool
	for _, col := range d.SampleColumns {
		if col == "loyalty_tier" {
			sawTier = true
		}
	}
	if !sawTier {
		t.Errorf("sample columns missing loyalty_tier: got %v", d.SampleColumns)
	}

	// The operator binds the legacy shape to the orders model.
	if _, err := h.reg.Register(ctx, fingerprint.Sum(legacy), "shopify", "orders", "orders"); err != nil {
		t.Fatalf("failed to register blueprint: %v", err)
	}

	second, err := h.orch.RunOnce(ctx, pipeline.TriggerManual)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	tr = second.Tenants[0]
	if tr.Discovered != 0 {
		t.Errorf("discovery count mismatch after registration: got %d, want %d", tr.Discovered, 0)
	}
	if tr.MasterRows != 2 || tr.Facts != 2 {
		t.Errorf("materialized counts mismatch: got rows=%d facts=%d, want 2/2", tr.MasterRows, tr.Facts)
	}

	_, rows, err := h.store.ReadTable(ctx, "acme", "master_orders")
	if err != nil {
		t.Fatalf("failed to read master_orders: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("master_orders row count mismatch: got %d, want %d", len(rows), 2)
	}

	// Registration cleared the discovery queue.
	discoveries, err = h.reg.Discoveries(ctx)
	if err != nil {
		t.Fatalf("failed to list discoveries: %v", err)
	}
	if len(discoveries) != 0 {
		t.Errorf("expected an empty discovery queue, got %d", len(discoveries))
	}
}
