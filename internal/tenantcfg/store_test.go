package tenantcfg

import (
	"context"
	"os"
	"testing"
)

func newTestResolver(t *testing.T) *SQLiteResolver {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "tenantcfg_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	r, err := NewResolver(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolver_PutAndResolveCurrent(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	logic := LogicBlock{
		Filters: []Filter{{Column: "financial_status", Op: OpEq, Value: "paid"}},
		Calculations: []Calculation{
			{Name: "profit", Left: "total_price", Op: "*", Right: float64(0.3)},
		},
	}

	put, err := r.Put(ctx, "acme", "shopify", "orders", logic)
	if err != nil {
		t.Fatalf("failed to put config: %v", err)
	}
	if put.LogicHash == "" {
		t.Errorf("put config should carry a logic hash")
	}

	cfg, ok, err := r.ResolveCurrent(ctx, "acme", "shopify", "orders")
	if err != nil {
		t.Fatalf("failed to resolve config: %v", err)
	}
	if !ok {
		t.Fatalf("config should resolve after put")
	}
	if cfg.LogicHash != put.LogicHash {
		t.Errorf("logic hash mismatch: got %s, want %s", cfg.LogicHash, put.LogicHash)
	}
	if len(cfg.Logic.Filters) != 1 || cfg.Logic.Filters[0].Column != "financial_status" {
		t.Errorf("filters did not round trip: %+v", cfg.Logic.Filters)
	}
	if len(cfg.Logic.Calculations) != 1 || cfg.Logic.Calculations[0].Name != "profit" {
		t.Errorf("calculations did not round trip: %+v", cfg.Logic.Calculations)
	}

	_, ok, err = r.ResolveCurrent(ctx, "acme", "shopify", "customers")
	if err != nil {
		t.Fatalf("failed to resolve missing config: %v", err)
	}
	if ok {
		t.Errorf("missing config should not resolve")
	}
}

func TestResolver_IdempotentPut(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	logic := LogicBlock{
		Filters: []Filter{{Column: "status", Op: OpNeq, Value: "cancelled"}},
	}

	first, err := r.Put(ctx, "acme", "woocommerce", "orders", logic)
	if err != nil {
		t.Fatalf("failed to put config: %v", err)
	}
	second, err := r.Put(ctx, "acme", "woocommerce", "orders", logic)
	if err != nil {
		t.Fatalf("failed to re-put config: %v", err)
	}
	if second.LogicHash != first.LogicHash {
		t.Errorf("identical logic should keep the same hash")
	}

	history, err := r.History(ctx, "acme", "woocommerce", "orders")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("idempotent put should not append: history has %d rows, want 1", len(history))
	}
}

func TestResolver_SupersedeKeepsHistory(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	v1 := LogicBlock{Filters: []Filter{{Column: "status", Op: OpEq, Value: "paid"}}}
	v2 := LogicBlock{Filters: []Filter{{Column: "status", Op: OpIn, Value: []interface{}{"paid", "partially_refunded"}}}}

	first, err := r.Put(ctx, "acme", "shopify", "orders", v1)
	if err != nil {
		t.Fatalf("failed to put v1: %v", err)
	}
	second, err := r.Put(ctx, "acme", "shopify", "orders", v2)
	if err != nil {
		t.Fatalf("failed to put v2: %v", err)
	}
	if second.LogicHash == first.LogicHash {
		t.Fatalf("changed logic should change the hash")
	}

	cfg, ok, err := r.ResolveCurrent(ctx, "acme", "shopify", "orders")
	if err != nil {
		t.Fatalf("failed to resolve config: %v", err)
	}
	if !ok {
		t.Fatalf("config should resolve")
	}
	if cfg.LogicHash != second.LogicHash {
		t.Errorf("current config mismatch: got %s, want %s", cfg.LogicHash, second.LogicHash)
	}
	if cfg.Logic.Filters[0].Op != OpIn {
		t.Errorf("current filters mismatch: %+v", cfg.Logic.Filters)
	}

	history, err := r.History(ctx, "acme", "shopify", "orders")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length mismatch: got %d, want 2", len(history))
	}
	if history[0].LogicHash != second.LogicHash || history[1].LogicHash != first.LogicHash {
		t.Errorf("history should be newest first")
	}
}

func TestResolver_ListForTenant(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	orders := LogicBlock{Filters: []Filter{{Column: "status", Op: OpEq, Value: "paid"}}}
	events := LogicBlock{Filters: []Filter{{Column: "event_name", Op: OpNotNull}}}
	ordersV2 := LogicBlock{Filters: []Filter{{Column: "status", Op: OpNotNull}}}

	if _, err := r.Put(ctx, "acme", "shopify", "orders", orders); err != nil {
		t.Fatalf("failed to put orders logic: %v", err)
	}
	if _, err := r.Put(ctx, "acme", "mixpanel", "events", events); err != nil {
		t.Fatalf("failed to put events logic: %v", err)
	}
	latest, err := r.Put(ctx, "acme", "shopify", "orders", ordersV2)
	if err != nil {
		t.Fatalf("failed to put orders v2: %v", err)
	}
	if _, err := r.Put(ctx, "other", "shopify", "orders", orders); err != nil {
		t.Fatalf("failed to put other tenant logic: %v", err)
	}

	configs, err := r.ListForTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to list configs: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("config count mismatch: got %d, want 2", len(configs))
	}
	for _, cfg := range configs {
		if cfg.TenantSlug != "acme" {
			t.Errorf("foreign tenant leaked into listing: %+v", cfg)
		}
		if cfg.SourceName == "shopify" && cfg.LogicHash != latest.LogicHash {
			t.Errorf("listing should carry the current config, got hash %s", cfg.LogicHash)
		}
	}
}

func TestResolver_RejectsInvalid(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	bad := LogicBlock{Filters: []Filter{{Column: "status", Op: "like", Value: "x"}}}
	if _, err := r.Put(ctx, "acme", "shopify", "orders", bad); err == nil {
		t.Errorf("invalid logic should be rejected")
	}
	good := LogicBlock{}
	if _, err := r.Put(ctx, "", "shopify", "orders", good); err == nil {
		t.Errorf("empty tenant should be rejected")
	}
}
