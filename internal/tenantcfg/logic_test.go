package tenantcfg

import (
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/decimal"
)

func TestLogicBlock_FiltersAnd(t *testing.T) {
	rows := []map[string]interface{}{
		{"financial_status": "paid", "total_price": float64(120)},
		{"financial_status": "paid", "total_price": float64(20)},
		{"financial_status": "refunded", "total_price": float64(500)},
		{"financial_status": nil, "total_price": float64(80)},
	}
	block := &LogicBlock{
		Filters: []Filter{
			{Column: "financial_status", Op: OpEq, Value: "paid"},
			{Column: "total_price", Op: OpGt, Value: float64(50)},
		},
	}

	out := block.Apply(rows)

	if len(out) != 1 {
		t.Fatalf("filtered row count mismatch: got %d, want 1", len(out))
	}
	if out[0]["total_price"] != float64(120) {
		t.Errorf("wrong row survived: %v", out[0])
	}
}

func TestFilter_NullSemantics(t *testing.T) {
	row := map[string]interface{}{"email": nil, "status": "active"}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"is_null matches nil", Filter{Column: "email", Op: OpIsNull}, true},
		{"not_null rejects nil", Filter{Column: "email", Op: OpNotNull}, false},
		{"neq never matches nil", Filter{Column: "email", Op: OpNeq, Value: "x"}, false},
		{"eq never matches nil", Filter{Column: "email", Op: OpEq, Value: "x"}, false},
		{"gt never matches nil", Filter{Column: "email", Op: OpGt, Value: float64(1)}, false},
		{"is_null rejects value", Filter{Column: "status", Op: OpIsNull}, false},
		{"not_null matches value", Filter{Column: "status", Op: OpNotNull}, true},
		{"missing column is null", Filter{Column: "absent", Op: OpIsNull}, true},
	}
	for _, tt := range tests {
		if got := tt.f.matches(row); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFilter_InAndContains(t *testing.T) {
	row := map[string]interface{}{
		"status": "shelved",
		"source": "Google Ads",
		"code":   int64(7),
	}

	in := Filter{Column: "status", Op: OpIn, Value: []interface{}{"active", "shelved"}}
	if !in.matches(row) {
		t.Errorf("in should match listed value")
	}
	notIn := Filter{Column: "status", Op: OpNotIn, Value: []interface{}{"active", "archived"}}
	if !notIn.matches(row) {
		t.Errorf("not_in should match unlisted value")
	}
	numericIn := Filter{Column: "code", Op: OpIn, Value: []interface{}{float64(7), float64(9)}}
	if !numericIn.matches(row) {
		t.Errorf("in should compare numerically across int64 and float64")
	}
	contains := Filter{Column: "source", Op: OpContains, Value: "google"}
	if !contains.matches(row) {
		t.Errorf("contains should be case-insensitive")
	}
	noMatch := Filter{Column: "source", Op: OpContains, Value: "bing"}
	if noMatch.matches(row) {
		t.Errorf("contains should reject missing substring")
	}
}

func TestFilter_OrderedComparisons(t *testing.T) {
	row := map[string]interface{}{
		"spend":      float64(99.5),
		"clicks":     int64(10),
		"order_date": "2024-03-15",
		"created_at": time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"float gt", Filter{Column: "spend", Op: OpGt, Value: float64(50)}, true},
		{"int lte", Filter{Column: "clicks", Op: OpLte, Value: float64(10)}, true},
		{"date string lexical", Filter{Column: "order_date", Op: OpGte, Value: "2024-03-01"}, true},
		{"timestamp vs string", Filter{Column: "created_at", Op: OpGt, Value: "2024-03-01"}, true},
		{"timestamp before cutoff", Filter{Column: "created_at", Op: OpLt, Value: "2024-03-01"}, false},
		{"incomparable types", Filter{Column: "spend", Op: OpGt, Value: "high"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.matches(row); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCalculation_Eval(t *testing.T) {
	spend, _ := decimal.NewDecimal("125.50")
	rows := []map[string]interface{}{
		{"total_price": float64(100), "cost": float64(40), "spend": spend, "clicks": int64(251)},
	}
	block := &LogicBlock{
		Calculations: []Calculation{
			{Name: "profit", Left: "total_price", Op: "-", Right: "cost"},
			{Name: "margin", Left: "profit", Op: "/", Right: "total_price"},
			{Name: "tax", Left: "total_price", Op: "*", Right: float64(0.2)},
			{Name: "cpc", Left: "spend", Op: "/", Right: "clicks"},
		},
	}

	out := block.Apply(rows)
	row := out[0]

	if got := row["profit"].(decimal.Decimal).String(); got != "60" {
		t.Errorf("profit mismatch: got %s, want 60", got)
	}
	if got := row["margin"].(decimal.Decimal).String(); got != "0.6" {
		t.Errorf("margin mismatch: got %s, want 0.6", got)
	}
	if got := row["tax"].(decimal.Decimal).String(); got != "20.0" {
		t.Errorf("tax mismatch: got %s, want 20.0", got)
	}
	if got := row["cpc"].(decimal.Decimal).String(); got != "0.5" {
		t.Errorf("cpc mismatch: got %s, want 0.5", got)
	}
}

func TestCalculation_DegradesToNull(t *testing.T) {
	rows := []map[string]interface{}{
		{"revenue": float64(100), "orders": float64(0), "note": "n/a"},
	}
	block := &LogicBlock{
		Calculations: []Calculation{
			{Name: "aov", Left: "revenue", Op: "/", Right: "orders"},
			{Name: "scaled", Left: "missing", Op: "*", Right: float64(2)},
			{Name: "weird", Left: "note", Op: "+", Right: float64(1)},
		},
	}

	row := block.Apply(rows)[0]

	if row["aov"] != nil {
		t.Errorf("division by zero should yield nil, got %v", row["aov"])
	}
	if row["scaled"] != nil {
		t.Errorf("missing column should yield nil, got %v", row["scaled"])
	}
	if row["weird"] != nil {
		t.Errorf("non-numeric operand should yield nil, got %v", row["weird"])
	}
}

func TestLogicBlock_Validate(t *testing.T) {
	valid := LogicBlock{
		Filters:      []Filter{{Column: "status", Op: OpEq, Value: "paid"}},
		Calculations: []Calculation{{Name: "profit", Left: "revenue", Op: "-", Right: "cost"}},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid block rejected: %v", err)
	}

	tests := []struct {
		name string
		b    LogicBlock
	}{
		{"empty filter column", LogicBlock{Filters: []Filter{{Op: OpEq, Value: "x"}}}},
		{"unknown filter op", LogicBlock{Filters: []Filter{{Column: "a", Op: "like", Value: "x"}}}},
		{"eq without value", LogicBlock{Filters: []Filter{{Column: "a", Op: OpEq}}}},
		{"in without list", LogicBlock{Filters: []Filter{{Column: "a", Op: OpIn, Value: "x"}}}},
		{"empty calc name", LogicBlock{Calculations: []Calculation{{Left: "a", Op: "+", Right: float64(1)}}}},
		{"unknown calc op", LogicBlock{Calculations: []Calculation{{Name: "x", Left: "a", Op: "%", Right: float64(1)}}}},
		{"calc without right", LogicBlock{Calculations: []Calculation{{Name: "x", Left: "a", Op: "+"}}}},
	}
	for _, tt := range tests {
		if err := tt.b.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestLogicBlock_HashStable(t *testing.T) {
	a := LogicBlock{Filters: []Filter{{Column: "status", Op: OpEq, Value: "paid"}}}
	b := LogicBlock{Filters: []Filter{{Column: "status", Op: OpEq, Value: "paid"}}}

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if ha != hb {
		t.Errorf("equal logic should hash equal: %s vs %s", ha, hb)
	}
	if len(ha) != 32 {
		t.Errorf("hash length mismatch: got %d, want 32", len(ha))
	}

	c := LogicBlock{Filters: []Filter{{Column: "status", Op: OpEq, Value: "refunded"}}}
	hc, err := c.Hash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hc == ha {
		t.Errorf("different logic should hash differently")
	}
}

func TestLogicBlock_ApplyEmpty(t *testing.T) {
	rows := []map[string]interface{}{{"a": float64(1)}}

	var nilBlock *LogicBlock
	if out := nilBlock.Apply(rows); len(out) != 1 {
		t.Errorf("nil block should pass rows through")
	}
	empty := &LogicBlock{}
	if out := empty.Apply(rows); len(out) != 1 {
		t.Errorf("empty block should pass rows through")
	}
}
