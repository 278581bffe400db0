package hydrate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/decimal"
)

func TestRow_EventPayload(t *testing.T) {
	payload := map[string]interface{}{
		"event": "Purchase Completed",
		"properties": map[string]interface{}{
			"time":        json.Number("1700000000"),
			"distinct_id": "anon-42",
			"amount":      json.Number("19.99"),
		},
	}
	mappings := []FieldMapping{
		{Name: "event_name", Path: "$.event", Type: TypeText},
		{Name: "event_timestamp", Path: "$.properties.time", Type: TypeTimestamp, Expr: "* 1000"},
		{Name: "anonymous_id", Path: "$.properties.distinct_id", Type: TypeText},
		{Name: "amount", Path: "$.properties.amount", Type: TypeDecimal},
	}

	row := Row(payload, mappings)

	if got := row["event_name"]; got != "Purchase Completed" {
		t.Errorf("event_name mismatch: got %v, want Purchase Completed", got)
	}
	ts, ok := row["event_timestamp"].(time.Time)
	if !ok {
		t.Fatalf("event_timestamp is %T, want time.Time", row["event_timestamp"])
	}
	if want := time.Unix(1700000000, 0).UTC(); !ts.Equal(want) {
		t.Errorf("event_timestamp mismatch: got %v, want %v", ts, want)
	}
	if got := row["anonymous_id"]; got != "anon-42" {
		t.Errorf("anonymous_id mismatch: got %v, want anon-42", got)
	}
}

func TestRow_MissingAndUncastableAreNull(t *testing.T) {
	payload := map[string]interface{}{
		"spend": "not-a-number",
	}
	mappings := []FieldMapping{
		{Name: "spend", Path: "$.spend", Type: TypeDouble},
		{Name: "clicks", Path: "$.clicks", Type: TypeBigint},
	}

	row := Row(payload, mappings)

	if len(row) != 2 {
		t.Fatalf("row length mismatch: got %d, want 2", len(row))
	}
	if row["spend"] != nil {
		t.Errorf("spend should be nil on cast failure, got %v", row["spend"])
	}
	if row["clicks"] != nil {
		t.Errorf("clicks should be nil when absent, got %v", row["clicks"])
	}
}

func TestValue_MicrosToDecimal(t *testing.T) {
	payload := map[string]interface{}{
		"cost_micros": json.Number("12500000"),
	}
	m := FieldMapping{Name: "spend", Path: "$.cost_micros", Type: TypeDecimal, Expr: "/ 1000000"}

	got := Value(payload, m)
	d, ok := got.(decimal.Decimal)
	if !ok {
		t.Fatalf("spend is %T, want decimal.Decimal", got)
	}
	if d.String() != "12.5" {
		t.Errorf("spend mismatch: got %s, want 12.5", d.String())
	}
}

func TestValue_StringTransforms(t *testing.T) {
	payload := map[string]interface{}{
		"email":  "  Person@Example.COM ",
		"status": "active",
	}

	lowered := Value(payload, FieldMapping{Name: "e", Path: "$.email", Type: TypeText, Expr: "lower"})
	if lowered != "  person@example.com " {
		t.Errorf("lower mismatch: got %q", lowered)
	}
	trimmed := Value(payload, FieldMapping{Name: "e", Path: "$.email", Type: TypeText, Expr: "trim"})
	if trimmed != "Person@Example.COM" {
		t.Errorf("trim mismatch: got %q", trimmed)
	}
	uppered := Value(payload, FieldMapping{Name: "s", Path: "$.status", Type: TypeText, Expr: "upper"})
	if uppered != "ACTIVE" {
		t.Errorf("upper mismatch: got %q", uppered)
	}
}

func TestExtract(t *testing.T) {
	payload := map[string]interface{}{
		"id": json.Number("7"),
		"customer": map[string]interface{}{
			"email": "a@b.c",
		},
		"line_items": []interface{}{
			map[string]interface{}{"sku": "SKU-1"},
			map[string]interface{}{"sku": "SKU-2"},
		},
		"note": nil,
	}

	tests := []struct {
		path    string
		want    interface{}
		present bool
	}{
		{"$.id", json.Number("7"), true},
		{"$.customer.email", "a@b.c", true},
		{"$.line_items[0].sku", "SKU-1", true},
		{"$.line_items[1].sku", "SKU-2", true},
		{"$.line_items[5].sku", nil, false},
		{"$.note", nil, true},
		{"$.missing", nil, false},
		{"$.customer.missing", nil, false},
		{"$.id.nested", nil, false},
	}
	for _, tt := range tests {
		got, ok := Extract(payload, tt.path)
		if ok != tt.present {
			t.Errorf("Extract(%q) presence mismatch: got %v, want %v", tt.path, ok, tt.present)
			continue
		}
		if tt.present && got != tt.want {
			t.Errorf("Extract(%q) mismatch: got %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExtract_WholePayload(t *testing.T) {
	payload := map[string]interface{}{"a": "b"}
	got, ok := Extract(payload, "$")
	if !ok {
		t.Fatalf("Extract($) should succeed")
	}
	m, isMap := got.(map[string]interface{})
	if !isMap || m["a"] != "b" {
		t.Errorf("Extract($) mismatch: got %v", got)
	}
}

func TestExtract_ParameterList(t *testing.T) {
	payload := map[string]interface{}{
		"event_params": []interface{}{
			map[string]interface{}{"key": "page_location", "value": "https://shop.example/?utm_source=facebook"},
			map[string]interface{}{"key": "ga_session_id", "value": "482915"},
		},
	}

	got, ok := Extract(payload, "$.event_params.ga_session_id")
	if !ok {
		t.Fatalf("parameter list lookup failed")
	}
	if got != "482915" {
		t.Errorf("ga_session_id mismatch: got %v", got)
	}

	if _, ok := Extract(payload, "$.event_params.missing_param"); ok {
		t.Errorf("missing parameter should not resolve")
	}

	// Positional indexing still works on the same list
	got, ok = Extract(payload, "$.event_params[0].key")
	if !ok || got != "page_location" {
		t.Errorf("positional lookup mismatch: got %v", got)
	}
}

func TestFieldMapping_Validate(t *testing.T) {
	valid := FieldMapping{Name: "spend", Path: "$.spend", Type: TypeDouble, Expr: "/ 100"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid mapping rejected: %v", err)
	}

	tests := []struct {
		name string
		m    FieldMapping
	}{
		{"empty name", FieldMapping{Path: "$.x", Type: TypeText}},
		{"relative path", FieldMapping{Name: "x", Path: "x.y", Type: TypeText}},
		{"unknown type", FieldMapping{Name: "x", Path: "$.x", Type: "VARCHAR"}},
		{"bad expr", FieldMapping{Name: "x", Path: "$.x", Type: TypeText, Expr: "reverse"}},
		{"div by zero expr", FieldMapping{Name: "x", Path: "$.x", Type: TypeDouble, Expr: "/ 0"}},
	}
	for _, tt := range tests {
		if err := tt.m.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestValidateAll_DuplicateName(t *testing.T) {
	mappings := []FieldMapping{
		{Name: "spend", Path: "$.a", Type: TypeDouble},
		{Name: "spend", Path: "$.b", Type: TypeDouble},
	}
	if err := ValidateAll(mappings); err == nil {
		t.Errorf("expected duplicate column error")
	}
}

func TestColumnName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"$.user_agent", "user_agent"},
		{"$.device.category", "device_category"},
		{"$.line_items[0].sku", "line_items_0_sku"},
	}
	for _, tt := range tests {
		if got := ColumnName(tt.path); got != tt.want {
			t.Errorf("ColumnName(%q) mismatch: got %q, want %q", tt.path, got, tt.want)
		}
	}
}
