package semantics

import (
	"testing"

	"github.com/stratalabs/strata/pkg/types"
)

func TestClassifyColumn_Roles(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		name     string
		dataType string
		want     types.SemanticRole
	}{
		{"tenant_slug", "TEXT", types.RoleSkip},
		{"batch_id", "TEXT", types.RoleSkip},
		{"loaded_at", "TIMESTAMP", types.RoleSkip},
		{"payload", "JSON", types.RoleSkip},
		{"raw_body", "BLOB", types.RoleSkip},
		{"financial_status", "VARCHAR", types.RoleDimension},
		{"created_at", "TIMESTAMP", types.RoleDimension},
		{"is_active", "BOOLEAN", types.RoleDimension},
		{"total_price", "DECIMAL", types.RoleMeasure},
		{"avg_session_duration", "DOUBLE", types.RoleMeasure},
		{"total_spend", "BIGINT", types.RoleMeasure},
		{"campaign_id", "BIGINT", types.RoleDimension},
		{"clicks", "BIGINT", types.RoleMeasure},
		{"row_seq", "BIGINT", types.RoleMeasure},
		{"mystery", "GEOGRAPHY", types.RoleDimension},
	}
	for _, tt := range tests {
		if got := c.ClassifyColumn(tt.name, tt.dataType); got != tt.want {
			t.Errorf("ClassifyColumn(%q, %q) = %v, want %v", tt.name, tt.dataType, got, tt.want)
		}
	}
}

func TestClassifyColumn_DimensionPatternsBeatMeasurePatterns(t *testing.T) {
	c := NewClassifier(nil, nil)

	// Contains both "_id" and "spend"; the identifier pattern wins.
	if got := c.ClassifyColumn("spend_account_id", "BIGINT"); got != types.RoleDimension {
		t.Errorf("role mismatch: got %v, want %v", got, types.RoleDimension)
	}
}

func TestClassifyColumn_CustomRules(t *testing.T) {
	c := NewClassifier(&Rules{SkipColumns: []string{"internal_seq"}}, nil)

	if got := c.ClassifyColumn("internal_seq", "BIGINT"); got != types.RoleSkip {
		t.Errorf("custom skip column role = %v, want %v", got, types.RoleSkip)
	}
	// Defaults still apply for the unset rule fields.
	if got := c.ClassifyColumn("tenant_slug", "TEXT"); got != types.RoleSkip {
		t.Errorf("default skip column role = %v, want %v", got, types.RoleSkip)
	}
	if got := c.ClassifyColumn("campaign_id", "BIGINT"); got != types.RoleDimension {
		t.Errorf("default pattern role = %v, want %v", got, types.RoleDimension)
	}
}

func TestInferAggregation(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"avg_session_duration", types.AggAvg},
		{"session_duration_seconds", types.AggAvg},
		{"event_count", types.AggSum},
		{"events_in_week", types.AggSum},
		{"order_id", types.AggCountDistinct},
		{"total_spend", types.AggSum},
		{"clicks", types.AggSum},
	}
	for _, tt := range tests {
		if got := InferAggregation(tt.name); got != tt.want {
			t.Errorf("InferAggregation(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDisplayType(t *testing.T) {
	tests := []struct {
		name     string
		dataType string
		role     types.SemanticRole
		want     string
	}{
		{"financial_status", "VARCHAR", types.RoleDimension, DisplayText},
		{"created_at", "TIMESTAMP", types.RoleDimension, DisplayDate},
		{"order_date", "DATE", types.RoleDimension, DisplayDate},
		{"is_conversion_session", "BOOLEAN", types.RoleDimension, DisplayToggle},
		{"total_spend", "BIGINT", types.RoleMeasure, DisplayCurrency},
		{"total_price", "DECIMAL", types.RoleMeasure, DisplayCurrency},
		{"resolution_rate", "DOUBLE", types.RoleMeasure, DisplayPercent},
		{"clicks", "BIGINT", types.RoleMeasure, DisplayNumber},
	}
	for _, tt := range tests {
		if got := DisplayType(tt.name, tt.dataType, tt.role); got != tt.want {
			t.Errorf("DisplayType(%q, %q) = %q, want %q", tt.name, tt.dataType, got, tt.want)
		}
	}
}

func TestIsTimeDimension(t *testing.T) {
	if !IsTimeDimension("TIMESTAMP") || !IsTimeDimension("DATE") {
		t.Error("TIMESTAMP and DATE should anchor time filtering")
	}
	if IsTimeDimension("TEXT") || IsTimeDimension("BIGINT") {
		t.Error("TEXT and BIGINT should not anchor time filtering")
	}
}

func adTables() []Table {
	return []Table{
		{
			Subject:   "ad_performance",
			TableName: "master_ad_performance",
			TableType: "fact",
			Columns: []types.ColumnDef{
				{Name: "tenant_slug", Type: "TEXT"},
				{Name: "source_platform", Type: "TEXT"},
				{Name: "report_date", Type: "DATE"},
				{Name: "campaign_id", Type: "BIGINT"},
				{Name: "impressions", Type: "BIGINT"},
				{Name: "clicks", Type: "BIGINT"},
				{Name: "spend", Type: "DOUBLE"},
			},
		},
		{
			Subject:   "campaigns",
			TableName: "master_campaigns",
			TableType: "dimension",
			Columns: []types.ColumnDef{
				{Name: "tenant_slug", Type: "TEXT"},
				{Name: "campaign_id", Type: "BIGINT"},
				{Name: "campaign_name", Type: "TEXT"},
				{Name: "campaign_status", Type: "TEXT"},
			},
		},
	}
}

func TestClassify_SkipsStructuralColumns(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	for _, col := range catalog.Columns {
		if col.ColumnName == "tenant_slug" || col.ColumnName == "source_platform" {
			t.Errorf("structural column %q leaked into the catalog", col.ColumnName)
		}
	}
	// 5 classified on the fact table, 3 on the dimension.
	if len(catalog.Columns) != 8 {
		t.Errorf("catalog column count mismatch: got %d, want 8", len(catalog.Columns))
	}
}

func TestClassify_ModelMetadata(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	if len(catalog.Models) != 2 {
		t.Fatalf("model count mismatch: got %d, want 2", len(catalog.Models))
	}
	ads := catalog.Models[0]
	if ads.Label != "Ad Performance" {
		t.Errorf("label mismatch: got %q, want %q", ads.Label, "Ad Performance")
	}
	if ads.Description != "Fact: ad_performance" {
		t.Errorf("description mismatch: got %q, want %q", ads.Description, "Fact: ad_performance")
	}
	if catalog.Models[1].Description != "Dimension: campaigns" {
		t.Errorf("description mismatch: got %q, want %q", catalog.Models[1].Description, "Dimension: campaigns")
	}
}

func TestClassify_CalculatedMeasures(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	ads := catalog.Models[0]
	var names []string
	for _, m := range ads.CalculatedMeasures {
		names = append(names, m.Name)
	}
	want := []string{"ctr", "cpc", "cpm"}
	if len(names) != len(want) {
		t.Fatalf("calculated measure count mismatch: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("calculated measure %d mismatch: got %q, want %q", i, names[i], want[i])
		}
	}

	if ads.CalculatedMeasures[0].Format != DisplayPercent {
		t.Errorf("ctr format mismatch: got %q, want %q", ads.CalculatedMeasures[0].Format, DisplayPercent)
	}
	if ads.CalculatedMeasures[1].SQL != "CASE WHEN SUM(clicks) > 0 THEN SUM(spend) / SUM(clicks) ELSE 0 END" {
		t.Errorf("cpc sql mismatch: got %q", ads.CalculatedMeasures[1].SQL)
	}

	// The campaigns dimension has none of the required column sets.
	if n := len(catalog.Models[1].CalculatedMeasures); n != 0 {
		t.Errorf("dimension calculated measure count mismatch: got %d, want 0", n)
	}
}

func TestClassify_OrderAndSessionMeasures(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify([]Table{
		{
			Subject:   "orders",
			TableName: "master_orders",
			TableType: "fact",
			Columns: []types.ColumnDef{
				{Name: "order_id", Type: "BIGINT"},
				{Name: "total_price", Type: "DECIMAL"},
				{Name: "financial_status", Type: "TEXT"},
			},
		},
		{
			Subject:   "sessions",
			TableName: "sessions",
			TableType: "fact",
			Columns: []types.ColumnDef{
				{Name: "session_key", Type: "TEXT"},
				{Name: "event_count", Type: "BIGINT"},
				{Name: "is_conversion_session", Type: "BOOLEAN"},
			},
		},
	})

	orders := catalog.Models[0]
	if len(orders.CalculatedMeasures) != 1 || orders.CalculatedMeasures[0].Name != "aov" {
		t.Fatalf("orders calculated measures mismatch: got %+v, want aov only", orders.CalculatedMeasures)
	}

	sessions := catalog.Models[1]
	if len(sessions.CalculatedMeasures) != 1 || sessions.CalculatedMeasures[0].Name != "conversion_rate" {
		t.Fatalf("sessions calculated measures mismatch: got %+v, want conversion_rate only", sessions.CalculatedMeasures)
	}
	if sessions.CalculatedMeasures[0].Label != "Conversion Rate" {
		t.Errorf("label mismatch: got %q, want %q", sessions.CalculatedMeasures[0].Label, "Conversion Rate")
	}
}

func TestClassify_JoinInference(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	ads := catalog.Models[0]
	if len(ads.Joins) != 1 {
		t.Fatalf("join count mismatch: got %d, want 1", len(ads.Joins))
	}
	join := ads.Joins[0]
	if join.To != "master_campaigns" || join.Type != "left" || join.On != "campaign_id" {
		t.Errorf("join mismatch: got %+v", join)
	}

	// Dimensions never originate joins.
	if len(catalog.Models[1].Joins) != 0 {
		t.Errorf("dimension join count mismatch: got %d, want 0", len(catalog.Models[1].Joins))
	}
}

func TestClassify_NoJoinWithoutSharedColumns(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify([]Table{
		{
			Subject:   "orders",
			TableName: "master_orders",
			TableType: "fact",
			Columns: []types.ColumnDef{
				{Name: "order_id", Type: "BIGINT"},
				{Name: "total_price", Type: "DECIMAL"},
			},
		},
		{
			Subject:   "campaigns",
			TableName: "master_campaigns",
			TableType: "dimension",
			Columns: []types.ColumnDef{
				{Name: "campaign_id", Type: "BIGINT"},
				{Name: "campaign_name", Type: "TEXT"},
			},
		},
	})

	if n := len(catalog.Models[0].Joins); n != 0 {
		t.Errorf("join count mismatch: got %d, want 0", n)
	}
}

func TestClassify_TimeDimensionsFlagged(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	var reportDate *types.SemanticColumn
	for i := range catalog.Columns {
		if catalog.Columns[i].ColumnName == "report_date" {
			reportDate = &catalog.Columns[i]
		}
	}
	if reportDate == nil {
		t.Fatal("report_date missing from catalog")
	}
	if !reportDate.IsTimeDimension {
		t.Error("report_date should be a time dimension")
	}
	if reportDate.Role != types.RoleDimension {
		t.Errorf("report_date role mismatch: got %v, want %v", reportDate.Role, types.RoleDimension)
	}
	if reportDate.DisplayType != DisplayDate {
		t.Errorf("report_date display mismatch: got %q, want %q", reportDate.DisplayType, DisplayDate)
	}
}

func TestClassify_MeasureAggregations(t *testing.T) {
	c := NewClassifier(nil, nil)
	catalog := c.Classify(adTables())

	byName := make(map[string]types.SemanticColumn)
	for _, col := range catalog.Columns {
		byName[col.ColumnName] = col
	}

	if got := byName["spend"].InferredAgg; got != types.AggSum {
		t.Errorf("spend aggregation mismatch: got %q, want %q", got, types.AggSum)
	}
	if got := byName["campaign_id"].InferredAgg; got != "" {
		t.Errorf("dimension aggregation mismatch: got %q, want empty", got)
	}
}
