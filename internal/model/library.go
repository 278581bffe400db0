package model

import (
	"github.com/stratalabs/strata/internal/hydrate"
	"github.com/stratalabs/strata/pkg/types"
)

// fm builds a field mapping; a trailing argument is the transform
// expression.
func fm(name, path, typ string, expr ...string) hydrate.FieldMapping {
	m := hydrate.FieldMapping{Name: name, Path: path, Type: typ}
	if len(expr) > 0 {
		m.Expr = expr[0]
	}
	return m
}

// Library returns the built-in master model specs keyed by id. Each call
// builds fresh copies, so callers may merge overrides without aliasing.
func Library() map[string]*Spec {
	specs := []*Spec{
		adPerformanceSpec(),
		ordersSpec(),
		eventsSpec(),
		campaignsSpec(),
	}
	lib := make(map[string]*Spec, len(specs))
	for _, s := range specs {
		lib[s.ID] = s
	}
	return lib
}

// adPerformanceSpec is the unified daily ad delivery fact. Sources report
// at different grains: facebook, google, and tiktok land ad-level rows,
// linkedin campaign-level, bing account-level, amazon catalog rows with
// no date. Finer keys stay NULL for coarser sources.
func adPerformanceSpec() *Spec {
	return &Spec{
		ID:         "ad_performance",
		Table:      "master_ad_performance",
		NaturalKey: []string{"report_date", "campaign_id", "adset_id", "ad_id", ColSourcePlatform},
		Columns: []types.ColumnDef{
			{Name: "report_date", Type: "DATE"},
			{Name: "account_ref", Type: "TEXT"},
			{Name: "campaign_id", Type: "TEXT"},
			{Name: "adset_id", Type: "TEXT"},
			{Name: "ad_id", Type: "TEXT"},
			{Name: "spend", Type: "DECIMAL"},
			{Name: "impressions", Type: "BIGINT"},
			{Name: "clicks", Type: "BIGINT"},
			{Name: "conversions", Type: "DOUBLE"},
			{Name: "leads", Type: "BIGINT"},
			{Name: "product_ref", Type: "TEXT"},
		},
		Mappings: map[string][]hydrate.FieldMapping{
			"facebook_ads":  facebookAdPerformance(),
			"instagram_ads": facebookAdPerformance(),
			"google_ads": {
				fm("report_date", "$.date", hydrate.TypeDate),
				fm("account_ref", "$.customer_id", hydrate.TypeText),
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("adset_id", "$.ad_group_id", hydrate.TypeText),
				fm("ad_id", "$.ad_id", hydrate.TypeText),
				fm("spend", "$.cost_micros", hydrate.TypeDecimal, "/ 1000000"),
				fm("impressions", "$.impressions", hydrate.TypeBigint),
				fm("clicks", "$.clicks", hydrate.TypeBigint),
				fm("conversions", "$.conversions", hydrate.TypeDouble),
			},
			"linkedin_ads": {
				fm("report_date", "$.date_range_start", hydrate.TypeDate),
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("spend", "$.cost_in_local_currency", hydrate.TypeDecimal),
				fm("impressions", "$.impressions", hydrate.TypeBigint),
				fm("clicks", "$.clicks", hydrate.TypeBigint),
				fm("conversions", "$.conversions", hydrate.TypeDouble),
				fm("leads", "$.leads", hydrate.TypeBigint),
			},
			"bing_ads": {
				fm("report_date", "$.time_period", hydrate.TypeDate),
				fm("account_ref", "$.account_name", hydrate.TypeText),
				fm("spend", "$.spend", hydrate.TypeDecimal),
				fm("impressions", "$.impressions", hydrate.TypeBigint),
				fm("clicks", "$.clicks", hydrate.TypeBigint),
			},
			"amazon_ads": {
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("adset_id", "$.ad_group_id", hydrate.TypeText),
				fm("ad_id", "$.ad_id", hydrate.TypeText),
				fm("product_ref", "$.sku", hydrate.TypeText),
			},
			"tiktok_ads": {
				fm("report_date", "$.stat_time_day", hydrate.TypeDate),
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("adset_id", "$.adgroup_id", hydrate.TypeText),
				fm("ad_id", "$.ad_id", hydrate.TypeText),
				fm("spend", "$.spend", hydrate.TypeDecimal),
				fm("impressions", "$.impressions", hydrate.TypeBigint),
				fm("clicks", "$.clicks", hydrate.TypeBigint),
				fm("conversions", "$.conversions", hydrate.TypeDouble),
			},
		},
	}
}

// facebookAdPerformance is shared by facebook_ads and instagram_ads:
// instagram lands the facebook insights shape unchanged.
func facebookAdPerformance() []hydrate.FieldMapping {
	return []hydrate.FieldMapping{
		fm("report_date", "$.date_start", hydrate.TypeDate),
		fm("campaign_id", "$.campaign_id", hydrate.TypeText),
		fm("adset_id", "$.adset_id", hydrate.TypeText),
		fm("ad_id", "$.ad_id", hydrate.TypeText),
		fm("spend", "$.spend", hydrate.TypeDecimal),
		fm("impressions", "$.impressions", hydrate.TypeBigint),
		fm("clicks", "$.clicks", hydrate.TypeBigint),
		fm("conversions", "$.conversions", hydrate.TypeDouble),
	}
}

func ordersSpec() *Spec {
	return &Spec{
		ID:         "orders",
		Table:      "master_orders",
		NaturalKey: []string{"order_id", ColSourcePlatform},
		Fact: &FactSpec{
			KeyColumn:  "order_id",
			UserColumn: "email",
			TimeColumn: "order_created_at",
		},
		Columns: []types.ColumnDef{
			{Name: "order_id", Type: "TEXT"},
			{Name: "order_number", Type: "TEXT"},
			{Name: "customer_id", Type: "TEXT"},
			{Name: "email", Type: "TEXT"},
			{Name: "total_price", Type: "DECIMAL"},
			{Name: "subtotal", Type: "DECIMAL"},
			{Name: "tax", Type: "DECIMAL"},
			{Name: "currency", Type: "TEXT"},
			{Name: "status", Type: "TEXT"},
			{Name: "financial_status", Type: "TEXT"},
			{Name: "payment_method", Type: "TEXT"},
			{Name: "order_created_at", Type: "TIMESTAMP"},
			{Name: "line_items", Type: "JSON"},
		},
		Mappings: map[string][]hydrate.FieldMapping{
			"shopify": {
				fm("order_id", "$.id", hydrate.TypeText),
				fm("order_number", "$.name", hydrate.TypeText),
				fm("customer_id", "$.customer_id", hydrate.TypeText),
				fm("email", "$.email", hydrate.TypeText, "lower"),
				fm("total_price", "$.total_price", hydrate.TypeDecimal),
				fm("currency", "$.currency", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
				fm("financial_status", "$.financial_status", hydrate.TypeText),
				fm("order_created_at", "$.created_at", hydrate.TypeTimestamp),
				fm("line_items", "$.line_items", hydrate.TypeJSON),
			},
			"woocommerce": {
				fm("order_id", "$.id", hydrate.TypeText),
				fm("order_number", "$.number", hydrate.TypeText),
				fm("customer_id", "$.customer_id", hydrate.TypeText),
				fm("email", "$.billing_email", hydrate.TypeText, "lower"),
				fm("total_price", "$.total", hydrate.TypeDecimal),
				fm("subtotal", "$.subtotal", hydrate.TypeDecimal),
				fm("tax", "$.total_tax", hydrate.TypeDecimal),
				fm("currency", "$.currency", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
				fm("payment_method", "$.payment_method_title", hydrate.TypeText),
				fm("order_created_at", "$.date_created_gmt", hydrate.TypeTimestamp),
				fm("line_items", "$.line_items", hydrate.TypeJSON),
			},
			"bigcommerce": {
				fm("order_id", "$.id", hydrate.TypeText),
				fm("customer_id", "$.customer_id", hydrate.TypeText),
				fm("total_price", "$.total_inc_tax", hydrate.TypeDecimal),
				fm("subtotal", "$.subtotal_ex_tax", hydrate.TypeDecimal),
				fm("status", "$.status_id", hydrate.TypeText),
				fm("order_created_at", "$.date_created", hydrate.TypeTimestamp),
			},
		},
	}
}

func eventsSpec() *Spec {
	return &Spec{
		ID:               EventsModelID,
		Table:            "master_events",
		NaturalKey:       []string{"event_id"},
		ConversionEvents: []string{"purchase"},
		Columns: []types.ColumnDef{
			{Name: "event_id", Type: "TEXT"},
			{Name: "event_name", Type: "TEXT"},
			{Name: "event_timestamp", Type: "TIMESTAMP"},
			{Name: "anonymous_id", Type: "TEXT"},
			{Name: "user_id", Type: "TEXT"},
			{Name: "session_id", Type: "TEXT"},
			{Name: "page_location", Type: "TEXT"},
			{Name: "utm_source", Type: "TEXT"},
			{Name: "utm_medium", Type: "TEXT"},
			{Name: "utm_campaign", Type: "TEXT"},
			{Name: "country", Type: "TEXT"},
			{Name: "device_category", Type: "TEXT"},
			{Name: "revenue", Type: "DECIMAL"},
		},
		Mappings: map[string][]hydrate.FieldMapping{
			// GA4 lands the raw nested export: traffic_source, geo, device,
			// and ecommerce objects plus the event_params key/value list.
			"google_analytics": {
				fm("event_id", "$.ecommerce.transaction_id", hydrate.TypeText),
				fm("event_name", "$.event_name", hydrate.TypeText),
				fm("event_timestamp", "$.event_timestamp", hydrate.TypeTimestamp),
				fm("anonymous_id", "$.user_pseudo_id", hydrate.TypeText),
				fm("user_id", "$.user_id", hydrate.TypeText),
				fm("session_id", "$.event_params.ga_session_id", hydrate.TypeText),
				fm("page_location", "$.event_params.page_location", hydrate.TypeText),
				fm("utm_source", "$.traffic_source.source", hydrate.TypeText),
				fm("utm_medium", "$.traffic_source.medium", hydrate.TypeText),
				fm("utm_campaign", "$.traffic_source.campaign", hydrate.TypeText),
				fm("country", "$.geo.country", hydrate.TypeText),
				fm("device_category", "$.device.category", hydrate.TypeText),
				fm("revenue", "$.ecommerce.value", hydrate.TypeDecimal),
			},
			// Mixpanel lands pre-flattened prop_* columns. distinct_id fills
			// both identity roles; prop_time is epoch seconds.
			"mixpanel": {
				fm("event_id", "$.prop_order_id", hydrate.TypeText),
				fm("event_name", "$.event", hydrate.TypeText),
				fm("event_timestamp", "$.prop_time", hydrate.TypeTimestamp, "* 1000"),
				fm("anonymous_id", "$.prop_distinct_id", hydrate.TypeText),
				fm("user_id", "$.prop_distinct_id", hydrate.TypeText),
				fm("utm_source", "$.prop_utm_source", hydrate.TypeText),
				fm("utm_medium", "$.prop_utm_medium", hydrate.TypeText),
				fm("utm_campaign", "$.prop_utm_campaign", hydrate.TypeText),
				fm("country", "$.prop_country_code", hydrate.TypeText),
				fm("device_category", "$.prop_device_type", hydrate.TypeText),
				fm("revenue", "$.prop_revenue", hydrate.TypeDecimal),
			},
			"amplitude": {
				fm("event_id", "$.event_id", hydrate.TypeText),
				fm("event_name", "$.event_type", hydrate.TypeText),
				fm("event_timestamp", "$.event_time", hydrate.TypeTimestamp),
				fm("anonymous_id", "$.user_id", hydrate.TypeText),
				fm("user_id", "$.user_id", hydrate.TypeText),
				fm("session_id", "$.session_id", hydrate.TypeText),
				fm("utm_source", "$.utm_source", hydrate.TypeText),
				fm("utm_medium", "$.utm_medium", hydrate.TypeText),
				fm("utm_campaign", "$.utm_campaign", hydrate.TypeText),
				fm("country", "$.country", hydrate.TypeText),
				fm("device_category", "$.device_type", hydrate.TypeText),
			},
		},
	}
}

// campaignsSpec is the campaign dimension joined against ad_performance.
func campaignsSpec() *Spec {
	return &Spec{
		ID:         "campaigns",
		Table:      "master_campaigns",
		Kind:       KindDimension,
		NaturalKey: []string{"campaign_id", ColSourcePlatform},
		Columns: []types.ColumnDef{
			{Name: "campaign_id", Type: "TEXT"},
			{Name: "campaign_name", Type: "TEXT"},
			{Name: "status", Type: "TEXT"},
			{Name: "objective", Type: "TEXT"},
			{Name: "daily_budget", Type: "DECIMAL"},
			{Name: "created_at", Type: "TIMESTAMP"},
		},
		Mappings: map[string][]hydrate.FieldMapping{
			"facebook_ads":  facebookCampaigns(),
			"instagram_ads": facebookCampaigns(),
			"google_ads": {
				fm("campaign_id", "$.id", hydrate.TypeText),
				fm("campaign_name", "$.name", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
				fm("objective", "$.advertising_channel_type", hydrate.TypeText),
			},
			"linkedin_ads": {
				fm("campaign_id", "$.id", hydrate.TypeText),
				fm("campaign_name", "$.name", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
				fm("objective", "$.objective_type", hydrate.TypeText),
				fm("daily_budget", "$.daily_budget_amount", hydrate.TypeDecimal),
				fm("created_at", "$.created_at", hydrate.TypeTimestamp),
			},
			"bing_ads": {
				fm("campaign_id", "$.id", hydrate.TypeText),
				fm("campaign_name", "$.name", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
			},
			"amazon_ads": {
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("campaign_name", "$.name", hydrate.TypeText),
				fm("status", "$.state", hydrate.TypeText),
				fm("daily_budget", "$.daily_budget", hydrate.TypeDecimal),
			},
			"tiktok_ads": {
				fm("campaign_id", "$.campaign_id", hydrate.TypeText),
				fm("campaign_name", "$.campaign_name", hydrate.TypeText),
				fm("status", "$.status", hydrate.TypeText),
				fm("objective", "$.objective_type", hydrate.TypeText),
				fm("created_at", "$.create_time", hydrate.TypeTimestamp),
			},
		},
	}
}

func facebookCampaigns() []hydrate.FieldMapping {
	return []hydrate.FieldMapping{
		fm("campaign_id", "$.id", hydrate.TypeText),
		fm("campaign_name", "$.name", hydrate.TypeText),
		fm("status", "$.status", hydrate.TypeText),
		fm("objective", "$.objective", hydrate.TypeText),
	}
}
