package registry

import (
	"context"
	"fmt"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/pkg/types"
)

// seedBlueprint pairs one connector table's landed schema with the master
// model it unions into. The fingerprint is computed from the schema at seed
// time, so a connector whose loader output changes shape simply stops
// resolving and surfaces as a discovery instead of corrupting a model.
type seedBlueprint struct {
	sourcePlatform string
	sourceTable    string
	masterModelID  string
	schema         types.Schema
}

func cols(pairs ...[2]string) types.Schema {
	s := types.Schema{Columns: make([]types.ColumnDef, 0, len(pairs))}
	for _, p := range pairs {
		s.Columns = append(s.Columns, types.ColumnDef{Name: p[0], Type: p[1]})
	}
	return s
}

// builtinBlueprints returns the connector library shipped with the engine:
// the landed schema of every supported connector table and the master model
// it belongs to. instagram_ads is absent on purpose: it lands the
// facebook_ads report shapes, so its fingerprints resolve through the
// facebook blueprints without any registration.
func builtinBlueprints() []seedBlueprint {
	return []seedBlueprint{
		{
			sourcePlatform: "facebook_ads",
			sourceTable:    "facebook_insights",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"date_start", "DATE"},
				[2]string{"campaign_id", "TEXT"},
				[2]string{"adset_id", "TEXT"},
				[2]string{"ad_id", "TEXT"},
				[2]string{"spend", "DOUBLE"},
				[2]string{"impressions", "BIGINT"},
				[2]string{"clicks", "BIGINT"},
				[2]string{"conversions", "BIGINT"},
				[2]string{"cpc", "DOUBLE"},
				[2]string{"cpm", "DOUBLE"},
				[2]string{"ctr", "DOUBLE"},
			),
		},
		{
			sourcePlatform: "facebook_ads",
			sourceTable:    "campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"id", "TEXT"},
				[2]string{"name", "TEXT"},
				[2]string{"objective", "TEXT"},
				[2]string{"status", "TEXT"},
			),
		},
		{
			sourcePlatform: "google_ads",
			sourceTable:    "ad_performance",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"date", "DATE"},
				[2]string{"customer_id", "TEXT"},
				[2]string{"campaign_id", "TEXT"},
				[2]string{"ad_group_id", "TEXT"},
				[2]string{"ad_id", "TEXT"},
				[2]string{"cost_micros", "BIGINT"},
				[2]string{"impressions", "BIGINT"},
				[2]string{"clicks", "BIGINT"},
				[2]string{"conversions", "DOUBLE"},
			),
		},
		{
			sourcePlatform: "google_ads",
			sourceTable:    "campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"resource_name", "TEXT"},
				[2]string{"id", "TEXT"},
				[2]string{"name", "TEXT"},
				[2]string{"status", "TEXT"},
				[2]string{"advertising_channel_type", "TEXT"},
			),
		},
		{
			sourcePlatform: "linkedin_ads",
			sourceTable:    "ad_analytics_by_campaign",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"campaign_id", "TEXT"},
				[2]string{"date_range_start", "DATE"},
				[2]string{"impressions", "BIGINT"},
				[2]string{"clicks", "BIGINT"},
				[2]string{"cost_in_local_currency", "DOUBLE"},
				[2]string{"conversions", "BIGINT"},
				[2]string{"leads", "BIGINT"},
				[2]string{"one_click_leads", "BIGINT"},
				[2]string{"external_website_conversions", "BIGINT"},
			),
		},
		{
			sourcePlatform: "linkedin_ads",
			sourceTable:    "campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"id", "TEXT"},
				[2]string{"name", "TEXT"},
				[2]string{"status", "TEXT"},
				[2]string{"type", "TEXT"},
				[2]string{"objective_type", "TEXT"},
				[2]string{"account_id", "TEXT"},
				[2]string{"daily_budget_amount", "TEXT"},
				[2]string{"currency_code", "TEXT"},
				[2]string{"created_at", "TEXT"},
			),
		},
		{
			sourcePlatform: "bing_ads",
			sourceTable:    "account_performance_report",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"time_period", "DATE"},
				[2]string{"spend", "DOUBLE"},
				[2]string{"impressions", "BIGINT"},
				[2]string{"clicks", "BIGINT"},
				[2]string{"account_name", "TEXT"},
			),
		},
		{
			sourcePlatform: "bing_ads",
			sourceTable:    "campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"id", "TEXT"},
				[2]string{"name", "TEXT"},
				[2]string{"status", "TEXT"},
			),
		},
		{
			sourcePlatform: "amazon_ads",
			sourceTable:    "sponsored_products_product_ads",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"ad_id", "TEXT"},
				[2]string{"ad_group_id", "TEXT"},
				[2]string{"campaign_id", "TEXT"},
				[2]string{"sku", "TEXT"},
				[2]string{"state", "TEXT"},
			),
		},
		{
			sourcePlatform: "amazon_ads",
			sourceTable:    "sponsored_products_campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"campaign_id", "TEXT"},
				[2]string{"name", "TEXT"},
				[2]string{"state", "TEXT"},
				[2]string{"daily_budget", "DOUBLE"},
			),
		},
		{
			sourcePlatform: "tiktok_ads",
			sourceTable:    "ads_reports_daily",
			masterModelID:  "ad_performance",
			schema: cols(
				[2]string{"stat_time_day", "DATE"},
				[2]string{"ad_id", "TEXT"},
				[2]string{"adgroup_id", "TEXT"},
				[2]string{"campaign_id", "TEXT"},
				[2]string{"spend", "DOUBLE"},
				[2]string{"impressions", "BIGINT"},
				[2]string{"clicks", "BIGINT"},
				[2]string{"conversions", "BIGINT"},
			),
		},
		{
			sourcePlatform: "tiktok_ads",
			sourceTable:    "campaigns",
			masterModelID:  "campaigns",
			schema: cols(
				[2]string{"campaign_id", "TEXT"},
				[2]string{"campaign_name", "TEXT"},
				[2]string{"objective_type", "TEXT"},
				[2]string{"status", "TEXT"},
				[2]string{"create_time", "TEXT"},
			),
		},
		{
			sourcePlatform: "shopify",
			sourceTable:    "orders",
			masterModelID:  "orders",
			schema: cols(
				[2]string{"id", "BIGINT"},
				[2]string{"name", "TEXT"},
				[2]string{"email", "TEXT"},
				[2]string{"total_price", "DOUBLE"},
				[2]string{"currency", "TEXT"},
				[2]string{"financial_status", "TEXT"},
				[2]string{"status", "TEXT"},
				[2]string{"customer_id", "BIGINT"},
				[2]string{"customer_email", "TEXT"},
				[2]string{"created_at", "TIMESTAMP"},
				[2]string{"line_items", "JSON"},
			),
		},
		{
			sourcePlatform: "woocommerce",
			sourceTable:    "orders",
			masterModelID:  "orders",
			schema: cols(
				[2]string{"id", "BIGINT"},
				[2]string{"number", "TEXT"},
				[2]string{"status", "TEXT"},
				[2]string{"currency", "TEXT"},
				[2]string{"total", "TEXT"},
				[2]string{"subtotal", "TEXT"},
				[2]string{"total_tax", "TEXT"},
				[2]string{"payment_method", "TEXT"},
				[2]string{"payment_method_title", "TEXT"},
				[2]string{"date_created_gmt", "TIMESTAMP"},
				[2]string{"date_modified_gmt", "TIMESTAMP"},
				[2]string{"billing_email", "TEXT"},
				[2]string{"billing_first_name", "TEXT"},
				[2]string{"billing_last_name", "TEXT"},
				[2]string{"customer_id", "BIGINT"},
				[2]string{"line_items", "TEXT"},
				[2]string{"meta_data", "TEXT"},
			),
		},
		{
			sourcePlatform: "bigcommerce",
			sourceTable:    "orders",
			masterModelID:  "orders",
			schema: cols(
				[2]string{"id", "BIGINT"},
				[2]string{"status_id", "BIGINT"},
				[2]string{"total_inc_tax", "DOUBLE"},
				[2]string{"total_ex_tax", "DOUBLE"},
				[2]string{"subtotal_ex_tax", "DOUBLE"},
				[2]string{"customer_id", "BIGINT"},
				[2]string{"date_created", "TEXT"},
				[2]string{"staff_notes", "TEXT"},
			),
		},
		{
			sourcePlatform: "google_analytics",
			sourceTable:    "events",
			masterModelID:  "events",
			schema: cols(
				[2]string{"event_date", "TEXT"},
				[2]string{"event_timestamp", "BIGINT"},
				[2]string{"event_name", "TEXT"},
				[2]string{"event_params", "JSON"},
				[2]string{"user_pseudo_id", "TEXT"},
				[2]string{"user_id", "TEXT"},
				[2]string{"geo", "JSON"},
				[2]string{"traffic_source", "JSON"},
				[2]string{"ecommerce", "JSON"},
				[2]string{"device", "JSON"},
			),
		},
		{
			// Mixpanel exports land pre-flattened: property keys arrive as
			// top-level prop_* columns, not a nested properties object.
			sourcePlatform: "mixpanel",
			sourceTable:    "events",
			masterModelID:  "events",
			schema: cols(
				[2]string{"event", "TEXT"},
				[2]string{"prop_distinct_id", "TEXT"},
				[2]string{"prop_time", "BIGINT"},
				[2]string{"prop_browser", "TEXT"},
				[2]string{"prop_city", "TEXT"},
				[2]string{"prop_country_code", "TEXT"},
				[2]string{"prop_device_type", "TEXT"},
				[2]string{"prop_utm_source", "TEXT"},
				[2]string{"prop_utm_medium", "TEXT"},
				[2]string{"prop_utm_campaign", "TEXT"},
			),
		},
		{
			sourcePlatform: "amplitude",
			sourceTable:    "events",
			masterModelID:  "events",
			schema: cols(
				[2]string{"event_id", "TEXT"},
				[2]string{"event_type", "TEXT"},
				[2]string{"user_id", "TEXT"},
				[2]string{"event_time", "TEXT"},
				[2]string{"device_type", "TEXT"},
				[2]string{"country", "TEXT"},
			),
		},
	}
}

// Seed registers the built-in connector library. Fingerprints that already
// resolve to their library model are left untouched, so seeding is safe to
// run on every startup. Returns the number of newly registered blueprints.
func (r *SQLiteRegistry) Seed(ctx context.Context) (int, error) {
	seeded := 0
	for _, sb := range builtinBlueprints() {
		fp := fingerprint.Sum(sb.schema)

		current, ok, err := r.Resolve(ctx, fp)
		if err != nil {
			return seeded, err
		}
		if ok && current.MasterModelID == sb.masterModelID {
			continue
		}

		if _, err := r.Register(ctx, fp, sb.sourcePlatform, sb.sourceTable, sb.masterModelID); err != nil {
			return seeded, fmt.Errorf("registry: failed to seed %s.%s: %w", sb.sourcePlatform, sb.sourceTable, err)
		}
		seeded++
	}
	return seeded, nil
}
