// Package benchmark provides performance benchmarks for the strata
// engine.
package benchmark

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/storage"
	"github.com/stratalabs/strata/pkg/types"
)

// PrefixedStorage wraps an ObjectStorage and prepends a prefix to every
// object path, so one bucket can host many benchmark runs side by side.
type PrefixedStorage struct {
	inner  storage.ObjectStorage
	prefix string
}

func (s *PrefixedStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	return s.inner.Upload(ctx, localPath, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	return s.inner.UploadMultipart(ctx, localPath, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) Download(ctx context.Context, objectPath, localPath string) error {
	return s.inner.Download(ctx, s.prefix+"/"+objectPath, localPath)
}

func (s *PrefixedStorage) Delete(ctx context.Context, objectPath string) error {
	return s.inner.Delete(ctx, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	return s.inner.Exists(ctx, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.prefix + "/" + prefix
	objects, err := s.inner.ListObjects(ctx, fullPrefix)
	if err != nil {
		return nil, err
	}

	// Strip the run prefix so callers see the keys they wrote.
	stripped := make([]string, len(objects))
	for i, obj := range objects {
		if len(obj) > len(s.prefix)+1 {
			stripped[i] = obj[len(s.prefix)+1:]
		} else {
			stripped[i] = obj
		}
	}
	return stripped, nil
}

// getBenchmarkStorage returns the object storage export benchmarks
// write to. STRATA_STORAGE_TYPE=s3 from .env or the environment selects
// a real bucket; the default is a local temp directory.
func getBenchmarkStorage(b *testing.B, benchName string) (storage.ObjectStorage, func()) {
	// Try loading .env from the project root.
	_ = godotenv.Load("../../.env")

	if os.Getenv("STRATA_STORAGE_TYPE") == "s3" {
		if v := os.Getenv("STRATA_AWS_ACCESS_KEY_ID"); v != "" {
			os.Setenv("AWS_ACCESS_KEY_ID", v)
		}
		if v := os.Getenv("STRATA_AWS_SECRET_ACCESS_KEY"); v != "" {
			os.Setenv("AWS_SECRET_ACCESS_KEY", v)
		}

		bucket := os.Getenv("STRATA_S3_BUCKET")
		if bucket == "" {
			b.Fatal("STRATA_S3_BUCKET is required for the s3 benchmark")
		}

		cfg := storage.DefaultS3Config()
		cfg.Region = os.Getenv("STRATA_S3_REGION")
		cfg.Endpoint = os.Getenv("STRATA_S3_ENDPOINT")
		if cfg.Endpoint != "" {
			cfg.UsePathStyle = true
		}

		st, err := storage.NewS3Storage(context.Background(), bucket, cfg)
		if err != nil {
			b.Fatalf("failed to initialize S3 storage: %v", err)
		}

		// Unique prefix per run. Cleanup is manual for S3 so a run can
		// be inspected after the fact.
		prefix := fmt.Sprintf("bench/%s/%d", benchName, time.Now().UnixNano())
		b.Logf("running against s3 bucket %s prefix %s", bucket, prefix)
		return &PrefixedStorage{inner: st, prefix: prefix}, func() {}
	}

	dir, err := os.MkdirTemp("", "strata-bench-"+benchName+"-*")
	if err != nil {
		b.Fatal(err)
	}
	st, err := storage.NewLocalStorage(path.Join(dir, "objects"))
	if err != nil {
		b.Fatal(err)
	}
	return st, func() { os.RemoveAll(dir) }
}

var benchIDs = types.NewULIDGenerator()

func benchOrderSchema() types.Schema {
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

func benchEventSchema() types.Schema {
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

// benchOrderRows generates shopify-shaped raw order rows. Emails cycle
// through a bounded pool so identity joins have realistic cardinality.
func benchOrderRows(n int) []map[string]interface{} {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		email := fmt.Sprintf("user%d@bench.test", i%251)
		rows[i] = map[string]interface{}{
			"id":               int64(10000 + i),
			"name":             fmt.Sprintf("#%d", 10000+i),
			"email":            email,
			"total_price":      float64(i%200) + 0.99,
			"currency":         "USD",
			"financial_status": "paid",
			"status":           "closed",
			"customer_id":      int64(i % 251),
			"customer_email":   email,
			"created_at":       base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"line_items":       []interface{}{map[string]interface{}{"sku": "SKU-1", "quantity": 1}},
		}
	}
	return rows
}

func benchEventName(i int) string {
	if i%25 == 0 {
		return "purchase"
	}
	switch i % 3 {
	case 0:
		return "page_view"
	case 1:
		return "view_item"
	default:
		return "add_to_cart"
	}
}

// benchEventRows generates GA4-shaped raw event rows with nested
// params, traffic source, and ecommerce objects.
func benchEventRows(n int) []map[string]interface{} {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		anon := fmt.Sprintf("anon-%d", i%137)
		row := map[string]interface{}{
			"event_date":      "20250601",
			"event_timestamp": base.Add(time.Duration(i) * time.Second).UnixMicro(),
			"event_name":      benchEventName(i),
			"user_pseudo_id":  anon,
			"event_params": map[string]interface{}{
				"ga_session_id": "ga-" + anon,
				"page_location": fmt.Sprintf("https://shop.bench.test/p/%d", i%50),
			},
			"traffic_source": map[string]interface{}{
				"source":   "google",
				"medium":   "cpc",
				"campaign": "always-on",
			},
			"geo":       map[string]interface{}{"country": "US"},
			"device":    map[string]interface{}{"category": "desktop"},
			"ecommerce": map[string]interface{}{"transaction_id": fmt.Sprintf("evt-%d", i)},
		}
		if i%20 == 0 {
			row["user_id"] = fmt.Sprintf("user%d@bench.test", i%137)
		}
		rows[i] = row
	}
	return rows
}

func benchRawBatch(b *testing.B, tenant, platform, table string, schema types.Schema, rows []map[string]interface{}) *types.RawBatch {
	b.Helper()
	id, err := benchIDs.Generate()
	if err != nil {
		b.Fatalf("failed to generate batch id: %v", err)
	}
	return &types.RawBatch{
		BatchID:           id,
		TenantSlug:        tenant,
		SourcePlatform:    platform,
		TableName:         table,
		SchemaFingerprint: fingerprint.Sum(schema),
		Schema:            schema,
		Rows:              rows,
		LoadedAt:          time.Now(),
	}
}

// benchEvents generates hydrated events across a pool of anonymous
// visitors. Every thirtieth minute-step opens a two hour gap so each
// visitor accumulates several sessions.
func benchEvents(n int) []types.Event {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events := make([]types.Event, n)
	for i := range events {
		anon := fmt.Sprintf("anon-%d", i%137)
		round := i / 137
		at := base.Add(time.Duration(round)*time.Minute + time.Duration(round/30)*2*time.Hour)
		events[i] = types.Event{
			TenantSlug:     "acme",
			EventID:        fmt.Sprintf("evt-%d", i),
			AnonymousID:    anon,
			EventName:      benchEventName(i),
			EventTimestamp: at,
			PageLocation:   fmt.Sprintf("https://shop.bench.test/p/%d", i%50),
			UTMSource:      "google",
			UTMMedium:      "cpc",
			UTMCampaign:    "always-on",
		}
	}
	return events
}

// benchLinks resolves half of the visitor pool to a known user.
func benchLinks() map[string]string {
	links := make(map[string]string, 69)
	for i := 0; i < 137; i += 2 {
		links[fmt.Sprintf("anon-%d", i)] = fmt.Sprintf("user%d@bench.test", i)
	}
	return links
}
