// Package main implements the strata-pipeline binary.
// It runs a single modeling pass over the warehouse and exits, for use
// from cron or CI where the resident daemon is not wanted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/config"
	"github.com/stratalabs/strata/internal/export"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/metrics"
	"github.com/stratalabs/strata/internal/metrics/datadog"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/storage"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/internal/warehouse"
)

func main() {
	var (
		configFile string
		dataDir    string
		tenants    string
		workers    int
		timeout    time.Duration
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&tenants, "tenants", "", "Comma-separated tenant slugs (default: all tenants with batches)")
	flag.IntVar(&workers, "workers", 0, "Tenants processed concurrently (default: from config)")
	flag.DurationVar(&timeout, "timeout", 0, "Abort the run after this duration (default: none)")
	flag.Parse()

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Mode = config.ModePipeline
	if workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	if tenants != "" {
		cfg.Pipeline.Tenants = splitTenants(tenants)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}

	logger, err := logging.New(cfg.Logging.JSON, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	store, err := warehouse.NewStore(cfg.WarehousePath())
	if err != nil {
		log.Fatalf("Failed to open warehouse: %v", err)
	}
	defer store.Close()

	reg, err := registry.NewRegistry(cfg.MetadataPath())
	if err != nil {
		log.Fatalf("Failed to open blueprint registry: %v", err)
	}
	defer reg.Close()

	configs, err := tenantcfg.NewResolver(cfg.MetadataPath())
	if err != nil {
		log.Fatalf("Failed to open tenant config store: %v", err)
	}
	defer configs.Close()

	ledger, err := pipeline.NewLedger(cfg.MetadataPath())
	if err != nil {
		log.Fatalf("Failed to open run ledger: %v", err)
	}
	defer ledger.Close()

	models, err := model.LoadLibrary(cfg.Pipeline.MappingsFile)
	if err != nil {
		log.Fatalf("Failed to load model library: %v", err)
	}

	var exporter *export.Exporter
	if cfg.Export.Enabled {
		objects, err := openObjectStorage(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize object storage: %v", err)
		}
		prefix := cfg.Export.S3.Prefix
		if prefix == "" {
			prefix = "exports"
		}
		exporter = export.NewExporter(objects, store, export.Options{Prefix: prefix}, logger)
	}

	var mirror *export.Mirror
	if cfg.Export.Postgres.Enabled {
		mirror, err = export.NewMirror(ctx, cfg.Export.Postgres.DSN, logger)
		if err != nil {
			log.Fatalf("Failed to connect Postgres mirror: %v", err)
		}
		defer mirror.Close()
	}

	recorder := metrics.NewRecorder(nil)
	if cfg.Metrics.Enabled {
		backend := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    cfg.Metrics.JobName,
			Tags:       cfg.Metrics.Tags,
			FlushEvery: cfg.Metrics.FlushInterval,
		})
		defer backend.Close()
		recorder = metrics.NewRecorder(backend)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:    store,
		Registry: reg,
		Configs:  configs,
		Ledger:   ledger,
		Models:   models,
		Exporter: exporter,
		Mirror:   mirror,
		Recorder: recorder,
		Log:      logger,
	}, pipeline.Options{
		SessionGap:        cfg.SessionGap(),
		AttributionWindow: cfg.AttributionWindow(),
		Workers:           cfg.Pipeline.Workers,
		Tenants:           cfg.Pipeline.Tenants,
	})

	report, err := orch.RunOnce(ctx, pipeline.TriggerManual)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	printReport(report)
	if report.Run.Status == pipeline.StatusFailed {
		os.Exit(1)
	}
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

func openObjectStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Export.Backend {
	case "local":
		return storage.NewLocalStorage(cfg.Export.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Export.S3.Region != "" {
			s3Cfg.Region = cfg.Export.S3.Region
		}
		if cfg.Export.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.Export.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		return storage.NewS3Storage(ctx, cfg.Export.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported export backend: %s", cfg.Export.Backend)
	}
}

func splitTenants(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printReport(report *pipeline.RunReport) {
	run := report.Run
	fmt.Printf("Run %s: %s (trigger: %s, tenants: %d, elapsed: %v)\n",
		run.RunID, run.Status, run.Trigger, run.TenantCount,
		run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.Error != "" {
		fmt.Printf("  error: %s\n", run.Error)
	}
	for _, t := range report.Tenants {
		fmt.Printf("  %-20s batches=%d rows=%d links=%d sessions=%d facts=%d attributed=%d artifacts=%d (%v)\n",
			t.TenantSlug, t.Batches, t.MasterRows, t.Links, t.Sessions,
			t.Facts, t.Attributed, t.Artifacts, t.Elapsed.Round(time.Millisecond))
		if t.Discovered > 0 {
			fmt.Printf("  %-20s %d unregistered schema(s) recorded for discovery\n", "", t.Discovered)
		}
	}
}
