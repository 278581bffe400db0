// Package main implements the unified strata binary.
// It can run the control-plane API and the modeling pipeline together
// or individually based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/stratalabs/strata/internal/app"
	"github.com/stratalabs/strata/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, api, pipeline")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address for the control-plane API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Strata - Schema-Driven Semantic Modeling Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: strata [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  strata --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "  strata --mode api --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "  strata --config /etc/strata/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  STRATA_MODE                     Service mode (all, api, pipeline)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_DATA_DIR                 Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  STRATA_HTTP_ADDR                Control-plane API listen address\n")
		fmt.Fprintf(os.Stderr, "  STRATA_SESSION_GAP_SECONDS      Inactivity gap that closes a session\n")
		fmt.Fprintf(os.Stderr, "  STRATA_ATTRIBUTION_WINDOW_DAYS  Lookback window for touch attribution\n")
		fmt.Fprintf(os.Stderr, "  STRATA_PIPELINE_WORKERS         Tenants processed concurrently per run\n")
		fmt.Fprintf(os.Stderr, "  STRATA_PIPELINE_INTERVAL        Delay between scheduled runs\n")
		fmt.Fprintf(os.Stderr, "  STRATA_EXPORT_BACKEND           Export backend (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_S3_BUCKET                Bucket for exported run artifacts\n")
		fmt.Fprintf(os.Stderr, "  STRATA_POSTGRES_DSN             DSN for the Postgres mirror\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("strata version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env file feeds the same STRATA_* variables the environment does.
	// Missing default .env is not an error; a named file must exist.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("Failed to load env file %s: %v", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Blocks until SIGTERM/SIGINT, then drains requests and stops the app.
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                        STRATA                             ║")
	log.Printf("║       Schema-Driven Semantic Modeling Engine              ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Export:   %s (enabled: %v)", cfg.Export.Backend, cfg.Export.Enabled)
	log.Printf("")

	if cfg.ShouldRunAPI() {
		log.Printf("Control-Plane API:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	}

	if cfg.ShouldRunPipeline() {
		log.Printf("Pipeline:")
		log.Printf("  Workers:  %d", cfg.Pipeline.Workers)
		log.Printf("  Interval: %v", cfg.Pipeline.Interval)
		log.Printf("  Session Gap: %v", cfg.SessionGap())
		log.Printf("  Attribution Window: %v", cfg.AttributionWindow())
	}

	if cfg.Export.Postgres.Enabled {
		log.Printf("Postgres Mirror: enabled")
	}

	log.Printf("")
}
