// Package app wires configuration into running Strata services: the
// shared stores, the intake path with journal replay, the pipeline
// daemon, and the control-plane API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	httpapi "github.com/stratalabs/strata/internal/api/http"
	"github.com/stratalabs/strata/internal/config"
	"github.com/stratalabs/strata/internal/export"
	"github.com/stratalabs/strata/internal/intake"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/metrics"
	"github.com/stratalabs/strata/internal/metrics/datadog"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/observability"
	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/server"
	"github.com/stratalabs/strata/internal/storage"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/internal/warehouse"
)

// App manages the Strata service lifecycle.
type App struct {
	cfg *config.Config
	log *zap.SugaredLogger

	// Shared resources
	store    *warehouse.SQLiteStore
	registry *registry.SQLiteRegistry
	configs  *tenantcfg.SQLiteResolver
	ledger   *pipeline.Ledger
	journal  *intake.Journal
	acceptor *intake.Acceptor
	objects  storage.ObjectStorage
	models   map[string]*model.Spec
	recorder *metrics.Recorder
	ddog     *datadog.Backend
	mirror   *export.Mirror
	requests *observability.RequestStats
	shutdown *server.ShutdownManager

	// Services
	apiServer *http.Server
	daemon    *pipeline.Daemon

	ready atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and creates an App.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	log, err := logging.New(cfg.Logging.JSON, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &App{cfg: cfg, log: log}, nil
}

// Log returns the application logger.
func (a *App) Log() *zap.SugaredLogger {
	return a.log
}

// Start opens shared resources, replays the intake journal, and starts
// the services the configured mode asks for.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunPipeline() {
		if err := a.startPipelineService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start pipeline service: %w", err)
		}
	}

	if err := a.startHTTPService(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start http service: %w", err)
	}

	a.ready.Store(true)
	a.log.Infow("strata started", "mode", a.cfg.Mode, "addr", a.cfg.HTTP.Addr)
	return nil
}

// initSharedResources opens the stores, the object storage backend,
// and the intake path, and replays any journaled batches the last
// process did not land.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	if a.cfg.Export.Enabled {
		switch a.cfg.Export.Backend {
		case "local":
			a.objects, err = storage.NewLocalStorage(a.cfg.Export.Path)
		case "s3":
			s3Cfg := storage.DefaultS3Config()
			if a.cfg.Export.S3.Region != "" {
				s3Cfg.Region = a.cfg.Export.S3.Region
			}
			if a.cfg.Export.S3.Endpoint != "" {
				s3Cfg.Endpoint = a.cfg.Export.S3.Endpoint
				s3Cfg.UsePathStyle = true
			}
			a.objects, err = storage.NewS3Storage(ctx, a.cfg.Export.S3.Bucket, s3Cfg)
		default:
			return fmt.Errorf("unsupported export backend: %s", a.cfg.Export.Backend)
		}
		if err != nil {
			return fmt.Errorf("failed to initialize object storage: %w", err)
		}
		a.log.Infow("object storage initialized", "backend", a.cfg.Export.Backend)
	}

	a.store, err = warehouse.NewStore(a.cfg.WarehousePath())
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}

	a.registry, err = registry.NewRegistry(a.cfg.MetadataPath())
	if err != nil {
		return fmt.Errorf("failed to open blueprint registry: %w", err)
	}

	a.configs, err = tenantcfg.NewResolver(a.cfg.MetadataPath())
	if err != nil {
		return fmt.Errorf("failed to open tenant config store: %w", err)
	}

	a.ledger, err = pipeline.NewLedger(a.cfg.MetadataPath())
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}

	a.journal, err = intake.NewJournal(a.cfg.Intake.JournalDir, a.cfg.Intake.SegmentMaxBytes)
	if err != nil {
		return fmt.Errorf("failed to open intake journal: %w", err)
	}
	a.acceptor = intake.NewAcceptor(a.journal, a.store, a.log)

	replayed, err := a.acceptor.Replay(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay intake journal: %w", err)
	}
	if replayed > 0 {
		a.log.Infow("intake journal replayed", "batches", replayed)
	}

	a.models, err = model.LoadLibrary(a.cfg.Pipeline.MappingsFile)
	if err != nil {
		return fmt.Errorf("failed to load model library: %w", err)
	}

	if a.cfg.Metrics.Enabled {
		a.ddog = datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    a.cfg.Metrics.JobName,
			Tags:       a.cfg.Metrics.Tags,
			FlushEvery: a.cfg.Metrics.FlushInterval,
		})
		a.recorder = metrics.NewRecorder(a.ddog)
		a.log.Infow("datadog metrics enabled", "job", a.cfg.Metrics.JobName)
	} else {
		a.recorder = metrics.NewRecorder(nil)
	}

	if a.cfg.Export.Postgres.Enabled {
		a.mirror, err = export.NewMirror(ctx, a.cfg.Export.Postgres.DSN, a.log)
		if err != nil {
			return fmt.Errorf("failed to connect postgres mirror: %w", err)
		}
		a.log.Infow("postgres mirror enabled")
	}

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.OnShutdownStart(func() { a.ready.Store(false) })
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.Stop(context.Background())
	}))

	return nil
}

// exportPrefix is the object key prefix shared by the exporter and the
// retention sweep.
func (a *App) exportPrefix() string {
	if a.cfg.Export.S3.Prefix != "" {
		return a.cfg.Export.S3.Prefix
	}
	return "exports"
}

// startPipelineService builds the orchestrator and starts the daemon.
func (a *App) startPipelineService(ctx context.Context) error {
	var exporter *export.Exporter
	if a.cfg.Export.Enabled && a.objects != nil {
		exporter = export.NewExporter(a.objects, a.store, export.Options{
			Prefix: a.exportPrefix(),
		}, a.log)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:    a.store,
		Registry: a.registry,
		Configs:  a.configs,
		Ledger:   a.ledger,
		Models:   a.models,
		Exporter: exporter,
		Mirror:   a.mirror,
		Recorder: a.recorder,
		Log:      a.log,
	}, pipeline.Options{
		SessionGap:        a.cfg.SessionGap(),
		AttributionWindow: a.cfg.AttributionWindow(),
		Workers:           a.cfg.Pipeline.Workers,
		Tenants:           a.cfg.Pipeline.Tenants,
	})

	retention := time.Duration(a.cfg.Pipeline.RetentionDays) * 24 * time.Hour
	a.daemon = pipeline.NewDaemon(orch, a.ledger, a.store, a.objects, pipeline.DaemonConfig{
		Interval:     a.cfg.Pipeline.Interval,
		Retention:    retention,
		ExportPrefix: a.exportPrefix(),
	}, a.log)

	if err := a.daemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline daemon: %w", err)
	}
	a.log.Infow("pipeline daemon started",
		"interval", a.cfg.Pipeline.Interval,
		"workers", a.cfg.Pipeline.Workers,
		"retention_days", a.cfg.Pipeline.RetentionDays,
	)
	return nil
}

// startHTTPService starts the HTTP server. Every mode serves health
// and run control; the full control-plane routes are mounted only
// when the API mode is on.
func (a *App) startHTTPService() error {
	// Route counters expire after an hour without traffic.
	a.requests = observability.NewRequestStats(time.Hour)

	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RequestStatsMiddleware(a.requests),
		httpapi.DefaultMiddleware(a.log),
	)

	var trigger httpapi.RunTrigger
	if a.daemon != nil {
		trigger = a.daemon
	}
	runHandler := middleware(httpapi.NewRunHandler(trigger, a.ledger))

	mux := http.NewServeMux()
	mux.Handle("/v1/runs", runHandler)
	mux.Handle("/v1/runs/", runHandler)
	mux.HandleFunc("/healthz", a.healthHandler())
	mux.HandleFunc("/readyz", a.readyHandler())

	if a.cfg.ShouldRunAPI() {
		blueprintHandler := middleware(httpapi.NewBlueprintHandler(a.registry, a.models))
		tableHandler := middleware(httpapi.NewTableHandler(a.store))

		mux.Handle("/v1/batches", middleware(httpapi.NewBatchHandler(a.acceptor)))
		mux.Handle("/v1/blueprints", blueprintHandler)
		mux.Handle("/v1/blueprints/", blueprintHandler)
		mux.Handle("/v1/discoveries", middleware(httpapi.NewDiscoveryHandler(a.registry)))
		mux.Handle("/v1/tenants/", middleware(httpapi.NewTenantConfigHandler(a.configs)))
		mux.Handle("/v1/stats/identity", middleware(httpapi.NewIdentityStatsHandler(a.store)))
		mux.Handle("/v1/stats/requests", middleware(httpapi.NewRequestStatsHandler(a.requests)))
		mux.Handle("/v1/catalog", middleware(httpapi.NewCatalogHandler(a.ledger)))
		mux.Handle("/v1/tables", tableHandler)
		mux.Handle("/v1/tables/", tableHandler)
	}

	a.apiServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Infow("http server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Errorw("http server failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the services and closes shared resources.
// Stopping an app that is not running is a no-op.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.ready.Store(false)
	a.log.Infow("shutting down")

	if a.cancel != nil {
		a.cancel()
	}

	// The daemon finishes its in-flight run before Stop returns
	if a.daemon != nil {
		if err := a.daemon.Stop(); err != nil {
			a.log.Errorw("pipeline daemon stop failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.log.Errorw("http server shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warnw("shutdown timed out waiting for goroutines")
	}

	a.cleanup()
	a.log.Infow("strata stopped")
	return nil
}

// cleanup closes shared resources in reverse dependency order.
func (a *App) cleanup() {
	if a.mirror != nil {
		a.mirror.Close()
		a.mirror = nil
	}
	if a.ddog != nil {
		if err := a.ddog.Close(); err != nil {
			a.log.Errorw("metrics backend close failed", "error", err)
		}
		a.ddog = nil
	}
	if a.journal != nil {
		a.journal.Close()
		a.journal = nil
	}
	if a.ledger != nil {
		a.ledger.Close()
		a.ledger = nil
	}
	if a.configs != nil {
		a.configs.Close()
		a.configs = nil
	}
	if a.registry != nil {
		a.registry.Close()
		a.registry = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// healthHandler reports liveness.
func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"strata","mode":"%s"}`, a.cfg.Mode)
	}
}

// readyHandler reports readiness: resources are open, journal replay
// finished, and shutdown has not begun.
func (a *App) readyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !a.ready.Load() || a.shutdown.IsShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not_ready"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ready"}`)
	}
}

// WaitForShutdown blocks until SIGTERM/SIGINT or context cancellation,
// drains in-flight requests, and stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
