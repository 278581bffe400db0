package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/attribution"
	"github.com/stratalabs/strata/internal/errors"
	"github.com/stratalabs/strata/internal/export"
	"github.com/stratalabs/strata/internal/identity"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/metrics"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/semantics"
	"github.com/stratalabs/strata/internal/session"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/internal/union"
	"github.com/stratalabs/strata/internal/warehouse"
)

// Stage names as recorded in the run ledger.
const (
	StageUnion       = "union"
	StageIdentity    = "identity"
	StageSessions    = "sessions"
	StageAttribution = "attribution"
	StageCatalog     = "catalog"
	StageExport      = "export"
)

// Deps bundles the stores and sinks the orchestrator drives.
type Deps struct {
	Store    warehouse.Store
	Registry registry.Registry
	Configs  tenantcfg.Resolver
	Ledger   *Ledger

	// Models is the master model library keyed by model id
	Models map[string]*model.Spec

	// Exporter publishes run artifacts; nil disables export
	Exporter *export.Exporter

	// Mirror replicates outbound tables to Postgres; nil disables it
	Mirror *export.Mirror

	// Recorder emits pipeline metrics; nil uses the no-op backend
	Recorder *metrics.Recorder

	Log *zap.SugaredLogger
}

// Options holds the tunables of one orchestrator.
type Options struct {
	// SessionGap is the inactivity threshold that closes a session
	SessionGap time.Duration

	// AttributionWindow bounds the conversion attribution lookback
	AttributionWindow time.Duration

	// Workers bounds concurrent tenant runs
	Workers int

	// Tenants restricts runs to the listed slugs; empty runs every
	// tenant present in the raw batch log
	Tenants []string
}

// Orchestrator recomputes every tenant's analytical state from the raw
// batch log: master model unions, identity links, sessions, attributed
// facts, the semantic catalog, and exported artifacts. Tenants run in
// parallel; the first failure cancels the remaining tenants.
type Orchestrator struct {
	store      warehouse.Store
	ledger     *Ledger
	models     map[string]*model.Spec
	builder    *union.Builder
	identities *identity.Resolver
	sessions   *session.Sessionizer
	linker     *attribution.Linker
	classifier *semantics.Classifier
	exporter   *export.Exporter
	mirror     *export.Mirror
	recorder   *metrics.Recorder
	controller *Controller
	tenants    []string
	log        *zap.SugaredLogger

	mu     sync.Mutex
	active bool
}

// NewOrchestrator wires the stage chain.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = 30 * time.Minute
	}
	if opts.AttributionWindow <= 0 {
		opts.AttributionWindow = 30 * 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	models := deps.Models
	if models == nil {
		models = model.Library()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder(nil)
	}

	return &Orchestrator{
		store:      deps.Store,
		ledger:     deps.Ledger,
		models:     models,
		builder:    union.NewBuilder(deps.Registry, deps.Configs, log),
		identities: identity.NewResolver(deps.Store, log),
		sessions:   session.NewSessionizer(opts.SessionGap, log),
		linker:     attribution.NewLinker(opts.AttributionWindow, log),
		classifier: semantics.NewClassifier(nil, log),
		exporter:   deps.Exporter,
		mirror:     deps.Mirror,
		recorder:   recorder,
		controller: NewController(ControllerConfig{MaxWorkers: opts.Workers}),
		tenants:    opts.Tenants,
		log:        log,
	}
}

// RunReport summarizes one completed run.
type RunReport struct {
	Run     *Run
	Tenants []*TenantReport
}

// TenantReport summarizes one tenant's pass through the stage chain.
type TenantReport struct {
	TenantSlug string

	// Batches is the number of raw batches consumed
	Batches int

	// Discovered is the number of unclassified schemas recorded
	Discovered int

	// MasterRows sums the rows of the materialized master model tables
	MasterRows int

	// Links is the tenant's total identity link count after this run
	Links int

	// NewLinks is how many links this run inserted
	NewLinks int64

	// Sessions is the number of materialized sessions
	Sessions int

	// Facts is the number of materialized facts across fct_ tables
	Facts int

	// Attributed is how many facts gained a session attribution
	Attributed int

	// CatalogColumns is the size of the regenerated semantic catalog
	CatalogColumns int

	// Artifacts is the number of exported objects
	Artifacts int

	Elapsed time.Duration
}

// RunOnce executes one full recomputation run and records it in the
// ledger. Only one run may be active at a time.
func (o *Orchestrator) RunOnce(ctx context.Context, trigger string) (*RunReport, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return nil, errors.New(errors.ErrCategoryPipeline, errors.CodeRunActive, "a pipeline run is already active")
	}
	o.active = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}()

	start := time.Now()
	run, err := o.ledger.Begin(ctx, trigger)
	if err != nil {
		return nil, err
	}

	tenants, err := o.resolveTenants(ctx)
	if err != nil {
		o.finish(ctx, run, StatusFailed, err, 0, start)
		return nil, err
	}

	o.log.Infow("pipeline run started",
		"run_id", run.RunID,
		"trigger", trigger,
		"tenants", len(tenants),
	)

	o.controller.Adjust()
	workers := o.controller.Workers()

	// First tenant failure cancels the rest of the run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		mu       sync.Mutex
		firstErr error
		reports  []*TenantReport
	)

	for _, tenant := range tenants {
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				return
			}

			report, err := o.runTenant(runCtx, run.RunID, slug)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.controller.RecordFailure()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			o.controller.RecordSuccess()
			reports = append(reports, report)
		}(tenant)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].TenantSlug < reports[j].TenantSlug })

	if firstErr != nil {
		o.finish(ctx, run, StatusFailed, firstErr, len(reports), start)
		return &RunReport{Run: run, Tenants: reports}, firstErr
	}

	o.finish(ctx, run, StatusSucceeded, nil, len(reports), start)
	o.log.Infow("pipeline run complete",
		"run_id", run.RunID,
		"tenants", len(reports),
		"workers", workers,
		"elapsed", time.Since(start),
	)
	return &RunReport{Run: run, Tenants: reports}, nil
}

// finish closes the ledger row and emits the run metric. Callers pass
// the run's parent context, not the cancelable tenant context.
func (o *Orchestrator) finish(ctx context.Context, run *Run, status string, cause error, tenantCount int, start time.Time) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := o.ledger.Finish(ctx, run.RunID, status, errMsg, tenantCount); err != nil {
		o.log.Errorw("failed to record run finish", "run_id", run.RunID, "error", err)
	}
	run.Status = status
	run.Error = errMsg
	run.TenantCount = tenantCount
	run.FinishedAt = time.Now()
	o.recorder.RunFinished(status, time.Since(start))
}

// resolveTenants returns the configured tenant list or every tenant in
// the raw batch log.
func (o *Orchestrator) resolveTenants(ctx context.Context) ([]string, error) {
	if len(o.tenants) > 0 {
		out := make([]string, len(o.tenants))
		copy(out, o.tenants)
		sort.Strings(out)
		return out, nil
	}
	tenants, err := o.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to list tenants: %w", err)
	}
	return tenants, nil
}

// Controller exposes the worker pool controller for observability.
func (o *Orchestrator) Controller() *Controller {
	return o.controller
}
