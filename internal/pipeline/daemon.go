package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/storage"
	"github.com/stratalabs/strata/internal/warehouse"
)

// DaemonConfig holds the daemon's scheduling and retention settings.
type DaemonConfig struct {
	// Interval is the cadence of scheduled runs. Defaults to 15 minutes.
	Interval time.Duration

	// Retention bounds how long raw batches, run history, and exported
	// artifacts are kept. Zero disables the retention sweep.
	Retention time.Duration

	// ExportPrefix is the object key prefix the exporter writes under,
	// used to scope the artifact sweep.
	ExportPrefix string
}

// Daemon runs the pipeline on an interval and on demand. Manual
// triggers that arrive while a run is in flight coalesce into a single
// follow-up run. Each cycle ends with a retention sweep.
type Daemon struct {
	orchestrator *Orchestrator
	ledger       *Ledger
	store        warehouse.Store

	// objects is the export backend swept for expired artifacts; nil
	// limits the sweep to the warehouse and the run ledger
	objects storage.ObjectStorage

	interval     time.Duration
	retention    time.Duration
	exportPrefix string
	log          *zap.SugaredLogger

	kick chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a pipeline daemon.
func NewDaemon(orchestrator *Orchestrator, ledger *Ledger, store warehouse.Store, objects storage.ObjectStorage, cfg DaemonConfig, log *zap.SugaredLogger) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}
	prefix := cfg.ExportPrefix
	if prefix == "" {
		prefix = "exports"
	}

	return &Daemon{
		orchestrator: orchestrator,
		ledger:       ledger,
		store:        store,
		objects:      objects,
		interval:     cfg.Interval,
		retention:    cfg.Retention,
		exportPrefix: prefix,
		log:          log,
		kick:         make(chan struct{}, 1),
	}
}

// Start begins the run loop. The first cycle starts immediately; the
// loop runs until the context is canceled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("pipeline: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// Trigger requests a run. When a request is already queued the call
// coalesces into it and returns true.
func (d *Daemon) Trigger() bool {
	select {
	case d.kick <- struct{}{}:
		return false
	default:
		return true
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.cycle(ctx, TriggerStartup)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cycle(ctx, TriggerInterval)
		case <-d.kick:
			d.cycle(ctx, TriggerManual)
		}
	}
}

// cycle executes one run followed by the retention sweep. Failures are
// logged, not fatal; the loop keeps its cadence.
func (d *Daemon) cycle(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}

	if _, err := d.orchestrator.RunOnce(ctx, trigger); err != nil {
		d.log.Errorw("pipeline run failed", "trigger", trigger, "error", err)
	}

	if ctx.Err() != nil {
		return
	}
	if err := d.collectGarbage(ctx); err != nil {
		d.log.Errorw("retention sweep failed", "error", err)
	}
}

// collectGarbage prunes raw batches and run history past the retention
// cutoff, then deletes the pruned runs' exported artifacts.
func (d *Daemon) collectGarbage(ctx context.Context) error {
	if d.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-d.retention)

	pruned, err := d.store.PruneBatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: failed to prune batches: %w", err)
	}

	runIDs, err := d.ledger.PruneRuns(ctx, cutoff)
	if err != nil {
		return err
	}

	deleted := 0
	if d.objects != nil && len(runIDs) > 0 {
		deleted = d.sweepArtifacts(ctx, runIDs)
	}

	if pruned > 0 || len(runIDs) > 0 {
		d.log.Infow("retention sweep complete",
			"cutoff", cutoff,
			"batches", pruned,
			"runs", len(runIDs),
			"artifacts", deleted,
		)
	}
	return nil
}

// sweepArtifacts deletes every export object belonging to one of the
// pruned runs. Individual delete failures are logged and skipped; the
// next sweep retries them.
func (d *Daemon) sweepArtifacts(ctx context.Context, runIDs []string) int {
	paths, err := d.objects.ListObjects(ctx, d.exportPrefix)
	if err != nil {
		d.log.Warnw("failed to list export objects", "prefix", d.exportPrefix, "error", err)
		return 0
	}

	expired := make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		expired[id] = struct{}{}
	}

	deleted := 0
	for _, p := range paths {
		if ctx.Err() != nil {
			return deleted
		}
		if !pathHasRun(p, expired) {
			continue
		}
		if err := d.objects.Delete(ctx, p); err != nil {
			d.log.Warnw("failed to delete expired artifact", "path", p, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// pathHasRun reports whether any path segment names one of the runs.
// Export keys embed the run id as its own segment.
func pathHasRun(p string, runIDs map[string]struct{}) bool {
	for _, seg := range strings.Split(p, "/") {
		if _, ok := runIDs[seg]; ok {
			return true
		}
	}
	return false
}
