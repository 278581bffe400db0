// Package metrics defines the minimal backend interface the pipeline
// reports through. Stages record against a Recorder; the active backend
// decides where the numbers go (Datadog in production, nop otherwise).
package metrics

import "time"

// Labels tag a single observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for
// concurrent use; recording must never block a pipeline stage.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
	Close() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

// Nop returns a backend that discards everything.
func Nop() Backend { return nopBackend{} }

// Metric names. Counters end in .total, histograms carry their unit.
const (
	MetricRunsTotal        = "strata.runs.total"
	MetricRunDuration      = "strata.run.duration_seconds"
	MetricStageDuration    = "strata.stage.duration_seconds"
	MetricStageRowsTotal   = "strata.stage.rows.total"
	MetricBatchesTotal     = "strata.batches.total"
	MetricDiscoveriesTotal = "strata.discoveries.total"
	MetricFactsTotal       = "strata.attribution.facts.total"
)

// Recorder translates pipeline events into backend observations.
type Recorder struct {
	backend Backend
}

// NewRecorder wraps a backend; nil falls back to the nop backend.
func NewRecorder(backend Backend) *Recorder {
	if backend == nil {
		backend = Nop()
	}
	return &Recorder{backend: backend}
}

// RunFinished records one pipeline run with its outcome and wall time.
func (r *Recorder) RunFinished(status string, elapsed time.Duration) {
	r.backend.IncCounter(MetricRunsTotal, 1, Labels{"status": status})
	r.backend.ObserveHistogram(MetricRunDuration, elapsed.Seconds(), Labels{"status": status})
}

// StageFinished records one stage execution for one tenant.
func (r *Recorder) StageFinished(tenant, stage string, elapsed time.Duration, rows int) {
	labels := Labels{"tenant": tenant, "stage": stage}
	r.backend.ObserveHistogram(MetricStageDuration, elapsed.Seconds(), labels)
	r.backend.IncCounter(MetricStageRowsTotal, float64(rows), labels)
}

// BatchAccepted records one raw batch entering the intake surface.
func (r *Recorder) BatchAccepted(tenant, sourcePlatform string) {
	r.backend.IncCounter(MetricBatchesTotal, 1, Labels{
		"tenant": tenant,
		"source": sourcePlatform,
	})
}

// DiscoveriesRecorded counts schemas seen without a registered blueprint.
func (r *Recorder) DiscoveriesRecorded(tenant string, n int) {
	if n <= 0 {
		return
	}
	r.backend.IncCounter(MetricDiscoveriesTotal, float64(n), Labels{"tenant": tenant})
}

// AttributionResolved records per-fact attribution outcomes.
func (r *Recorder) AttributionResolved(tenant string, attributed, screened, unattributed int) {
	labels := func(outcome string) Labels {
		return Labels{"tenant": tenant, "outcome": outcome}
	}
	if attributed > 0 {
		r.backend.IncCounter(MetricFactsTotal, float64(attributed), labels("attributed"))
	}
	if screened > 0 {
		r.backend.IncCounter(MetricFactsTotal, float64(screened), labels("screened"))
	}
	if unattributed > 0 {
		r.backend.IncCounter(MetricFactsTotal, float64(unattributed), labels("unattributed"))
	}
}
