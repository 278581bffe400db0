// Package datadog implements a buffered Datadog backend for
// internal/metrics. Observations accumulate in memory under a mutex, a
// background loop submits them on an interval, and Close performs one
// final flush so short-lived commands still report.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"github.com/stratalabs/strata/internal/metrics"
)

// Options configures the backend.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "strata".
	JobName string

	// Tags are extra Datadog tags (e.g. "env:prod").
	Tags []string

	// FlushEvery controls the submit interval. Defaults to 60s.
	FlushEvery time.Duration

	// Unexported test seams. Production never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter narrows the concrete *datadogV2.MetricsApi so tests
// can capture payloads without network access.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend buffers observations keyed by metric name and tag set.
type Backend struct {
	api      metricsSubmitter
	ctx      context.Context
	baseTags []string

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
}

// NewBackend constructs the backend and starts its flush loop. API
// credentials come from the environment (DD_API_KEY) via the official
// client's default context.
func NewBackend(parent context.Context, opts Options) *Backend {
	job := opts.JobName
	if job == "" {
		job = "strata"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	tickerFn := opts.newTicker
	if tickerFn == nil {
		tickerFn = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		baseTags:   baseTags,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        nowFn,
		newTicker:  tickerFn,
		counters:   make(map[string]float64),
		samples:    make(map[string][]float64),
	}
	go b.loop()
	return b
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	key := seriesKey(name, labels)
	b.mu.Lock()
	b.counters[key] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	key := seriesKey(name, labels)
	b.mu.Lock()
	b.samples[key] = append(b.samples[key], value)
	b.mu.Unlock()
}

// seriesKey encodes a metric name with its sorted tags so identical
// observations coalesce into one series.
func seriesKey(name string, labels metrics.Labels) string {
	if len(labels) == 0 {
		return name
	}
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return name + "\x00" + strings.Join(tags, ",")
}

func splitSeriesKey(key string) (name string, tags []string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], strings.Split(parts[1], ",")
}

// Flush submits buffered observations and resets the buffers. Buffers
// reset even when submission fails; recording must stay cheap and a
// lossy window beats blocking the pipeline.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters := b.counters
	samples := b.samples
	b.counters = make(map[string]float64)
	b.samples = make(map[string][]float64)
	b.mu.Unlock()

	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	payload := datadogV2.MetricPayload{
		Series: b.buildSeries(counters, samples, b.now().Unix()),
	}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// Close stops the flush loop and submits whatever is still buffered.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// buildSeries is pure so tests can cover naming and tagging without a
// clock or network.
func (b *Backend) buildSeries(counters map[string]float64, samples map[string][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))

	for key, value := range counters {
		if value == 0 {
			continue
		}
		name, tags := splitSeriesKey(key)
		series = append(series, b.countSeries(name, value, tags, nowUnix))
	}

	for key, values := range samples {
		if len(values) == 0 {
			continue
		}
		name, tags := splitSeriesKey(key)
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		series = append(series,
			b.gaugeSeries(name+".p50", percentile(sorted, 0.50), tags, nowUnix),
			b.gaugeSeries(name+".p95", percentile(sorted, 0.95), tags, nowUnix),
			b.gaugeSeries(name+".p99", percentile(sorted, 0.99), tags, nowUnix),
			b.gaugeSeries(name+".max", sorted[len(sorted)-1], tags, nowUnix),
			b.gaugeSeries(name+".samples", float64(len(sorted)), tags, nowUnix),
		)
	}

	return series
}

func (b *Backend) countSeries(name string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: name,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: append(append([]string(nil), b.baseTags...), tags...),
	}
}

func (b *Backend) gaugeSeries(name string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: name,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: append(append([]string(nil), b.baseTags...), tags...),
	}
}

// percentile returns the nearest-rank percentile of sorted samples.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)
