package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Controller sizes the tenant worker pool from the recent failure rate.
// Tenant runs hit shared resources (the warehouse writer, object
// storage, the optional Postgres mirror); when those degrade, pushing
// the full worker count at them grows the failure backlog instead of
// the throughput. The controller halves the pool while failures are
// elevated and ramps back up as runs succeed.
type Controller struct {
	maxWorkers int32
	minWorkers int32
	threshold  float64

	current atomic.Int32

	mu       sync.Mutex
	attempts []attempt
	window   time.Duration
}

type attempt struct {
	at      time.Time
	success bool
}

// ControllerConfig holds worker pool sizing bounds.
type ControllerConfig struct {
	// MaxWorkers is the upper bound for concurrent tenant runs.
	MaxWorkers int

	// MinWorkers is the lower bound (default: 1).
	MinWorkers int

	// FailureThreshold is the failure rate above which the pool
	// shrinks (default: 0.10).
	FailureThreshold float64

	// Window is the sliding window failures are counted over
	// (default: 10m).
	Window time.Duration
}

// NewController creates a controller starting at full worker count.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.10
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}

	c := &Controller{
		maxWorkers: int32(cfg.MaxWorkers),
		minWorkers: int32(cfg.MinWorkers),
		threshold:  cfg.FailureThreshold,
		window:     cfg.Window,
	}
	c.current.Store(int32(cfg.MaxWorkers))
	return c
}

// RecordSuccess records one completed tenant run.
func (c *Controller) RecordSuccess() {
	c.record(true)
}

// RecordFailure records one failed tenant run.
func (c *Controller) RecordFailure() {
	c.record(false)
}

func (c *Controller) record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, attempt{at: time.Now(), success: success})
}

// FailureRate returns the failure rate within the sliding window.
func (c *Controller) FailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureRateLocked()
}

func (c *Controller) failureRateLocked() float64 {
	c.pruneLocked()

	if len(c.attempts) == 0 {
		return 0
	}
	failures := 0
	for _, a := range c.attempts {
		if !a.success {
			failures++
		}
	}
	return float64(failures) / float64(len(c.attempts))
}

// pruneLocked drops attempts older than the window. Caller holds c.mu.
func (c *Controller) pruneLocked() {
	cutoff := time.Now().Add(-c.window)
	i := 0
	for i < len(c.attempts) && c.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.attempts = c.attempts[i:]
	}
}

// Adjust recalculates the worker count from the recent failure rate.
// Called at the start of each run: halve above the threshold, double on
// a clean window, step up by one in between.
func (c *Controller) Adjust() {
	c.mu.Lock()
	rate := c.failureRateLocked()
	hasHistory := len(c.attempts) > 0
	c.mu.Unlock()

	current := c.current.Load()

	switch {
	case rate > c.threshold:
		next := current / 2
		if next < c.minWorkers {
			next = c.minWorkers
		}
		c.current.Store(next)
	case rate == 0 && hasHistory:
		next := current * 2
		if next > c.maxWorkers {
			next = c.maxWorkers
		}
		c.current.Store(next)
	case rate <= c.threshold:
		next := current + 1
		if next > c.maxWorkers {
			next = c.maxWorkers
		}
		c.current.Store(next)
	}
}

// Workers returns the current allowed worker count.
func (c *Controller) Workers() int {
	return int(c.current.Load())
}

// ControllerStats is a snapshot of the controller's state.
type ControllerStats struct {
	Workers          int     `json:"workers"`
	FailureRate      float64 `json:"failure_rate"`
	AttemptsInWindow int     `json:"attempts_in_window"`
	FailuresInWindow int     `json:"failures_in_window"`
}

// Stats returns current controller statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	failures := 0
	for _, a := range c.attempts {
		if !a.success {
			failures++
		}
	}

	return ControllerStats{
		Workers:          int(c.current.Load()),
		FailureRate:      c.failureRateLocked(),
		AttemptsInWindow: len(c.attempts),
		FailuresInWindow: failures,
	}
}
