// Package server coordinates graceful shutdown: signal handling,
// in-flight request draining, and ordered resource teardown.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownConfig bounds how long shutdown waits.
type ShutdownConfig struct {
	// ShutdownTimeout caps the whole shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration

	// DrainTimeout caps the wait for in-flight requests. Defaults to 15s.
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default timeouts.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// ShutdownManager runs shutdown exactly once: new requests are
// rejected, in-flight ones drain, then closers run in reverse
// registration order.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration

	downCh   chan struct{}
	once     sync.Once
	down     atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	closers []io.Closer
	onStart []func()
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		downCh:          make(chan struct{}),
	}
}

// RegisterCloser adds a closer. Closers run in reverse registration
// order (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// OnShutdownStart registers a callback that runs as soon as shutdown
// begins, before draining.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGTERM/SIGINT or context cancellation
// and then runs shutdown. Returns immediately if shutdown was already
// triggered elsewhere.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(ctx, fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(ctx, "context canceled")
	case <-sm.downCh:
		return nil
	}
}

// Shutdown drains in-flight requests and runs the registered closers.
// Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var err error
	sm.once.Do(func() {
		err = sm.run(ctx)
	})
	return err
}

func (sm *ShutdownManager) run(ctx context.Context) error {
	sm.down.Store(true)
	close(sm.downCh)

	sm.mu.Lock()
	callbacks := sm.onStart
	sm.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}

	ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	drainErr := sm.drain(ctx)
	if closeErr := sm.closeAll(); drainErr == nil {
		drainErr = closeErr
	}
	return drainErr
}

// drain polls until no requests are in flight or the drain timeout
// passes.
func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			if remaining := sm.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
		case <-ticker.C:
		}
	}
	return nil
}

// closeAll runs the closers newest-first and returns the first error.
func (sm *ShutdownManager) closeAll() error {
	sm.mu.Lock()
	closers := sm.closers
	sm.mu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close failed: %w", err)
		}
	}
	return firstErr
}

// TrackRequest counts a request in. Returns false when shutdown has
// begun and the request must be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.down.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest counts a request out.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.down.Load()
}

// InFlightCount returns the number of requests currently in flight.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh returns a channel closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.downCh
}

// ShutdownMiddleware tracks in-flight requests and rejects new ones
// with 503 once shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()

			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
