package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestShutdown_RunsClosersInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var mu sync.Mutex
	var order []string
	closer := func(name string) CloserFunc {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	sm.RegisterCloser(closer("first"))
	sm.RegisterCloser(closer("second"))
	sm.RegisterCloser(closer("third"))

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("closer count mismatch: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("closer order mismatch at %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestShutdown_OnlyFirstCallRuns(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	calls := 0
	sm.RegisterCloser(CloserFunc(func() error {
		calls++
		return fmt.Errorf("close exploded")
	}))

	if err := sm.Shutdown(context.Background(), "first"); err == nil {
		t.Errorf("first shutdown should surface the closer error")
	}
	if err := sm.Shutdown(context.Background(), "second"); err != nil {
		t.Errorf("second shutdown should be a no-op, got %v", err)
	}
	if calls != 1 {
		t.Errorf("closer call count mismatch: got %d, want 1", calls)
	}
}

func TestShutdown_StartCallbackRunsBeforeClosers(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var order []string
	sm.OnShutdownStart(func() { order = append(order, "callback") })
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "closer")
		return nil
	}))

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if len(order) != 2 || order[0] != "callback" || order[1] != "closer" {
		t.Errorf("order mismatch: got %v, want [callback closer]", order)
	}
}

func TestTrackRequest_RejectedDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	if !sm.TrackRequest() {
		t.Fatalf("request should be accepted before shutdown")
	}
	sm.UntrackRequest()

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if sm.TrackRequest() {
		t.Errorf("request should be rejected after shutdown")
	}
	if !sm.IsShuttingDown() {
		t.Errorf("IsShuttingDown should be true after shutdown")
	}
}

func TestShutdown_DrainsInFlightRequests(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second})

	if !sm.TrackRequest() {
		t.Fatalf("request should be accepted")
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		sm.UntrackRequest()
	}()

	start := time.Now()
	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("shutdown returned before the in-flight request drained: %v", elapsed)
	}
	if sm.InFlightCount() != 0 {
		t.Errorf("in-flight count mismatch: got %d, want 0", sm.InFlightCount())
	}
}

func TestShutdown_DrainTimeoutSurfacesStuckRequests(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 30 * time.Millisecond})

	// Never untracked
	if !sm.TrackRequest() {
		t.Fatalf("request should be accepted")
	}

	err := sm.Shutdown(context.Background(), "test")
	if err == nil {
		t.Fatalf("shutdown should report the stuck request")
	}
}

func TestShutdownMiddleware_Rejects503DuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	handler := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status mismatch before shutdown: got %d, want %d", rec.Code, http.StatusOK)
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status mismatch during shutdown: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Errorf("connection header mismatch: got %q, want %q", rec.Header().Get("Connection"), "close")
	}
}

func TestListenForSignals_ReturnsOnContextCancel(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sm.ListenForSignals(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ListenForSignals did not return after context cancel")
	}
	if !sm.IsShuttingDown() {
		t.Errorf("shutdown should have been triggered")
	}
}
