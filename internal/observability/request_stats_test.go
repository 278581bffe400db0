package observability

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

// TestRecordConcurrent tests concurrent Record calls for race conditions.
func TestRecordConcurrent(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)
				rs.Record("/v1/runs/{id}", http.MethodGet, http.StatusOK, time.Millisecond)
				rs.Record("/v1/catalog", http.MethodGet, http.StatusOK, time.Millisecond)
			}
		}()
	}

	wg.Wait()

	top := rs.Top(10)
	if len(top) != 3 {
		t.Errorf("expected 3 routes, got %d", len(top))
	}

	expectedCount := int64(numGoroutines * recordsPerGoroutine)
	for _, stat := range top {
		if stat.Count != expectedCount {
			t.Errorf("expected count %d for %s, got %d", expectedCount, stat.Route, stat.Count)
		}
	}
}

// TestTopOrdering tests that Top returns routes sorted by request count.
func TestTopOrdering(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)

	for i := 0; i < 10; i++ {
		rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		rs.Record("/v1/discoveries", http.MethodGet, http.StatusOK, time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		rs.Record("/v1/tables/{name}", http.MethodGet, http.StatusOK, time.Millisecond)
	}

	top := rs.Top(3)
	if len(top) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(top))
	}

	if top[0].Route != "/v1/tables/{name}" || top[0].Count != 20 {
		t.Errorf("expected /v1/tables/{name} with count 20, got %s with %d", top[0].Route, top[0].Count)
	}
	if top[1].Route != "/v1/batches" || top[1].Count != 10 {
		t.Errorf("expected /v1/batches with count 10, got %s with %d", top[1].Route, top[1].Count)
	}
	if top[2].Route != "/v1/discoveries" || top[2].Count != 5 {
		t.Errorf("expected /v1/discoveries with count 5, got %s with %d", top[2].Route, top[2].Count)
	}
}

// TestRecordTracksErrorsAndLatency tests error counting and mean latency.
func TestRecordTracksErrorsAndLatency(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)

	rs.Record("/v1/batches", http.MethodPost, http.StatusOK, 10*time.Millisecond)
	rs.Record("/v1/batches", http.MethodPost, http.StatusBadRequest, 20*time.Millisecond)
	rs.Record("/v1/batches", http.MethodPost, http.StatusInternalServerError, 30*time.Millisecond)

	top := rs.Top(1)
	if len(top) != 1 {
		t.Fatalf("expected 1 route, got %d", len(top))
	}

	stat := top[0]
	if stat.Count != 3 {
		t.Errorf("count mismatch: got %d, want 3", stat.Count)
	}
	// 4xx is a caller problem, not a route error
	if stat.Errors != 1 {
		t.Errorf("errors mismatch: got %d, want 1", stat.Errors)
	}
	if got := stat.MeanElapsed(); got != 20*time.Millisecond {
		t.Errorf("mean elapsed mismatch: got %v, want %v", got, 20*time.Millisecond)
	}
}

// TestRecordTracksMethodDistribution tests per-method counts on one route.
func TestRecordTracksMethodDistribution(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)

	for i := 0; i < 5; i++ {
		rs.Record("/v1/tenants/{slug}/config", http.MethodPut, http.StatusOK, time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		rs.Record("/v1/tenants/{slug}/config", http.MethodGet, http.StatusOK, time.Millisecond)
	}

	top := rs.Top(1)
	if len(top) != 1 {
		t.Fatalf("expected 1 route, got %d", len(top))
	}

	stat := top[0]
	if stat.Count != 8 {
		t.Errorf("count mismatch: got %d, want 8", stat.Count)
	}
	if stat.Methods[http.MethodPut] != 5 {
		t.Errorf("expected 5 PUT requests, got %d", stat.Methods[http.MethodPut])
	}
	if stat.Methods[http.MethodGet] != 3 {
		t.Errorf("expected 3 GET requests, got %d", stat.Methods[http.MethodGet])
	}
}

// TestPruneRemovesIdleRoutes tests that Prune removes routes outside the window.
func TestPruneRemovesIdleRoutes(t *testing.T) {
	window := 100 * time.Millisecond
	rs := NewRequestStats(window)

	rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)

	top := rs.Top(10)
	if len(top) != 1 {
		t.Errorf("expected 1 route before prune, got %d", len(top))
	}

	time.Sleep(window + 50*time.Millisecond)
	rs.Prune()

	top = rs.Top(10)
	if len(top) != 0 {
		t.Errorf("expected 0 routes after prune, got %d", len(top))
	}
}

// TestPruneZeroWindowKeepsEverything tests that a zero window disables pruning.
func TestPruneZeroWindowKeepsEverything(t *testing.T) {
	rs := NewRequestStats(0)
	rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)

	rs.Prune()

	if top := rs.Top(10); len(top) != 1 {
		t.Errorf("expected 1 route after prune with zero window, got %d", len(top))
	}
}

// TestTopEmpty tests Top with no data.
func TestTopEmpty(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)
	if top := rs.Top(10); len(top) != 0 {
		t.Errorf("expected 0 routes, got %d", len(top))
	}
}

// TestTopLimitExceedsData tests Top when n exceeds the tracked routes.
func TestTopLimitExceedsData(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)
	rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)
	rs.Record("/v1/catalog", http.MethodGet, http.StatusOK, time.Millisecond)

	if top := rs.Top(100); len(top) != 2 {
		t.Errorf("expected 2 routes, got %d", len(top))
	}
}

// TestTopCopiesAreIsolated tests that mutating a returned copy does not
// touch the live counters.
func TestTopCopiesAreIsolated(t *testing.T) {
	rs := NewRequestStats(1 * time.Hour)
	rs.Record("/v1/batches", http.MethodPost, http.StatusOK, time.Millisecond)

	top := rs.Top(1)
	top[0].Methods[http.MethodPost] = 999
	top[0].Count = 999

	fresh := rs.Top(1)
	if fresh[0].Count != 1 {
		t.Errorf("count mismatch after copy mutation: got %d, want 1", fresh[0].Count)
	}
	if fresh[0].Methods[http.MethodPost] != 1 {
		t.Errorf("method count mismatch after copy mutation: got %d, want 1", fresh[0].Methods[http.MethodPost])
	}
}
