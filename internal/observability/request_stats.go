// Package observability provides request statistics tracking for the
// control-plane API: per-route frequency, error counts, and latency.
package observability

import (
	"sort"
	"sync"
	"time"
)

// RequestStats tracks per-route request frequency over a sliding window.
type RequestStats struct {
	mu     sync.RWMutex
	routes map[string]*RouteStats
	window time.Duration
}

// RouteStats holds the accumulated statistics of one route.
type RouteStats struct {
	Route    string
	Count    int64
	Errors   int64
	Elapsed  time.Duration
	LastSeen time.Time
	Methods  map[string]int
}

// MeanElapsed returns the average request duration for the route.
func (r *RouteStats) MeanElapsed() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return time.Duration(int64(r.Elapsed) / r.Count)
}

// NewRequestStats creates a tracker whose entries expire after window
// without traffic. A zero window keeps entries forever.
func NewRequestStats(window time.Duration) *RequestStats {
	return &RequestStats{
		routes: make(map[string]*RouteStats),
		window: window,
	}
}

// Record counts one request against a normalized route label.
// Statuses of 500 and above count as errors.
// This method is O(1) and thread-safe.
func (s *RequestStats) Record(route, method string, status int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, exists := s.routes[route]
	if !exists {
		stats = &RouteStats{
			Route:   route,
			Methods: make(map[string]int),
		}
		s.routes[route] = stats
	}

	stats.Count++
	if status >= 500 {
		stats.Errors++
	}
	stats.Elapsed += elapsed
	stats.LastSeen = time.Now()
	stats.Methods[method]++
}

// Top returns the n busiest routes by request count.
// Returns a copy of the stats sorted by count (descending).
func (s *RequestStats) Top(n int) []RouteStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.routes) == 0 {
		return []RouteStats{}
	}

	stats := make([]RouteStats, 0, len(s.routes))
	for _, r := range s.routes {
		// Deep copy so callers cannot mutate the live counters
		statsCopy := RouteStats{
			Route:    r.Route,
			Count:    r.Count,
			Errors:   r.Errors,
			Elapsed:  r.Elapsed,
			LastSeen: r.LastSeen,
			Methods:  make(map[string]int),
		}
		for m, count := range r.Methods {
			statsCopy.Methods[m] = count
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Route < stats[j].Route
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes routes with no traffic inside the window.
// Called lazily before reads; cheap enough to call on every read.
func (s *RequestStats) Prune() {
	if s.window <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for route, stats := range s.routes {
		if stats.LastSeen.Before(threshold) {
			delete(s.routes, route)
		}
	}
}
