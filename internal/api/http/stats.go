package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/stratalabs/strata/internal/observability"
	"github.com/stratalabs/strata/internal/warehouse"
	"github.com/stratalabs/strata/pkg/types"
)

// IdentityStatsResponse is the body of GET /v1/stats/identity.
type IdentityStatsResponse struct {
	TenantSlug string `json:"tenant_slug"`
	types.IdentityStats
	RequestID string `json:"request_id"`
}

// IdentityStatsHandler handles GET /v1/stats/identity?tenant={slug}.
// Stats are written by the sessions stage, so a tenant that has never
// completed a run has none.
type IdentityStatsHandler struct {
	store warehouse.Store
}

// NewIdentityStatsHandler creates the identity stats handler.
func NewIdentityStatsHandler(store warehouse.Store) *IdentityStatsHandler {
	return &IdentityStatsHandler{store: store}
}

func (h *IdentityStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required", requestID)
		return
	}

	stats, ok, err := h.store.IdentityStats(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no identity stats recorded for tenant", requestID)
		return
	}

	writeJSON(w, http.StatusOK, IdentityStatsResponse{
		TenantSlug:    tenant,
		IdentityStats: *stats,
		RequestID:     requestID,
	})
}

// RouteStatsView is one route entry in GET /v1/stats/requests.
type RouteStatsView struct {
	Route      string         `json:"route"`
	Count      int64          `json:"count"`
	Errors     int64          `json:"errors"`
	MeanMillis int64          `json:"mean_ms"`
	Methods    map[string]int `json:"methods"`
	LastSeen   time.Time      `json:"last_seen"`
}

// RequestStatsResponse is the body of GET /v1/stats/requests.
type RequestStatsResponse struct {
	Routes    []RouteStatsView `json:"routes"`
	RequestID string           `json:"request_id"`
}

// RequestStatsHandler handles GET /v1/stats/requests?limit={n}, the
// operator view of API traffic by route.
type RequestStatsHandler struct {
	stats *observability.RequestStats
}

// NewRequestStatsHandler creates the request stats handler.
func NewRequestStatsHandler(stats *observability.RequestStats) *RequestStatsHandler {
	return &RequestStatsHandler{stats: stats}
}

func (h *RequestStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", requestID)
			return
		}
		limit = n
	}

	h.stats.Prune()

	top := h.stats.Top(limit)
	views := make([]RouteStatsView, 0, len(top))
	for _, s := range top {
		views = append(views, RouteStatsView{
			Route:      s.Route,
			Count:      s.Count,
			Errors:     s.Errors,
			MeanMillis: s.MeanElapsed().Milliseconds(),
			Methods:    s.Methods,
			LastSeen:   s.LastSeen,
		})
	}

	writeJSON(w, http.StatusOK, RequestStatsResponse{
		Routes:    views,
		RequestID: requestID,
	})
}
