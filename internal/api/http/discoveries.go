package http

import (
	"net/http"
	"time"

	"github.com/stratalabs/strata/internal/registry"
)

// DiscoveryView is one unresolved schema fingerprint awaiting a
// blueprint.
type DiscoveryView struct {
	Fingerprint    string    `json:"fingerprint"`
	TenantSlug     string    `json:"tenant_slug"`
	SourcePlatform string    `json:"source_platform"`
	TableName      string    `json:"table_name"`
	SampleColumns  []string  `json:"sample_columns,omitempty"`
	BatchCount     int64     `json:"batch_count"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// DiscoveriesResponse lists unresolved fingerprints, most recent first.
type DiscoveriesResponse struct {
	Discoveries []DiscoveryView `json:"discoveries"`
	RequestID   string          `json:"request_id"`
}

// DiscoveryHandler handles GET /v1/discoveries.
type DiscoveryHandler struct {
	registry registry.Registry
}

// NewDiscoveryHandler creates the discovery listing handler.
func NewDiscoveryHandler(reg registry.Registry) *DiscoveryHandler {
	return &DiscoveryHandler{registry: reg}
}

func (h *DiscoveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	discoveries, err := h.registry.Discoveries(r.Context())
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	views := make([]DiscoveryView, 0, len(discoveries))
	for _, d := range discoveries {
		views = append(views, DiscoveryView{
			Fingerprint:    string(d.Fingerprint),
			TenantSlug:     d.TenantSlug,
			SourcePlatform: d.SourcePlatform,
			TableName:      d.TableName,
			SampleColumns:  d.SampleColumns,
			BatchCount:     d.BatchCount,
			FirstSeenAt:    d.FirstSeenAt,
			LastSeenAt:     d.LastSeenAt,
		})
	}

	writeJSON(w, http.StatusOK, DiscoveriesResponse{
		Discoveries: views,
		RequestID:   requestID,
	})
}
