package http

import (
	"net/http"

	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/semantics"
)

// CatalogResponse is one tenant's semantic catalog as produced by the
// latest run that reached the catalog stage.
type CatalogResponse struct {
	TenantSlug string             `json:"tenant_slug"`
	Catalog    *semantics.Catalog `json:"catalog"`
	RequestID  string             `json:"request_id"`
}

// CatalogListResponse maps tenant slug to catalog when no tenant was
// asked for.
type CatalogListResponse struct {
	Tenants   map[string]*semantics.Catalog `json:"tenants"`
	RequestID string                        `json:"request_id"`
}

// CatalogHandler handles GET /v1/catalog and
// GET /v1/catalog?tenant={slug}.
type CatalogHandler struct {
	ledger *pipeline.Ledger
}

// NewCatalogHandler creates the semantic catalog handler.
func NewCatalogHandler(ledger *pipeline.Ledger) *CatalogHandler {
	return &CatalogHandler{ledger: ledger}
}

func (h *CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		catalogs, err := h.ledger.Catalogs(r.Context())
		if err != nil {
			writeDomainError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, CatalogListResponse{
			Tenants:   catalogs,
			RequestID: requestID,
		})
		return
	}

	catalog, ok, err := h.ledger.Catalog(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no catalog recorded for tenant", requestID)
		return
	}

	writeJSON(w, http.StatusOK, CatalogResponse{
		TenantSlug: tenant,
		Catalog:    catalog,
		RequestID:  requestID,
	})
}
