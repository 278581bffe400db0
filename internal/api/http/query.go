package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/warehouse"
)

// TableStatView is one output table's stats row.
type TableStatView struct {
	TableName string     `json:"table_name"`
	RowCount  int64      `json:"row_count"`
	MinTime   *time.Time `json:"min_time,omitempty"`
	MaxTime   *time.Time `json:"max_time,omitempty"`
	BuiltAt   time.Time  `json:"built_at"`
}

// TableListResponse lists a tenant's output tables.
type TableListResponse struct {
	TenantSlug string          `json:"tenant_slug"`
	Tables     []TableStatView `json:"tables"`
	RequestID  string          `json:"request_id"`
}

// TableReadResponse is one output table's full contents. This is an
// operator surface; downstream query layers read the mirrored
// Postgres tables instead.
type TableReadResponse struct {
	TenantSlug string                   `json:"tenant_slug"`
	TableName  string                   `json:"table_name"`
	Columns    []string                 `json:"columns"`
	Rows       []map[string]interface{} `json:"rows"`
	RowCount   int                      `json:"row_count"`
	RequestID  string                   `json:"request_id"`
}

// TableHandler serves GET /v1/tables?tenant={slug} and
// GET /v1/tables/{name}?tenant={slug}.
type TableHandler struct {
	store warehouse.Store
}

// NewTableHandler creates the warehouse read handler.
func NewTableHandler(store warehouse.Store) *TableHandler {
	return &TableHandler{store: store}
}

func (h *TableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tables"), "/")
	switch {
	case name == "":
		h.list(w, r, requestID, tenant)
	case strings.Contains(name, "/"):
		writeError(w, http.StatusNotFound, "not found", requestID)
	default:
		h.read(w, r, requestID, tenant, name)
	}
}

func (h *TableHandler) list(w http.ResponseWriter, r *http.Request, requestID, tenant string) {
	stats, err := h.store.TableStats(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	views := make([]TableStatView, 0, len(stats))
	for _, s := range stats {
		views = append(views, TableStatView{
			TableName: s.TableName,
			RowCount:  s.RowCount,
			MinTime:   s.MinTime,
			MaxTime:   s.MaxTime,
			BuiltAt:   s.BuiltAt,
		})
	}

	writeJSON(w, http.StatusOK, TableListResponse{
		TenantSlug: tenant,
		Tables:     views,
		RequestID:  requestID,
	})
}

func (h *TableHandler) read(w http.ResponseWriter, r *http.Request, requestID, tenant, name string) {
	// Every rebuilt table has a stats row, so an absent row means the
	// table does not exist for this tenant.
	stats, err := h.store.TableStats(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}
	known := false
	for _, s := range stats {
		if s.TableName == name {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Sprintf("table %q not found for tenant", name), requestID)
		return
	}

	columns, rows, err := h.store.ReadTable(r.Context(), tenant, name)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, TableReadResponse{
		TenantSlug: tenant,
		TableName:  name,
		Columns:    columns,
		Rows:       rows,
		RowCount:   len(rows),
		RequestID:  requestID,
	})
}
