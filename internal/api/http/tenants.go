package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/tenantcfg"
)

// PutTenantConfigRequest is the body of PUT /v1/tenants/{slug}/config.
// The logic block replaces whatever was configured for the source
// table before; history is kept.
type PutTenantConfigRequest struct {
	Source string               `json:"source"`
	Table  string               `json:"table"`
	Logic  tenantcfg.LogicBlock `json:"logic"`
}

// TenantConfigView is one stored logic row.
type TenantConfigView struct {
	TenantSlug string               `json:"tenant_slug"`
	Source     string               `json:"source"`
	Table      string               `json:"table"`
	LogicHash  string               `json:"logic_hash"`
	Logic      tenantcfg.LogicBlock `json:"logic"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// PutTenantConfigResponse confirms the stored logic version.
type PutTenantConfigResponse struct {
	Config    TenantConfigView `json:"config"`
	RequestID string           `json:"request_id"`
}

// ListTenantConfigResponse lists a tenant's current logic rows.
type ListTenantConfigResponse struct {
	TenantSlug string             `json:"tenant_slug"`
	Configs    []TenantConfigView `json:"configs"`
	RequestID  string             `json:"request_id"`
}

// TenantConfigHandler serves PUT and GET on /v1/tenants/{slug}/config.
type TenantConfigHandler struct {
	configs tenantcfg.Resolver
}

// NewTenantConfigHandler creates the tenant logic handler.
func NewTenantConfigHandler(configs tenantcfg.Resolver) *TenantConfigHandler {
	return &TenantConfigHandler{configs: configs}
}

func (h *TenantConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	slug, ok := tenantSlugFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found", requestID)
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.put(w, r, requestID, slug)
	case http.MethodGet:
		h.list(w, r, requestID, slug)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
	}
}

// tenantSlugFromPath extracts the slug from /v1/tenants/{slug}/config.
func tenantSlugFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/tenants/")
	if !ok {
		return "", false
	}
	slug, ok := strings.CutSuffix(rest, "/config")
	if !ok || slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	return slug, true
}

func (h *TenantConfigHandler) put(w http.ResponseWriter, r *http.Request, requestID, slug string) {
	var req PutTenantConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required", requestID)
		return
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table is required", requestID)
		return
	}
	if err := req.Logic.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	cfg, err := h.configs.Put(r.Context(), slug, req.Source, req.Table, req.Logic)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, PutTenantConfigResponse{
		Config:    configView(cfg),
		RequestID: requestID,
	})
}

func (h *TenantConfigHandler) list(w http.ResponseWriter, r *http.Request, requestID, slug string) {
	configs, err := h.configs.ListForTenant(r.Context(), slug)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	views := make([]TenantConfigView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, configView(cfg))
	}

	writeJSON(w, http.StatusOK, ListTenantConfigResponse{
		TenantSlug: slug,
		Configs:    views,
		RequestID:  requestID,
	})
}

func configView(cfg *tenantcfg.Config) TenantConfigView {
	return TenantConfigView{
		TenantSlug: cfg.TenantSlug,
		Source:     cfg.SourceName,
		Table:      cfg.TableName,
		LogicHash:  cfg.LogicHash,
		Logic:      cfg.Logic,
		UpdatedAt:  cfg.UpdatedAt,
	}
}
