package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/errors"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/pkg/types"
)

// RegisterBlueprintRequest is the body of POST /v1/blueprints.
type RegisterBlueprintRequest struct {
	Fingerprint    string `json:"fingerprint"`
	SourcePlatform string `json:"source_platform"`
	SourceTable    string `json:"source_table"`
	MasterModelID  string `json:"master_model_id"`
}

// BlueprintView is one registered blueprint version.
type BlueprintView struct {
	Fingerprint    string    `json:"fingerprint"`
	Version        int       `json:"version"`
	SourcePlatform string    `json:"source_platform"`
	SourceTable    string    `json:"source_table"`
	MasterModelID  string    `json:"master_model_id"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// RegisterBlueprintResponse is the body of a successful registration.
type RegisterBlueprintResponse struct {
	Blueprint BlueprintView `json:"blueprint"`
	RequestID string        `json:"request_id"`
}

// BlueprintHistoryResponse lists every version for one fingerprint in
// registration order.
type BlueprintHistoryResponse struct {
	Fingerprint string          `json:"fingerprint"`
	Versions    []BlueprintView `json:"versions"`
	RequestID   string          `json:"request_id"`
}

// BlueprintHandler serves POST /v1/blueprints and
// GET /v1/blueprints/{fingerprint}/history.
type BlueprintHandler struct {
	registry registry.Registry
	models   map[string]*model.Spec
}

// NewBlueprintHandler creates the blueprint administration handler.
// A nil models map falls back to the built-in library.
func NewBlueprintHandler(reg registry.Registry, models map[string]*model.Spec) *BlueprintHandler {
	if models == nil {
		models = model.Library()
	}
	return &BlueprintHandler{registry: reg, models: models}
}

func (h *BlueprintHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	switch {
	case r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/v1/blueprints":
		h.register(w, r, requestID)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/history"):
		h.history(w, r, requestID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
	}
}

func (h *BlueprintHandler) register(w http.ResponseWriter, r *http.Request, requestID string) {
	var req RegisterBlueprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required", requestID)
		return
	}
	if req.SourcePlatform == "" {
		writeError(w, http.StatusBadRequest, "source_platform is required", requestID)
		return
	}
	if req.SourceTable == "" {
		writeError(w, http.StatusBadRequest, "source_table is required", requestID)
		return
	}
	if req.MasterModelID == "" {
		writeError(w, http.StatusBadRequest, "master_model_id is required", requestID)
		return
	}
	if _, ok := h.models[req.MasterModelID]; !ok {
		writeDomainError(w, requestID, errors.New(
			errors.ErrCategoryRegistry, errors.CodeUnknownModel,
			fmt.Sprintf("master model %q is not in the library", req.MasterModelID),
		))
		return
	}

	bp, err := h.registry.Register(r.Context(),
		types.Fingerprint(req.Fingerprint), req.SourcePlatform, req.SourceTable, req.MasterModelID)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterBlueprintResponse{
		Blueprint: blueprintView(bp),
		RequestID: requestID,
	})
}

func (h *BlueprintHandler) history(w http.ResponseWriter, r *http.Request, requestID string) {
	fp := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/blueprints/"), "/history")
	if fp == "" || strings.Contains(fp, "/") {
		writeError(w, http.StatusBadRequest, "fingerprint is required", requestID)
		return
	}

	versions, err := h.registry.History(r.Context(), types.Fingerprint(fp))
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}
	if len(versions) == 0 {
		writeDomainError(w, requestID, errors.New(
			errors.ErrCategoryRegistry, errors.CodeBlueprintNotFound,
			fmt.Sprintf("no blueprint registered for fingerprint %q", fp),
		))
		return
	}

	views := make([]BlueprintView, 0, len(versions))
	for _, bp := range versions {
		views = append(views, blueprintView(bp))
	}

	writeJSON(w, http.StatusOK, BlueprintHistoryResponse{
		Fingerprint: fp,
		Versions:    views,
		RequestID:   requestID,
	})
}

func blueprintView(bp *registry.Blueprint) BlueprintView {
	return BlueprintView{
		Fingerprint:    string(bp.Fingerprint),
		Version:        bp.Version,
		SourcePlatform: bp.SourcePlatform,
		SourceTable:    bp.SourceTable,
		MasterModelID:  bp.MasterModelID,
		RegisteredAt:   bp.RegisteredAt,
	}
}
