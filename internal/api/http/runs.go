package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/pipeline"
)

// RunTrigger queues a pipeline run. Trigger reports true when a run
// was already queued and the request coalesced into it.
type RunTrigger interface {
	Trigger() bool
}

// TriggerRunResponse is the body of POST /v1/runs.
type TriggerRunResponse struct {
	Queued    bool   `json:"queued"`
	Coalesced bool   `json:"coalesced"`
	RequestID string `json:"request_id"`
}

// StageView is one recorded stage of a run, per tenant.
type StageView struct {
	TenantSlug string `json:"tenant_slug"`
	Stage      string `json:"stage"`
	Rows       int64  `json:"rows"`
	DurationMs int64  `json:"duration_ms"`
}

// RunView is one run with its stage breakdown.
type RunView struct {
	RunID       string      `json:"run_id"`
	Trigger     string      `json:"trigger"`
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	TenantCount int         `json:"tenant_count"`
	Stages      []StageView `json:"stages"`
	RequestID   string      `json:"request_id"`
}

// RunHandler serves POST /v1/runs, GET /v1/runs/latest, and
// GET /v1/runs/{id}.
type RunHandler struct {
	trigger RunTrigger
	ledger  *pipeline.Ledger
}

// NewRunHandler creates the run control handler. A nil trigger rejects
// POST /v1/runs; reads still work, so a query-only deployment can
// serve run history without hosting the pipeline.
func NewRunHandler(trigger RunTrigger, ledger *pipeline.Ledger) *RunHandler {
	return &RunHandler{trigger: trigger, ledger: ledger}
}

func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	switch {
	case r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/v1/runs":
		h.triggerRun(w, requestID)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/runs/"):
		h.getRun(w, r, requestID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
	}
}

func (h *RunHandler) triggerRun(w http.ResponseWriter, requestID string) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline is not running on this node", requestID)
		return
	}

	coalesced := h.trigger.Trigger()
	writeJSON(w, http.StatusAccepted, TriggerRunResponse{
		Queued:    true,
		Coalesced: coalesced,
		RequestID: requestID,
	})
}

func (h *RunHandler) getRun(w http.ResponseWriter, r *http.Request, requestID string) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found", requestID)
		return
	}

	var (
		run *pipeline.Run
		ok  bool
		err error
	)
	if id == "latest" {
		run, ok, err = h.ledger.Latest(r.Context())
	} else {
		run, ok, err = h.ledger.Get(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no matching run recorded", requestID)
		return
	}

	stages, err := h.ledger.Stages(r.Context(), run.RunID)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	view := RunView{
		RunID:       run.RunID,
		Trigger:     run.Trigger,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		Error:       run.Error,
		TenantCount: run.TenantCount,
		Stages:      make([]StageView, 0, len(stages)),
		RequestID:   requestID,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		view.FinishedAt = &finished
	}
	for _, s := range stages {
		view.Stages = append(view.Stages, StageView{
			TenantSlug: s.TenantSlug,
			Stage:      s.Stage,
			Rows:       s.Rows,
			DurationMs: s.Duration.Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, view)
}
