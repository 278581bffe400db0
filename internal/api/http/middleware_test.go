package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stratalabs/strata/internal/errors"
	"github.com/stratalabs/strata/internal/observability"
)

func TestRequestIDMiddleware_GeneratesAndHonorsIDs(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/discoveries", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "" {
		t.Errorf("request id should be generated")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("header mismatch: got %q, want %q", got, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/discoveries", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "caller-supplied" {
		t.Errorf("request id mismatch: got %q, want %q", seen, "caller-supplied")
	}
}

func TestCorrelationIDMiddleware_FallsBackToRequestID(t *testing.T) {
	var correlation string
	h := ChainMiddleware(RequestIDMiddleware, CorrelationIDMiddleware)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlation = GetCorrelationID(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if correlation != "req-1" {
		t.Errorf("correlation fallback mismatch: got %q, want %q", correlation, "req-1")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "trace-7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if correlation != "trace-7" {
		t.Errorf("correlation mismatch: got %q, want %q", correlation, "trace-7")
	}
}

func TestRecoveryMiddleware_TurnsPanicsInto500(t *testing.T) {
	h := DefaultMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if resp.Error != "internal server error" {
		t.Errorf("error message mismatch: got %q, want %q", resp.Error, "internal server error")
	}
	if resp.RequestID == "" {
		t.Errorf("error body should carry the request id")
	}
}

func TestChainMiddleware_RunsFirstListedOutermost(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainMiddleware(tag("outer"), tag("inner"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("call count mismatch: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call order mismatch at %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestStatusFor_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{
			"validation",
			errors.New(errors.ErrCategoryValidation, errors.CodeInvalidBatch, "bad batch"),
			http.StatusBadRequest,
		},
		{
			"blueprint not found",
			errors.New(errors.ErrCategoryRegistry, errors.CodeBlueprintNotFound, "missing"),
			http.StatusNotFound,
		},
		{
			"write conflict",
			errors.New(errors.ErrCategoryRegistry, errors.CodeWriteConflict, "conflict"),
			http.StatusConflict,
		},
		{
			"run active",
			errors.New(errors.ErrCategoryPipeline, errors.CodeRunActive, "busy"),
			http.StatusConflict,
		},
		{
			"table not found",
			errors.New(errors.ErrCategoryWarehouse, errors.CodeTableNotFound, "missing table"),
			http.StatusNotFound,
		},
		{
			"plain error",
			errors.New(errors.ErrCategoryInternal, errors.CodeUnexpected, "boom"),
			http.StatusInternalServerError,
		},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("%s: status mismatch: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRouteLabel_CollapsesDynamicSegments(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/v1/batches", "/v1/batches"},
		{"/v1/blueprints", "/v1/blueprints"},
		{"/v1/blueprints/3f8a12/history", "/v1/blueprints/{fingerprint}/history"},
		{"/v1/blueprints/3f8a12", "/v1/blueprints/{fingerprint}"},
		{"/v1/tenants/acme/config", "/v1/tenants/{slug}/config"},
		{"/v1/runs/latest", "/v1/runs/{id}"},
		{"/v1/runs/01J5KQ", "/v1/runs/{id}"},
		{"/v1/tables/master_orders", "/v1/tables/{name}"},
		{"/v1/tables", "/v1/tables"},
		{"/healthz", "/healthz"},
		{"/", "/"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) mismatch: got %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestRequestStatsMiddleware_RecordsRoutes(t *testing.T) {
	stats := observability.NewRequestStats(time.Hour)
	h := RequestStatsMiddleware(stats)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/runs/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/broken", nil))

	top := stats.Top(10)
	if len(top) != 1 {
		t.Fatalf("expected 1 route, got %d", len(top))
	}
	if top[0].Route != "/v1/runs/{id}" {
		t.Errorf("route mismatch: got %q, want %q", top[0].Route, "/v1/runs/{id}")
	}
	if top[0].Count != 4 {
		t.Errorf("count mismatch: got %d, want 4", top[0].Count)
	}
	if top[0].Errors != 1 {
		t.Errorf("errors mismatch: got %d, want 1", top[0].Errors)
	}
}
