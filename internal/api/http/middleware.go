// Package http exposes the control-plane API: batch intake, blueprint
// and discovery administration, tenant logic configuration, run
// control, and read access to run history, identity stats, and the
// semantic catalog. Handlers do their own method dispatch; the mux
// wiring lives in the app package.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/errors"
	"github.com/stratalabs/strata/internal/observability"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
)

// ErrorResponse is the error envelope every handler returns.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware tags each request with a request id, honoring a
// caller-provided X-Request-ID header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDMiddleware carries a correlation id across services,
// falling back to the request id when the caller sent none.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
				correlationID = reqID
			} else {
				correlationID = uuid.New().String()
			}
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns handler panics into 500 responses and logs
// the panic value with the request id.
func RecoveryMiddleware(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID, _ := r.Context().Value(requestIDKey).(string)
					if log != nil {
						log.Errorw("handler panic",
							"panic", rec,
							"path", r.URL.Path,
							"request_id", requestID,
						)
					}
					writeError(w, http.StatusInternalServerError, "internal server error", requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusCapture remembers the status a handler wrote so the access log
// can report it.
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

// AccessLogMiddleware logs one line per request: method, path, status,
// elapsed time, and the request id.
func AccessLogMiddleware(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			if log != nil {
				log.Infow("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", capture.status,
					"elapsed_ms", time.Since(start).Milliseconds(),
					"request_id", GetRequestID(r.Context()),
				)
			}
		})
	}
}

// RequestStatsMiddleware feeds per-route counters from every request.
// Dynamic path segments are collapsed so each route is one entry.
func RequestStatsMiddleware(stats *observability.RequestStats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if stats == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			stats.Record(routeLabel(r.URL.Path), r.Method, capture.status, time.Since(start))
		})
	}
}

// routeLabel collapses the dynamic segment of a request path so stats
// aggregate per route instead of per fingerprint, tenant, or run id.
func routeLabel(path string) string {
	path = strings.TrimSuffix(path, "/")
	switch {
	case path == "":
		return "/"
	case strings.HasPrefix(path, "/v1/blueprints/"):
		if strings.HasSuffix(path, "/history") {
			return "/v1/blueprints/{fingerprint}/history"
		}
		return "/v1/blueprints/{fingerprint}"
	case strings.HasPrefix(path, "/v1/tenants/"):
		if strings.HasSuffix(path, "/config") {
			return "/v1/tenants/{slug}/config"
		}
		return "/v1/tenants/{slug}"
	case strings.HasPrefix(path, "/v1/runs/"):
		return "/v1/runs/{id}"
	case strings.HasPrefix(path, "/v1/tables/"):
		return "/v1/tables/{name}"
	default:
		return path
	}
}

// ContentTypeMiddleware sets the JSON content type on every response.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware composes middlewares so the first listed runs
// outermost.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware is the standard chain for API handlers.
func DefaultMiddleware(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware(log),
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		AccessLogMiddleware(log),
		ContentTypeMiddleware,
	)
}

// statusFor maps a domain error to an HTTP status. Anything without a
// recognized category and code is a 500.
func statusFor(err error) int {
	category := errors.GetCategory(err)
	code := errors.GetCode(err)
	switch {
	case category == errors.ErrCategoryValidation:
		return http.StatusBadRequest
	case category == errors.ErrCategoryRegistry && code == errors.CodeBlueprintNotFound:
		return http.StatusNotFound
	case category == errors.ErrCategoryRegistry && code == errors.CodeWriteConflict:
		return http.StatusConflict
	case category == errors.ErrCategoryRegistry && code == errors.CodeUnknownModel:
		return http.StatusBadRequest
	case category == errors.ErrCategoryWarehouse && code == errors.CodeTableNotFound:
		return http.StatusNotFound
	case category == errors.ErrCategoryPipeline && code == errors.CodeRunActive:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders a domain error with its mapped status and
// machine-readable code.
func writeDomainError(w http.ResponseWriter, requestID string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     err.Error(),
		Code:      errors.GetCode(err),
		RequestID: requestID,
	})
}

// writeError writes a plain error response with the given status.
func writeError(w http.ResponseWriter, statusCode int, message string, requestID ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{Error: message}
	if len(requestID) > 0 && requestID[0] != "" {
		resp.RequestID = requestID[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID retrieves the correlation id from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
