package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stratalabs/strata/internal/intake"
	"github.com/stratalabs/strata/pkg/types"
)

// IngestBatchRequest is the body of POST /v1/batches.
type IngestBatchRequest struct {
	TenantSlug     string                   `json:"tenant_slug"`
	SourcePlatform string                   `json:"source_platform"`
	TableName      string                   `json:"table_name"`
	Schema         types.Schema             `json:"schema"`
	Rows           []map[string]interface{} `json:"rows"`
}

// IngestBatchResponse reports the accepted batch's assigned identity.
type IngestBatchResponse struct {
	BatchID           string `json:"batch_id"`
	SchemaFingerprint string `json:"schema_fingerprint"`
	RowCount          int    `json:"row_count"`
	RequestID         string `json:"request_id"`
}

// BatchHandler handles POST /v1/batches. Accepted batches go through
// the journaled intake path, so a crash between the 200 and the
// warehouse write is replayed on restart.
type BatchHandler struct {
	acceptor *intake.Acceptor
}

// NewBatchHandler creates the batch intake handler.
func NewBatchHandler(acceptor *intake.Acceptor) *BatchHandler {
	return &BatchHandler{acceptor: acceptor}
}

func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req IngestBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if req.TenantSlug == "" {
		writeError(w, http.StatusBadRequest, "tenant_slug is required", requestID)
		return
	}
	if req.SourcePlatform == "" {
		writeError(w, http.StatusBadRequest, "source_platform is required", requestID)
		return
	}
	if req.TableName == "" {
		writeError(w, http.StatusBadRequest, "table_name is required", requestID)
		return
	}
	if len(req.Schema.Columns) == 0 {
		writeError(w, http.StatusBadRequest, "schema.columns must not be empty", requestID)
		return
	}
	for i, col := range req.Schema.Columns {
		if col.Name == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("schema.columns[%d]: name is required", i), requestID)
			return
		}
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows must not be empty", requestID)
		return
	}

	batch := &types.RawBatch{
		TenantSlug:     req.TenantSlug,
		SourcePlatform: req.SourcePlatform,
		TableName:      req.TableName,
		Schema:         req.Schema,
		Rows:           req.Rows,
	}

	batchID, err := h.acceptor.Accept(r.Context(), batch)
	if err != nil {
		writeDomainError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, IngestBatchResponse{
		BatchID:           batchID.String(),
		SchemaFingerprint: string(batch.SchemaFingerprint),
		RowCount:          len(batch.Rows),
		RequestID:         requestID,
	})
}
