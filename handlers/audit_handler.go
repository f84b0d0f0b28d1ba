package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/utils"
	"go.uber.org/zap"
)

// AuditReader reads the audit trail
type AuditReader interface {
	Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEvent, error)
}

// AuditHandler exposes the audit trail for one trace or request
type AuditHandler struct {
	reader AuditReader
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		reader: reader,
		logger: logger,
	}
}

// HandleTrace handles GET /audit/traces/{traceID}
func (h *AuditHandler) HandleTrace(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, models.AuditQuery{TraceID: chi.URLParam(r, "traceID")})
}

// HandleRequest handles GET /audit/requests/{requestID}
func (h *AuditHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, models.AuditQuery{RequestID: chi.URLParam(r, "requestID")})
}

func (h *AuditHandler) query(w http.ResponseWriter, r *http.Request, q models.AuditQuery) {
	if q.TraceID == "" && q.RequestID == "" {
		_ = utils.WriteBadRequest(w, "trace or request ID is required", nil)
		return
	}

	params := r.URL.Query()
	q.EventType = params.Get("event_type")
	q.Classification = models.AuditClassification(params.Get("classification"))

	var err error
	if q.Limit, err = intParam(params.Get("limit")); err != nil {
		_ = utils.WriteBadRequest(w, "limit must be an integer", nil)
		return
	}
	if q.Offset, err = intParam(params.Get("offset")); err != nil {
		_ = utils.WriteBadRequest(w, "offset must be an integer", nil)
		return
	}

	events, err := h.reader.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("audit query failed",
			zap.String("trace_id", q.TraceID),
			zap.String("request_id", q.RequestID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to read audit trail")
		return
	}
	_ = utils.WriteOK(w, events)
}
