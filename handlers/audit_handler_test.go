package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-governance-gateway/models"
	"go.uber.org/zap"
)

type fakeAuditReader struct {
	events []*models.AuditEvent
	err    error
	last   models.AuditQuery
}

func (f *fakeAuditReader) Query(_ context.Context, q models.AuditQuery) ([]*models.AuditEvent, error) {
	f.last = q
	return f.events, f.err
}

func auditRouter(h *AuditHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/audit/traces/{traceID}", h.HandleTrace)
	r.Get("/audit/requests/{requestID}", h.HandleRequest)
	return r
}

func TestAuditHandler_Trace(t *testing.T) {
	reader := &fakeAuditReader{events: []*models.AuditEvent{
		models.NewAuditEvent("request_received", "trace-1", "req-1", models.ClassificationInfo),
		models.NewAuditEvent("request_completed", "trace-1", "req-1", models.ClassificationInfo),
	}}
	router := auditRouter(NewAuditHandler(reader, zap.NewNop()))

	w := serve(router, httptest.NewRequest(http.MethodGet, "/audit/traces/trace-1?event_type=request_completed&limit=10", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-1", reader.last.TraceID)
	assert.Empty(t, reader.last.RequestID)
	assert.Equal(t, "request_completed", reader.last.EventType)
	assert.Equal(t, 10, reader.last.Limit)
	assert.Len(t, decode(t, w)["data"], 2)
}

func TestAuditHandler_Request(t *testing.T) {
	reader := &fakeAuditReader{}
	router := auditRouter(NewAuditHandler(reader, zap.NewNop()))

	w := serve(router, httptest.NewRequest(http.MethodGet, "/audit/requests/req-9", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-9", reader.last.RequestID)
}

func TestAuditHandler_Errors(t *testing.T) {
	t.Run("bad offset", func(t *testing.T) {
		router := auditRouter(NewAuditHandler(&fakeAuditReader{}, zap.NewNop()))
		w := serve(router, httptest.NewRequest(http.MethodGet, "/audit/traces/t?offset=x", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		router := auditRouter(NewAuditHandler(&fakeAuditReader{err: errors.New("connection refused")}, zap.NewNop()))
		w := serve(router, httptest.NewRequest(http.MethodGet, "/audit/traces/t", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}
