package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/llm-governance-gateway/services"
	"github.com/upb/llm-governance-gateway/services/gateway"
	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/services/providers"
	"go.uber.org/zap"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, req gateway.Request) (*gateway.Disposition, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Disposition), args.Error(1)
}

func TestGatewayHandler_Dispositions(t *testing.T) {
	tests := []struct {
		name       string
		disp       *gateway.Disposition
		wantStatus int
	}{
		{
			name:       "success",
			disp:       &gateway.Disposition{Kind: gateway.DispositionSuccess, Content: "hello", Checkpoint: policy.CheckpointOutput},
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected",
			disp:       &gateway.Disposition{Kind: gateway.DispositionRejected, Checkpoint: policy.CheckpointInput, PolicyName: "mnpi_check"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "pending review",
			disp:       &gateway.Disposition{Kind: gateway.DispositionPendingReview, ReviewID: "r-1"},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "routing unavailable",
			disp:       &gateway.Disposition{Kind: gateway.DispositionRoutingFailure, FailureKind: providers.FailureUnavailable},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "routing timeout",
			disp:       &gateway.Disposition{Kind: gateway.DispositionRoutingFailure, FailureKind: providers.FailureTimeout},
			wantStatus: http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := new(MockProcessor)
			proc.On("Process", mock.Anything, mock.Anything).Return(tt.disp, nil)
			h := NewGatewayHandler(proc, zap.NewNop())

			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/gateway/completions",
				jsonBody(t, CompletionRequest{Prompt: "hi"})), "user-1")
			w := httptest.NewRecorder()
			h.HandleCompletion(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			assert.Equal(t, string(tt.disp.Kind), body["disposition"])
		})
	}
}

func TestGatewayHandler_BuildsRequestFromClaims(t *testing.T) {
	proc := new(MockProcessor)
	proc.On("Process", mock.Anything, mock.MatchedBy(func(r gateway.Request) bool {
		return r.Prompt == "What is AAPL doing?" &&
			r.UserID == "user-7" &&
			r.UserRole == "analyst" &&
			r.UserEmail == "user-7@example.com" &&
			r.Model == "gpt-4o" &&
			r.MaxTokens == 64 &&
			r.TraceID == "trace-abc" &&
			r.RequestID == "req-test" &&
			r.Metadata["priority"] == "5"
	})).Return(&gateway.Disposition{Kind: gateway.DispositionSuccess}, nil)

	h := NewGatewayHandler(proc, zap.NewNop())
	req := authed(httptest.NewRequest(http.MethodPost, "/", jsonBody(t, CompletionRequest{
		Prompt:    "What is AAPL doing?",
		Model:     "gpt-4o",
		MaxTokens: 64,
		Metadata:  map[string]string{"priority": "5"},
		TraceID:   "trace-abc",
	})), "user-7", "analyst")
	w := httptest.NewRecorder()
	h.HandleCompletion(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	proc.AssertExpectations(t)
}

func TestGatewayHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing prompt", `{"model":"gpt-4o"}`},
		{"temperature out of range", `{"prompt":"hi","temperature":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := new(MockProcessor)
			h := NewGatewayHandler(proc, zap.NewNop())

			req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)), "user-1")
			w := httptest.NewRecorder()
			h.HandleCompletion(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			proc.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
		})
	}
}

func TestGatewayHandler_Errors(t *testing.T) {
	t.Run("no claims", func(t *testing.T) {
		h := NewGatewayHandler(new(MockProcessor), zap.NewNop())
		w := httptest.NewRecorder()
		h.HandleCompletion(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi"}`)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty prompt", services.ErrEmptyPrompt, http.StatusBadRequest},
		{"review store failure", services.WrapInternal("failed to file review", context.DeadlineExceeded), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := new(MockProcessor)
			proc.On("Process", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := NewGatewayHandler(proc, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleCompletion(w, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":" x "}`)), "u"))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGatewayHandler_RejectionHidesResponseText(t *testing.T) {
	leaked := "AAPL will beat earnings next week, ask [REDACTED:EMAIL:ref_0001]"
	disp := &gateway.Disposition{
		Kind:       gateway.DispositionRejected,
		Checkpoint: policy.CheckpointOutput,
		Reason:     "Restricted security detected: AAPL.",
		PolicyName: "mnpi_check",
		Output: &policy.AggregatedResult{
			Outcome:           policy.OutcomeBlock,
			PolicyName:        "mnpi_check",
			EvaluatedPolicies: []string{"mnpi_check", "pii_detection"},
			Modules: []policy.ModuleResult{
				{Policy: "mnpi_check", Result: policy.Block("mnpi_check", "Restricted security detected: AAPL.")},
				{Policy: "pii_detection", Result: policy.Redact("pii_detection", "PII detected", leaked, nil)},
			},
		},
	}

	proc := new(MockProcessor)
	proc.On("Process", mock.Anything, mock.Anything).Return(disp, nil)
	h := NewGatewayHandler(proc, zap.NewNop())

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/gateway/completions",
		jsonBody(t, CompletionRequest{Prompt: "Summarise the memo"})), "user-1")
	w := httptest.NewRecorder()
	h.HandleCompletion(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "earnings")
	assert.NotContains(t, w.Body.String(), "modified_content")

	body := decode(t, w)
	assert.Nil(t, body["content"])
	out := body["output_evaluation"].(map[string]interface{})
	assert.Equal(t, "BLOCK", out["outcome"])
	assert.Equal(t, "mnpi_check", out["policy_name"])
}
