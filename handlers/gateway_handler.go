package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/upb/llm-governance-gateway/middleware"
	"github.com/upb/llm-governance-gateway/services/gateway"
	"github.com/upb/llm-governance-gateway/services/providers"
	"github.com/upb/llm-governance-gateway/utils"
	"go.uber.org/zap"
)

// maxRequestBody caps completion request bodies
const maxRequestBody = 1 << 20

// CompletionRequest is the body of POST /api/v1/gateway/completions
type CompletionRequest struct {
	Prompt      string            `json:"prompt" validate:"required,notblank"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"gte=0"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TraceID     string            `json:"trace_id,omitempty" validate:"omitempty,max=128"`
}

// GatewayProcessor runs a request through both checkpoints
type GatewayProcessor interface {
	Process(ctx context.Context, req gateway.Request) (*gateway.Disposition, error)
}

// GatewayHandler exposes the checkpoint controller
type GatewayHandler struct {
	processor GatewayProcessor
	logger    *zap.Logger
}

// NewGatewayHandler creates a new GatewayHandler
func NewGatewayHandler(processor GatewayProcessor, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		processor: processor,
		logger:    logger,
	}
}

// HandleCompletion handles POST /api/v1/gateway/completions
func (h *GatewayHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var body CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		h.logger.Warn("invalid request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	principal := claims.Principal()
	disp, err := h.processor.Process(ctx, gateway.Request{
		Prompt:      body.Prompt,
		UserID:      principal.Subject,
		UserRole:    string(principal.Role),
		UserEmail:   principal.Email,
		Model:       body.Model,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		Metadata:    body.Metadata,
		TraceID:     body.TraceID,
		RequestID:   requestID,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteJSON(w, DispositionStatus(disp), disp); err != nil {
		h.logger.Error("failed to write disposition", zap.Error(err))
	}
}

// DispositionStatus maps a disposition to its HTTP status
func DispositionStatus(d *gateway.Disposition) int {
	switch d.Kind {
	case gateway.DispositionSuccess:
		return http.StatusOK
	case gateway.DispositionRejected:
		return http.StatusForbidden
	case gateway.DispositionPendingReview:
		return http.StatusAccepted
	case gateway.DispositionRoutingFailure:
		if d.FailureKind == providers.FailureTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
