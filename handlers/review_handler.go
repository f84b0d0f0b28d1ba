package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-governance-gateway/middleware"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/utils"
	"go.uber.org/zap"
)

// ReviewService defines the review operations exposed over HTTP
type ReviewService interface {
	List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Review, error)
	Claim(ctx context.Context, workerID string, limit int) ([]*models.Review, error)
	StartProcessing(ctx context.Context, id uuid.UUID, workerID string) (*models.Review, error)
	Decide(ctx context.Context, id uuid.UUID, reviewer, notes string, status models.ReviewStatus) (*models.Review, error)
}

// ClaimRequest is the body of POST /reviews/claim
type ClaimRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=100"`
}

// DecisionRequest is the body of the decision endpoints
type DecisionRequest struct {
	Status models.ReviewStatus `json:"status,omitempty" validate:"omitempty,oneof=approved rejected"`
	Notes  string              `json:"notes,omitempty" validate:"max=4000"`
}

// ReviewHandler handles human review HTTP requests
type ReviewHandler struct {
	service ReviewService
	logger  *zap.Logger
}

// NewReviewHandler creates a new ReviewHandler
func NewReviewHandler(service ReviewService, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{
		service: service,
		logger:  logger,
	}
}

// HandleList handles GET /reviews
func (h *ReviewHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ReviewFilter{
		Status:     models.ReviewStatus(q.Get("status")),
		RequestID:  q.Get("request_id"),
		TraceID:    q.Get("trace_id"),
		Checkpoint: q.Get("checkpoint"),
		AssignedTo: q.Get("assigned_to"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		_ = utils.WriteBadRequest(w, "limit must be an integer", nil)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		_ = utils.WriteBadRequest(w, "offset must be an integer", nil)
		return
	}

	reviews, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, reviews)
}

// HandleGet handles GET /reviews/{id}
func (h *ReviewHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	review, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, review)
}

// HandleClaim handles POST /reviews/claim. The claiming worker is the caller.
func (h *ReviewHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := reviewerID(w, r)
	if !ok {
		return
	}

	var body ClaimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}
	}
	if err := utils.ValidateStruct(body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	reviews, err := h.service.Claim(r.Context(), reviewer, body.Limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, reviews)
}

// HandleProcess handles POST /reviews/{id}/process
func (h *ReviewHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := reviewerID(w, r)
	if !ok {
		return
	}
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	review, err := h.service.StartProcessing(r.Context(), id, reviewer)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, review)
}

// HandleApprove handles POST /reviews/{id}/approve
func (h *ReviewHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.ReviewStatusApproved)
}

// HandleReject handles POST /reviews/{id}/reject
func (h *ReviewHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.ReviewStatusRejected)
}

// HandleDecision handles POST /reviews/{id}/decision, taking the status from the body
func (h *ReviewHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "")
}

func (h *ReviewHandler) decide(w http.ResponseWriter, r *http.Request, status models.ReviewStatus) {
	reviewer, ok := reviewerID(w, r)
	if !ok {
		return
	}
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}

	var body DecisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}
	}
	if err := utils.ValidateStruct(body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if status == "" {
		status = body.Status
	}
	if status == "" {
		_ = utils.WriteBadRequest(w, "status is required", nil)
		return
	}

	review, err := h.service.Decide(r.Context(), id, reviewer, body.Notes, status)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("review decided",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("review_id", id.String()),
		zap.String("status", string(review.Status)),
		zap.String("reviewer", reviewer))
	_ = utils.WriteOK(w, review)
}

func (h *ReviewHandler) reviewID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid review ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// reviewerID returns the authenticated caller's subject
func reviewerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil || claims.UserID() == "" {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return "", false
	}
	return claims.UserID(), true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
