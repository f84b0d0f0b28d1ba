// Package hitl coordinates human review of escalated requests: it files
// reviews, hands them to reviewers, records decisions and answers whether an
// identical request was already approved.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"github.com/upb/llm-governance-gateway/services"
	"github.com/upb/llm-governance-gateway/services/audit"
	"github.com/upb/llm-governance-gateway/services/policy"
	"go.uber.org/zap"
)

// Config tunes review handling
type Config struct {
	BypassWindow    time.Duration
	LockDuration    time.Duration
	MaxClaimBatch   int
	ReviewTTL       time.Duration // zero means reviews never expire
	DefaultPriority int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BypassWindow:  7 * 24 * time.Hour,
		LockDuration:  300 * time.Second,
		MaxClaimBatch: 10,
	}
}

// Metrics observes review activity
type Metrics interface {
	ReviewCreated(checkpoint string)
	ReviewDecided(status models.ReviewStatus)
	BypassChecked(hit bool)
	ReviewsExpired(count int64)
}

// Service implements the review coordinator
type Service struct {
	reviews   repositories.ReviewRepository
	txManager repositories.TransactionManager
	recorder  audit.Recorder
	metrics   Metrics
	logger    *zap.Logger
	config    Config
	now       func() time.Time
}

// NewService creates a review coordinator
func NewService(
	reviews repositories.ReviewRepository,
	txManager repositories.TransactionManager,
	recorder audit.Recorder,
	logger *zap.Logger,
	config Config,
) *Service {
	def := DefaultConfig()
	if config.BypassWindow <= 0 {
		config.BypassWindow = def.BypassWindow
	}
	if config.LockDuration <= 0 {
		config.LockDuration = def.LockDuration
	}
	if config.MaxClaimBatch <= 0 {
		config.MaxClaimBatch = def.MaxClaimBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reviews:   reviews,
		txManager: txManager,
		recorder:  recorder,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches a metrics sink
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.config
}

// OnEscalate files a pending review for an escalated checkpoint
func (s *Service) OnEscalate(ctx context.Context, pctx policy.Context, result *policy.AggregatedResult) (*models.Review, error) {
	reason := ""
	if result != nil {
		reason = result.Reason
	}

	review := models.NewReview(pctx.RequestID, pctx.TraceID, string(pctx.Checkpoint), reason, pctx.Prompt, pctx.UserID)
	review.CreatedAt = s.now()
	review.Priority = s.priority(pctx)
	if pctx.Checkpoint == policy.CheckpointOutput {
		response := pctx.Response
		review.Response = &response
	}
	if s.config.ReviewTTL > 0 {
		expires := review.CreatedAt.Add(s.config.ReviewTTL)
		review.ExpiresAt = &expires
	}
	review.ContextData = contextSnapshot(pctx, result)

	if err := s.reviews.Insert(ctx, review); err != nil {
		return nil, services.WrapInternal("failed to create review", err)
	}

	s.logger.Info("hitl_review_created",
		zap.String("review_id", review.ID.String()),
		zap.String("trace_id", review.TraceID),
		zap.String("request_id", review.RequestID),
		zap.String("checkpoint", review.Checkpoint),
		zap.Int("priority", review.Priority))

	s.record(ctx, review, "review_created", map[string]interface{}{
		"checkpoint": review.Checkpoint,
		"reason":     review.Reason,
		"priority":   review.Priority,
	})
	if s.metrics != nil {
		s.metrics.ReviewCreated(review.Checkpoint)
	}
	return review, nil
}

// CheckBypass reports whether a review approving exactly this prompt, for
// this user at this checkpoint, was decided within the bypass window.
// Lookup failures deny the bypass.
func (s *Service) CheckBypass(ctx context.Context, pctx policy.Context) (bool, *models.Review) {
	if pctx.UserID == "" || pctx.Prompt == "" {
		return false, nil
	}

	review, err := s.reviews.FindApproved(ctx, repositories.BypassLookup{
		Prompt:     pctx.Prompt,
		UserID:     pctx.UserID,
		Checkpoint: string(pctx.Checkpoint),
		Since:      s.now().Add(-s.config.BypassWindow),
	})
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Error("hitl_bypass_check_failed",
				zap.String("trace_id", pctx.TraceID),
				zap.String("checkpoint", string(pctx.Checkpoint)),
				zap.Error(err))
			if s.recorder != nil {
				s.recorder.Record(ctx, "hitl_bypass_check_failed", pctx.TraceID, pctx.RequestID, map[string]interface{}{
					"checkpoint": string(pctx.Checkpoint),
					"error":      err.Error(),
					"user_id":    pctx.UserID,
				})
			}
		}
		if s.metrics != nil {
			s.metrics.BypassChecked(false)
		}
		return false, nil
	}

	s.logger.Info("hitl_bypass_review_found",
		zap.String("review_id", review.ID.String()),
		zap.String("trace_id", pctx.TraceID),
		zap.String("checkpoint", string(pctx.Checkpoint)))
	if s.metrics != nil {
		s.metrics.BypassChecked(true)
	}
	return true, review
}

// Claim assigns up to limit pending reviews to workerID. The limit is clamped
// to 1..MaxClaimBatch.
func (s *Service) Claim(ctx context.Context, workerID string, limit int) ([]*models.Review, error) {
	if workerID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "worker id is required", nil)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > s.config.MaxClaimBatch {
		limit = s.config.MaxClaimBatch
	}

	reviews, err := s.reviews.ClaimPending(ctx, workerID, limit, s.config.LockDuration)
	if err != nil {
		return nil, services.WrapInternal("failed to claim reviews", err)
	}

	for _, r := range reviews {
		s.record(ctx, r, "review_claimed", map[string]interface{}{
			"assigned_to": workerID,
			"user_id":     workerID,
		})
	}
	s.logger.Info("hitl_reviews_claimed",
		zap.String("worker_id", workerID),
		zap.Int("requested", limit),
		zap.Int("claimed", len(reviews)))
	return reviews, nil
}

// StartProcessing moves a review the worker holds from assigned to processing
func (s *Service) StartProcessing(ctx context.Context, id uuid.UUID, workerID string) (*models.Review, error) {
	review, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.Review, error) {
		repo := s.reviews.WithTx(tx)
		review, err := s.lockReview(ctx, repo, id)
		if err != nil {
			return nil, err
		}

		if review.Status != models.ReviewStatusAssigned {
			return nil, transitionError(review, models.ReviewStatusProcessing)
		}
		if review.AssignedTo == nil || *review.AssignedTo != workerID {
			return nil, services.NewDomainError(services.ErrorTypeForbidden, "review is assigned to another reviewer", nil).
				WithDetail("review_id", id.String())
		}
		if review.LockedUntil != nil && review.LockedUntil.Before(s.now()) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "review claim has lapsed", nil).
				WithDetail("review_id", id.String())
		}

		if err := repo.UpdateStatus(ctx, id, models.ReviewStatusAssigned, models.ReviewStatusProcessing); err != nil {
			return nil, s.storeError(err)
		}
		review.Status = models.ReviewStatusProcessing
		return review, nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, review, "review_processing", map[string]interface{}{"user_id": workerID})
	return review, nil
}

// Approve records an approval by reviewer
func (s *Service) Approve(ctx context.Context, id uuid.UUID, reviewer, notes string) (*models.Review, error) {
	return s.decide(ctx, id, reviewer, notes, models.ReviewStatusApproved)
}

// Reject records a rejection by reviewer
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewer, notes string) (*models.Review, error) {
	return s.decide(ctx, id, reviewer, notes, models.ReviewStatusRejected)
}

// Decide records a decision given as a status
func (s *Service) Decide(ctx context.Context, id uuid.UUID, reviewer, notes string, status models.ReviewStatus) (*models.Review, error) {
	if status != models.ReviewStatusApproved && status != models.ReviewStatusRejected {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "decision must be approved or rejected", nil).
			WithDetail("status", string(status))
	}
	return s.decide(ctx, id, reviewer, notes, status)
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, reviewer, notes string, status models.ReviewStatus) (*models.Review, error) {
	if reviewer == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "reviewer is required", nil)
	}

	review, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.Review, error) {
		repo := s.reviews.WithTx(tx)
		review, err := s.lockReview(ctx, repo, id)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if review.Status.IsTerminal() {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "review already decided", nil).
				WithDetail("review_id", id.String()).
				WithDetail("status", string(review.Status))
		}
		if review.IsExpired(now) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "review has expired", nil).
				WithDetail("review_id", id.String())
		}
		if !review.Status.CanTransitionTo(status) {
			return nil, transitionError(review, status)
		}
		if heldByOther(review, reviewer, now) {
			return nil, services.NewDomainError(services.ErrorTypeForbidden, "review is assigned to another reviewer", nil).
				WithDetail("review_id", id.String())
		}

		review.Status = status
		review.ReviewedBy = &reviewer
		if notes != "" {
			review.ReviewNotes = &notes
		}
		review.DecisionAt = &now

		if err := repo.SetDecision(ctx, review); err != nil {
			return nil, s.storeError(err)
		}
		return review, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("hitl_review_decided",
		zap.String("review_id", review.ID.String()),
		zap.String("trace_id", review.TraceID),
		zap.String("status", string(review.Status)),
		zap.String("reviewed_by", reviewer))

	s.record(ctx, review, "review_"+string(review.Status), map[string]interface{}{
		"reviewed_by":  reviewer,
		"review_notes": notes,
		"checkpoint":   review.Checkpoint,
		"user_id":      reviewer,
	})
	if s.metrics != nil {
		s.metrics.ReviewDecided(review.Status)
	}
	return review, nil
}

// Get returns one review
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	review, err := s.reviews.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	return review, nil
}

// List returns reviews matching filter, newest first
func (s *Service) List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid review status", nil).
			WithDetail("status", string(filter.Status))
	}
	if filter.Checkpoint != "" && !policy.Checkpoint(filter.Checkpoint).IsValid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid checkpoint", nil).
			WithDetail("checkpoint", filter.Checkpoint)
	}

	reviews, err := s.reviews.List(ctx, filter.Normalize())
	if err != nil {
		return nil, services.WrapInternal("failed to list reviews", err)
	}
	return reviews, nil
}

// ExpireStale marks undecided reviews past their expiry as expired
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.reviews.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, services.WrapInternal("failed to expire reviews", err)
	}
	if n > 0 {
		s.logger.Info("hitl_reviews_expired", zap.Int64("count", n))
		if s.metrics != nil {
			s.metrics.ReviewsExpired(n)
		}
	}
	return n, nil
}

// ReleaseStaleLocks returns lapsed claims to the queue
func (s *Service) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	n, err := s.reviews.ReleaseStaleLocks(ctx, s.now())
	if err != nil {
		return 0, services.WrapInternal("failed to release review locks", err)
	}
	if n > 0 {
		s.logger.Info("hitl_review_locks_released", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) lockReview(ctx context.Context, repo repositories.ReviewRepository, id uuid.UUID) (*models.Review, error) {
	review, err := repo.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	return review, nil
}

func (s *Service) storeError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return services.NewDomainError(services.ErrorTypeNotFound, "review not found", err)
	case errors.Is(err, repositories.ErrStaleTransition):
		return services.NewDomainError(services.ErrorTypeConflict, "concurrent update detected", err)
	default:
		return services.WrapInternal("review store error", err)
	}
}

func (s *Service) priority(pctx policy.Context) int {
	if v := pctx.MetadataValue("priority"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return s.config.DefaultPriority
}

func (s *Service) record(ctx context.Context, review *models.Review, eventType string, payload map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	payload["review_id"] = review.ID.String()
	payload["status"] = string(review.Status)
	s.recorder.Record(ctx, eventType, review.TraceID, review.RequestID, payload)
}

func heldByOther(review *models.Review, reviewer string, now time.Time) bool {
	if review.AssignedTo == nil || *review.AssignedTo == reviewer {
		return false
	}
	return review.LockedUntil == nil || review.LockedUntil.After(now)
}

func transitionError(review *models.Review, to models.ReviewStatus) error {
	return services.NewDomainError(services.ErrorTypeConflict,
		fmt.Sprintf("cannot move review from %s to %s", review.Status, to), nil).
		WithDetail("review_id", review.ID.String()).
		WithDetail("status", string(review.Status))
}

// reviewContext is the stored snapshot of an escalation: the full evaluated
// context plus the attribution of the result that escalated it
type reviewContext struct {
	policy.Context
	Outcome           *policy.Outcome `json:"outcome,omitempty"`
	PolicyName        string          `json:"policy_name,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	EvaluatedPolicies []string        `json:"evaluated_policies,omitempty"`
}

func contextSnapshot(pctx policy.Context, result *policy.AggregatedResult) json.RawMessage {
	snapshot := reviewContext{Context: pctx}
	if result != nil {
		outcome := result.Outcome
		snapshot.Outcome = &outcome
		snapshot.PolicyName = result.PolicyName
		snapshot.Reason = result.Reason
		snapshot.EvaluatedPolicies = result.EvaluatedPolicies
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
