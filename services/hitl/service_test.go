package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"github.com/upb/llm-governance-gateway/services"
	"github.com/upb/llm-governance-gateway/services/policy"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(repo repositories.ReviewRepository, cfg Config) (*Service, *fakeTxManager, *memoryRecorder) {
	txm := &fakeTxManager{}
	rec := &memoryRecorder{}
	svc := NewService(repo, txm, rec, zap.NewNop(), cfg)
	svc.now = func() time.Time { return fixedNow }
	return svc, txm, rec
}

func escalatedContext(checkpoint policy.Checkpoint) policy.Context {
	return policy.NewContext(policy.ContextParams{
		Prompt:     "please escalate this trade",
		Response:   "model answer",
		UserID:     "user-1",
		Checkpoint: checkpoint,
		TraceID:    "trace-1",
		RequestID:  "req-1",
		Metadata:   map[string]string{"priority": "5"},
	})
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(new(MockReviewRepository), &fakeTxManager{}, nil, nil, Config{})
	cfg := svc.Config()
	assert.Equal(t, 7*24*time.Hour, cfg.BypassWindow)
	assert.Equal(t, 300*time.Second, cfg.LockDuration)
	assert.Equal(t, 10, cfg.MaxClaimBatch)
}

func TestService_OnEscalate(t *testing.T) {
	t.Run("input checkpoint", func(t *testing.T) {
		repo := new(MockReviewRepository)
		var stored *models.Review
		repo.On("Insert", mock.Anything, mock.AnythingOfType("*models.Review")).
			Run(func(args mock.Arguments) { stored = args.Get(1).(*models.Review) }).
			Return(nil)

		svc, _, rec := newTestService(repo, Config{ReviewTTL: time.Hour})
		metrics := &countingMetrics{}
		svc.SetMetrics(metrics)

		result := &policy.AggregatedResult{
			Outcome:           policy.OutcomeEscalate,
			Reason:            "Request contains keywords requiring human review",
			PolicyName:        "escalation_keywords",
			EvaluatedPolicies: []string{"escalation_keywords"},
		}
		review, err := svc.OnEscalate(context.Background(), escalatedContext(policy.CheckpointInput), result)
		require.NoError(t, err)
		require.Same(t, stored, review)

		assert.Equal(t, models.ReviewStatusPending, review.Status)
		assert.Equal(t, "input", review.Checkpoint)
		assert.Equal(t, "trace-1", review.TraceID)
		assert.Equal(t, "req-1", review.RequestID)
		assert.Equal(t, "user-1", review.UserID)
		assert.Equal(t, "please escalate this trade", review.Prompt)
		assert.Equal(t, result.Reason, review.Reason)
		assert.Equal(t, 5, review.Priority)
		assert.Nil(t, review.Response)
		require.NotNil(t, review.ExpiresAt)
		assert.Equal(t, review.CreatedAt.Add(time.Hour), *review.ExpiresAt)

		var snapshot map[string]interface{}
		require.NoError(t, json.Unmarshal(review.ContextData, &snapshot))
		assert.Equal(t, "escalation_keywords", snapshot["policy_name"])
		assert.Equal(t, "ESCALATE", snapshot["outcome"])
		assert.Equal(t, result.Reason, snapshot["reason"])
		assert.Equal(t, []interface{}{"escalation_keywords"}, snapshot["evaluated_policies"])
		assert.Equal(t, "please escalate this trade", snapshot["prompt"])
		assert.Equal(t, "trace-1", snapshot["trace_id"])
		assert.Equal(t, "req-1", snapshot["request_id"])
		assert.Equal(t, "user-1", snapshot["user_id"])
		assert.Equal(t, "input", snapshot["checkpoint"])

		assert.Equal(t, []string{"review_created"}, rec.types())
		assert.Equal(t, 1, metrics.created)
	})

	t.Run("output checkpoint keeps response", func(t *testing.T) {
		repo := new(MockReviewRepository)
		repo.On("Insert", mock.Anything, mock.Anything).Return(nil)
		svc, _, _ := newTestService(repo, Config{DefaultPriority: 1})

		pctx := policy.NewContext(policy.ContextParams{
			Prompt: "p", Response: "r", UserID: "u", Checkpoint: policy.CheckpointOutput, TraceID: "t", RequestID: "q",
		})
		review, err := svc.OnEscalate(context.Background(), pctx, &policy.AggregatedResult{Outcome: policy.OutcomeEscalate})
		require.NoError(t, err)
		require.NotNil(t, review.Response)
		assert.Equal(t, "r", *review.Response)
		assert.Equal(t, 1, review.Priority)
		assert.Nil(t, review.ExpiresAt)

		var snapshot map[string]interface{}
		require.NoError(t, json.Unmarshal(review.ContextData, &snapshot))
		assert.Equal(t, "r", snapshot["response"])
		assert.Equal(t, "output", snapshot["checkpoint"])
		assert.Equal(t, "q", snapshot["request_id"])
	})

	t.Run("snapshot without result", func(t *testing.T) {
		repo := new(MockReviewRepository)
		repo.On("Insert", mock.Anything, mock.Anything).Return(nil)
		svc, _, _ := newTestService(repo, Config{})

		review, err := svc.OnEscalate(context.Background(), escalatedContext(policy.CheckpointInput), nil)
		require.NoError(t, err)

		var snapshot map[string]interface{}
		require.NoError(t, json.Unmarshal(review.ContextData, &snapshot))
		assert.Equal(t, "trace-1", snapshot["trace_id"])
		assert.Equal(t, map[string]interface{}{"priority": "5"}, snapshot["metadata"])
		assert.NotContains(t, snapshot, "outcome")
		assert.NotContains(t, snapshot, "policy_name")
	})

	t.Run("store failure", func(t *testing.T) {
		repo := new(MockReviewRepository)
		repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))
		svc, _, rec := newTestService(repo, Config{})

		_, err := svc.OnEscalate(context.Background(), escalatedContext(policy.CheckpointInput), nil)
		assert.True(t, services.IsInternalError(err))
		assert.Empty(t, rec.types())
	})
}

// approvedStore answers FindApproved from memory with the same exact-match
// semantics as the SQL query
type approvedStore struct {
	*MockReviewRepository
	reviews []*models.Review
}

func (s *approvedStore) FindApproved(ctx context.Context, l repositories.BypassLookup) (*models.Review, error) {
	var best *models.Review
	for _, r := range s.reviews {
		if r.Status == models.ReviewStatusApproved && r.Prompt == l.Prompt && r.UserID == l.UserID &&
			r.Checkpoint == l.Checkpoint && r.DecisionAt != nil && !r.DecisionAt.Before(l.Since) {
			if best == nil || r.DecisionAt.After(*best.DecisionAt) {
				best = r
			}
		}
	}
	if best == nil {
		return nil, repositories.ErrNotFound
	}
	return best, nil
}

func TestService_CheckBypass(t *testing.T) {
	decided := func(prompt string, status models.ReviewStatus, created, decidedAt time.Duration) *models.Review {
		r := models.NewReview("req-"+prompt, "trace-"+prompt, "input", "needs review", prompt, "user-1")
		r.Status = status
		r.CreatedAt = fixedNow.Add(-created)
		at := fixedNow.Add(-decidedAt)
		r.DecisionAt = &at
		return r
	}
	day := 24 * time.Hour

	approved := decided("please escalate this trade", models.ReviewStatusApproved, 25*time.Hour, day)
	stale := decided("old prompt", models.ReviewStatusApproved, 9*day, 8*day)
	lateApproval := decided("queued for a week", models.ReviewStatusApproved, 10*day, time.Hour)
	staleApproval := decided("approved long ago", models.ReviewStatusApproved, 2*day, 8*day)
	rejected := decided("rejected prompt", models.ReviewStatusRejected, 2*time.Hour, time.Hour)

	store := &approvedStore{
		MockReviewRepository: new(MockReviewRepository),
		reviews:              []*models.Review{approved, stale, lateApproval, staleApproval, rejected},
	}

	tests := []struct {
		name       string
		prompt     string
		userID     string
		checkpoint policy.Checkpoint
		want       *models.Review
	}{
		{"exact match", "please escalate this trade", "user-1", policy.CheckpointInput, approved},
		{"trailing space", "please escalate this trade ", "user-1", policy.CheckpointInput, nil},
		{"different case", "Please escalate this trade", "user-1", policy.CheckpointInput, nil},
		{"different user", "please escalate this trade", "user-2", policy.CheckpointInput, nil},
		{"different checkpoint", "please escalate this trade", "user-1", policy.CheckpointOutput, nil},
		{"outside window", "old prompt", "user-1", policy.CheckpointInput, nil},
		{"old review approved recently", "queued for a week", "user-1", policy.CheckpointInput, lateApproval},
		{"recent review approved outside window", "approved long ago", "user-1", policy.CheckpointInput, nil},
		{"rejected review", "rejected prompt", "user-1", policy.CheckpointInput, nil},
		{"no user", "please escalate this trade", "", policy.CheckpointInput, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(store, Config{})
			pctx := policy.NewContext(policy.ContextParams{
				Prompt: tt.prompt, UserID: tt.userID, Checkpoint: tt.checkpoint, TraceID: "trace-9",
			})

			ok, review := svc.CheckBypass(context.Background(), pctx)
			assert.Equal(t, tt.want != nil, ok)
			if tt.want != nil {
				require.NotNil(t, review)
				assert.Equal(t, tt.want.ID, review.ID)
			} else {
				assert.Nil(t, review)
			}
		})
	}
}

func TestService_CheckBypass_FailsSecure(t *testing.T) {
	repo := new(MockReviewRepository)
	repo.On("FindApproved", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	svc, _, rec := newTestService(repo, Config{})
	metrics := &countingMetrics{}
	svc.SetMetrics(metrics)

	ok, review := svc.CheckBypass(context.Background(), escalatedContext(policy.CheckpointInput))
	assert.False(t, ok)
	assert.Nil(t, review)
	assert.Equal(t, []string{"hitl_bypass_check_failed"}, rec.types())
	assert.Equal(t, 1, metrics.misses)
}

func TestService_CheckBypass_UsesWindow(t *testing.T) {
	repo := new(MockReviewRepository)
	repo.On("FindApproved", mock.Anything, repositories.BypassLookup{
		Prompt:     "please escalate this trade",
		UserID:     "user-1",
		Checkpoint: "input",
		Since:      fixedNow.Add(-48 * time.Hour),
	}).Return(nil, repositories.ErrNotFound)

	svc, _, rec := newTestService(repo, Config{BypassWindow: 48 * time.Hour})
	ok, _ := svc.CheckBypass(context.Background(), escalatedContext(policy.CheckpointInput))
	assert.False(t, ok)
	assert.Empty(t, rec.types(), "a miss is not a failure")
	repo.AssertExpectations(t)
}

func TestService_Claim(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{"zero clamps to one", 0, 1},
		{"negative clamps to one", -3, 1},
		{"within range", 4, 4},
		{"above max clamps", 50, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockReviewRepository)
			claimed := []*models.Review{models.NewReview("r", "t", "input", "x", "p", "u")}
			repo.On("ClaimPending", mock.Anything, "worker-1", tt.wantLimit, 300*time.Second).Return(claimed, nil)

			svc, _, rec := newTestService(repo, Config{})
			got, err := svc.Claim(context.Background(), "worker-1", tt.limit)
			require.NoError(t, err)
			assert.Equal(t, claimed, got)
			assert.Equal(t, []string{"review_claimed"}, rec.types())
			repo.AssertExpectations(t)
		})
	}

	t.Run("worker required", func(t *testing.T) {
		svc, _, _ := newTestService(new(MockReviewRepository), Config{})
		_, err := svc.Claim(context.Background(), "", 1)
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("store error", func(t *testing.T) {
		repo := new(MockReviewRepository)
		repo.On("ClaimPending", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.Claim(context.Background(), "w", 1)
		assert.True(t, services.IsInternalError(err))
	})
}

func assignedReview(worker string, lockedUntil time.Time) *models.Review {
	r := models.NewReview("req-1", "trace-1", "input", "needs review", "prompt", "user-1")
	r.Status = models.ReviewStatusAssigned
	r.AssignedTo = &worker
	r.LockedUntil = &lockedUntil
	return r
}

func TestService_StartProcessing(t *testing.T) {
	t.Run("assigned to caller", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := assignedReview("alice", fixedNow.Add(time.Minute))
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)
		repo.On("UpdateStatus", mock.Anything, review.ID, models.ReviewStatusAssigned, models.ReviewStatusProcessing).Return(nil)

		svc, txm, rec := newTestService(repo, Config{})
		got, err := svc.StartProcessing(context.Background(), review.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ReviewStatusProcessing, got.Status)
		assert.True(t, txm.last().committed)
		assert.Equal(t, []string{"review_processing"}, rec.types())
	})

	t.Run("assigned to someone else", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := assignedReview("bob", fixedNow.Add(time.Minute))
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)

		svc, txm, _ := newTestService(repo, Config{})
		_, err := svc.StartProcessing(context.Background(), review.ID, "alice")
		assert.True(t, services.IsForbiddenError(err))
		assert.True(t, txm.last().rolledBack)
	})

	t.Run("lapsed claim", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := assignedReview("alice", fixedNow.Add(-time.Minute))
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)

		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.StartProcessing(context.Background(), review.ID, "alice")
		assert.True(t, services.IsConflictError(err))
	})

	t.Run("pending review", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := models.NewReview("r", "t", "input", "x", "p", "u")
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)

		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.StartProcessing(context.Background(), review.ID, "alice")
		assert.True(t, services.IsConflictError(err))
	})
}

func TestService_Decide(t *testing.T) {
	t.Run("approve pending review", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := models.NewReview("req-1", "trace-1", "input", "x", "p", "user-1")
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)
		repo.On("SetDecision", mock.Anything, review).Return(nil)

		svc, txm, rec := newTestService(repo, Config{})
		metrics := &countingMetrics{}
		svc.SetMetrics(metrics)

		got, err := svc.Approve(context.Background(), review.ID, "alice", "looks fine")
		require.NoError(t, err)
		assert.Equal(t, models.ReviewStatusApproved, got.Status)
		require.NotNil(t, got.ReviewedBy)
		assert.Equal(t, "alice", *got.ReviewedBy)
		require.NotNil(t, got.ReviewNotes)
		assert.Equal(t, "looks fine", *got.ReviewNotes)
		require.NotNil(t, got.DecisionAt)
		assert.Equal(t, fixedNow, *got.DecisionAt)
		assert.True(t, txm.last().committed)
		assert.Equal(t, []string{"review_approved"}, rec.types())
		assert.Equal(t, 1, metrics.decided[models.ReviewStatusApproved])
	})

	t.Run("reject processing review held by caller", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := assignedReview("alice", fixedNow.Add(time.Minute))
		review.Status = models.ReviewStatusProcessing
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)
		repo.On("SetDecision", mock.Anything, review).Return(nil)

		svc, _, rec := newTestService(repo, Config{})
		got, err := svc.Reject(context.Background(), review.ID, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, models.ReviewStatusRejected, got.Status)
		assert.Nil(t, got.ReviewNotes)
		assert.Equal(t, []string{"review_rejected"}, rec.types())
	})

	tests := []struct {
		name   string
		review func() *models.Review
		check  func(error) bool
	}{
		{
			name: "already decided",
			review: func() *models.Review {
				r := models.NewReview("r", "t", "input", "x", "p", "u")
				r.Status = models.ReviewStatusApproved
				return r
			},
			check: services.IsConflictError,
		},
		{
			name: "expired",
			review: func() *models.Review {
				r := models.NewReview("r", "t", "input", "x", "p", "u")
				exp := fixedNow.Add(-time.Second)
				r.ExpiresAt = &exp
				return r
			},
			check: services.IsConflictError,
		},
		{
			name:   "held by another reviewer",
			review: func() *models.Review { return assignedReview("bob", fixedNow.Add(time.Minute)) },
			check:  services.IsForbiddenError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockReviewRepository)
			review := tt.review()
			repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)

			svc, txm, rec := newTestService(repo, Config{})
			_, err := svc.Approve(context.Background(), review.ID, "alice", "")
			assert.True(t, tt.check(err), "unexpected error: %v", err)
			assert.True(t, txm.last().rolledBack)
			assert.Empty(t, rec.types())
			repo.AssertNotCalled(t, "SetDecision", mock.Anything, mock.Anything)
		})
	}

	t.Run("lapsed claim by another reviewer can be decided", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := assignedReview("bob", fixedNow.Add(-time.Minute))
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)
		repo.On("SetDecision", mock.Anything, review).Return(nil)

		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.Approve(context.Background(), review.ID, "alice", "")
		assert.NoError(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		repo := new(MockReviewRepository)
		id := uuid.New()
		repo.On("GetByIDForUpdate", mock.Anything, id).Return(nil, repositories.ErrNotFound)

		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.Reject(context.Background(), id, "alice", "")
		assert.True(t, services.IsNotFoundError(err))
	})

	t.Run("concurrent decision", func(t *testing.T) {
		repo := new(MockReviewRepository)
		review := models.NewReview("r", "t", "input", "x", "p", "u")
		repo.On("GetByIDForUpdate", mock.Anything, review.ID).Return(review, nil)
		repo.On("SetDecision", mock.Anything, review).Return(repositories.ErrStaleTransition)

		svc, _, _ := newTestService(repo, Config{})
		_, err := svc.Approve(context.Background(), review.ID, "alice", "")
		assert.True(t, services.IsConflictError(err))
	})

	t.Run("invalid decision status", func(t *testing.T) {
		svc, _, _ := newTestService(new(MockReviewRepository), Config{})
		_, err := svc.Decide(context.Background(), uuid.New(), "alice", "", models.ReviewStatusExpired)
		assert.True(t, services.IsValidationError(err))

		_, err = svc.Approve(context.Background(), uuid.New(), "", "")
		assert.True(t, services.IsValidationError(err))
	})
}

func TestService_GetAndList(t *testing.T) {
	repo := new(MockReviewRepository)
	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(nil, repositories.ErrNotFound)
	repo.On("List", mock.Anything, models.ReviewFilter{Status: models.ReviewStatusPending, Limit: 50}).
		Return([]*models.Review{}, nil)

	svc, _, _ := newTestService(repo, Config{})

	_, err := svc.Get(context.Background(), id)
	assert.True(t, services.IsNotFoundError(err))

	reviews, err := svc.List(context.Background(), models.ReviewFilter{Status: models.ReviewStatusPending})
	require.NoError(t, err)
	assert.Empty(t, reviews)

	_, err = svc.List(context.Background(), models.ReviewFilter{Status: "waiting"})
	assert.True(t, services.IsValidationError(err))

	_, err = svc.List(context.Background(), models.ReviewFilter{Checkpoint: "middle"})
	assert.True(t, services.IsValidationError(err))
	repo.AssertExpectations(t)
}

func TestService_Maintenance(t *testing.T) {
	repo := new(MockReviewRepository)
	repo.On("ExpireStale", mock.Anything, fixedNow).Return(int64(2), nil)
	repo.On("ReleaseStaleLocks", mock.Anything, fixedNow).Return(int64(0), errors.New("timeout"))

	svc, _, _ := newTestService(repo, Config{})
	metrics := &countingMetrics{}
	svc.SetMetrics(metrics)

	n, err := svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), metrics.expired)

	_, err = svc.ReleaseStaleLocks(context.Background())
	assert.True(t, services.IsInternalError(err))
}
