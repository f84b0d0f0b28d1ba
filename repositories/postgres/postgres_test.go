package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return WrapDB(sqlDB, zap.NewNop()), mock
}

var reviewColumnNames = []string{
	"id", "request_id", "trace_id", "checkpoint", "reason", "context_data", "prompt", "response",
	"user_id", "status", "priority", "assigned_to", "locked_until", "reviewed_by", "review_notes",
	"decision_timestamp", "created_at", "assigned_at", "expires_at", "metadata",
}

func reviewRow(id uuid.UUID, status models.ReviewStatus, assignedTo interface{}) []driver.Value {
	return []driver.Value{
		id.String(), "req-1", "trace-1", "input", "needs review", []byte(`{}`), "the prompt", nil,
		"user-1", string(status), int64(0), assignedTo, nil, nil, nil,
		nil, time.Now(), nil, nil, []byte(`{}`),
	}
}

func TestDB_HealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := WrapDB(sqlDB, nil)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	require.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_InitSchema(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS hitl_reviews").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, db.InitSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, db.InitAuditSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	assert.Error(t, db.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits and routes repository calls through the tx", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return repo.Insert(ctx, models.NewAuditEvent("request_received", "trace-1", "req-1", models.ClassificationInfo))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db, zap.NewNop())

	event := models.NewAuditEvent("policy_decision", "trace-1", "req-1", models.ClassificationPolicyViolation).
		WithUser("user-1").
		WithPayload(map[string]string{"outcome": "BLOCK"})

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(event.ID, "trace-1", "req-1", "policy_decision", models.ClassificationPolicyViolation,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_Query(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db, zap.NewNop())

	cols := []string{"id", "trace_id", "request_id", "event_type", "classification", "user_id", "payload", "timestamp"}
	now := time.Now()
	mock.ExpectQuery(`FROM audit_events\s+WHERE trace_id = \$1 AND classification = \$2\s+ORDER BY timestamp ASC`).
		WithArgs("trace-1", models.ClassificationModuleError, 1000, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.New().String(), "trace-1", "req-1", "module_error", "module_error", nil, []byte(`{"policy":"pii"}`), now).
			AddRow(uuid.New().String(), "trace-1", "req-1", "module_error", "module_error", "user-1", []byte(`{}`), now))

	events, err := repo.Query(context.Background(), models.AuditQuery{
		TraceID:        "trace-1",
		Classification: models.ClassificationModuleError,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].UserID)
	assert.JSONEq(t, `{"policy":"pii"}`, string(events[0].Payload))
	require.NotNil(t, events[1].UserID)
	assert.Equal(t, "user-1", *events[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(`FROM hitl_reviews WHERE id = \$1$`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reviewColumnNames).AddRow(reviewRow(id, models.ReviewStatusPending, nil)...))

	review, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, review.ID)
	assert.Equal(t, models.ReviewStatusPending, review.Status)
	assert.Nil(t, review.Response)
	assert.Nil(t, review.AssignedTo)

	mock.ExpectQuery("FROM hitl_reviews WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByIDForUpdate(context.Background(), id)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_FindApproved(t *testing.T) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	lookup := repositories.BypassLookup{Prompt: "the prompt", UserID: "user-1", Checkpoint: "input", Since: since}

	t.Run("match", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReviewRepository(db, zap.NewNop())
		id := uuid.New()

		mock.ExpectQuery(`status = 'approved'.*prompt = \$1.*user_id = \$2.*checkpoint = \$3.*decision_timestamp >= \$4.*ORDER BY decision_timestamp DESC`).
			WithArgs("the prompt", "user-1", "input", since).
			WillReturnRows(sqlmock.NewRows(reviewColumnNames).AddRow(reviewRow(id, models.ReviewStatusApproved, "alice")...))

		review, err := repo.FindApproved(context.Background(), lookup)
		require.NoError(t, err)
		assert.Equal(t, id, review.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no match", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReviewRepository(db, zap.NewNop())

		mock.ExpectQuery("status = 'approved'").
			WillReturnRows(sqlmock.NewRows(reviewColumnNames))

		_, err := repo.FindApproved(context.Background(), lookup)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestReviewRepository_ClaimPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepository(db, zap.NewNop())
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE hitl_reviews.*SET status = 'assigned'.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WithArgs("worker-1", float64(300), 5).
		WillReturnRows(sqlmock.NewRows(reviewColumnNames).
			AddRow(reviewRow(a, models.ReviewStatusAssigned, "worker-1")...).
			AddRow(reviewRow(b, models.ReviewStatusAssigned, "worker-1")...))

	reviews, err := repo.ClaimPending(context.Background(), "worker-1", 5, 300*time.Second)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	for _, r := range reviews {
		assert.Equal(t, models.ReviewStatusAssigned, r.Status)
		require.NotNil(t, r.AssignedTo)
		assert.Equal(t, "worker-1", *r.AssignedTo)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_UpdateStatus(t *testing.T) {
	tests := []struct {
		name     string
		to       models.ReviewStatus
		query    string
		affected int64
		wantErr  error
	}{
		{"to processing", models.ReviewStatusProcessing, `SET status = \$3 WHERE id = \$1 AND status = \$2`, 1, nil},
		{"back to pending clears assignment", models.ReviewStatusPending, `assigned_to = NULL.*WHERE id = \$1 AND status = \$2`, 1, nil},
		{"stale", models.ReviewStatusProcessing, `UPDATE hitl_reviews`, 0, repositories.ErrStaleTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewReviewRepository(db, zap.NewNop())
			id := uuid.New()

			mock.ExpectExec(tt.query).
				WithArgs(id, models.ReviewStatusAssigned, tt.to).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.UpdateStatus(context.Background(), id, models.ReviewStatusAssigned, tt.to)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReviewRepository_SetDecision(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepository(db, zap.NewNop())

	reviewer, notes := "alice", "fine"
	review := &models.Review{ID: uuid.New(), Status: models.ReviewStatusApproved, ReviewedBy: &reviewer, ReviewNotes: &notes}

	mock.ExpectExec(`SET status = \$2.*status IN \('pending', 'assigned', 'processing'\)`).
		WithArgs(review.ID, models.ReviewStatusApproved, &reviewer, &notes, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetDecision(context.Background(), review))
	assert.NotNil(t, review.DecisionAt)

	mock.ExpectExec("UPDATE hitl_reviews").WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.SetDecision(context.Background(), review)
	assert.ErrorIs(t, err, repositories.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepository(db, zap.NewNop())

	mock.ExpectQuery(`WHERE status = \$1 AND checkpoint = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(models.ReviewStatusPending, "output", models.DefaultReviewListLimit, 0).
		WillReturnRows(sqlmock.NewRows(reviewColumnNames).AddRow(reviewRow(uuid.New(), models.ReviewStatusPending, nil)...))

	reviews, err := repo.List(context.Background(), models.ReviewFilter{Status: models.ReviewStatusPending, Checkpoint: "output"})
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewRepository_Maintenance(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectExec(`SET status = 'expired'`).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.ExpireStale(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectExec(`SET status = 'pending'.*locked_until < \$1`).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))
	n, err = repo.ReleaseStaleLocks(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
