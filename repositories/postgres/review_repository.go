package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"go.uber.org/zap"
)

const reviewColumns = `id, request_id, trace_id, checkpoint, reason, context_data, prompt, response,
		       user_id, status, priority, assigned_to, locked_until, reviewed_by, review_notes,
		       decision_timestamp, created_at, assigned_at, expires_at, metadata`

// ReviewRepository implements the repositories.ReviewRepository interface
type ReviewRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewReviewRepository creates a new review repository
func NewReviewRepository(db *DB, logger *zap.Logger) repositories.ReviewRepository {
	return &ReviewRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a new review
func (r *ReviewRepository) Insert(ctx context.Context, review *models.Review) error {
	query := `
		INSERT INTO hitl_reviews (
			id, request_id, trace_id, checkpoint, reason, context_data, prompt, response,
			user_id, status, priority, expires_at, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		review.ID,
		review.RequestID,
		review.TraceID,
		review.Checkpoint,
		review.Reason,
		jsonOrEmpty(review.ContextData),
		review.Prompt,
		review.Response,
		review.UserID,
		review.Status,
		review.Priority,
		review.ExpiresAt,
		jsonOrEmpty(review.Metadata),
		review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}

	r.logger.Debug("review inserted",
		zap.String("id", review.ID.String()),
		zap.String("checkpoint", review.Checkpoint))
	return nil
}

// GetByID retrieves a review by ID
func (r *ReviewRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM hitl_reviews WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUpdate retrieves a review and locks its row
func (r *ReviewRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM hitl_reviews WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *ReviewRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*models.Review, error) {
	executor := GetExecutor(ctx, r.db, r.tx)
	review, err := scanReview(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("review not found: %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return review, nil
}

// FindApproved returns the most recently decided approved review with the
// same prompt, user and checkpoint whose approval landed at or after
// lookup.Since
func (r *ReviewRepository) FindApproved(ctx context.Context, lookup repositories.BypassLookup) (*models.Review, error) {
	query := `
		SELECT ` + reviewColumns + `
		FROM hitl_reviews
		WHERE status = 'approved'
		  AND prompt = $1
		  AND user_id = $2
		  AND checkpoint = $3
		  AND decision_timestamp >= $4
		ORDER BY decision_timestamp DESC
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	review, err := scanReview(executor.QueryRowContext(ctx, query,
		lookup.Prompt, lookup.UserID, lookup.Checkpoint, lookup.Since))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no approved review: %w", repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up approved review: %w", err)
	}
	return review, nil
}

// ClaimPending assigns up to limit claimable reviews to worker. Rows already
// locked by another claimer are skipped rather than waited on, so concurrent
// workers never receive the same review. Assigned reviews whose lock lapsed
// are claimable again.
func (r *ReviewRepository) ClaimPending(ctx context.Context, worker string, limit int, lockFor time.Duration) ([]*models.Review, error) {
	query := `
		UPDATE hitl_reviews
		SET status = 'assigned',
		    assigned_to = $1,
		    assigned_at = NOW(),
		    locked_until = NOW() + $2 * INTERVAL '1 second'
		WHERE id IN (
			SELECT id FROM hitl_reviews
			WHERE (status = 'pending' OR (status = 'assigned' AND locked_until < NOW()))
			  AND (expires_at IS NULL OR expires_at > NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + reviewColumns

	executor := GetExecutor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, worker, lockFor.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim reviews: %w", err)
	}
	defer rows.Close()

	reviews, err := collectReviews(rows)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("reviews claimed",
		zap.String("worker", worker),
		zap.Int("count", len(reviews)))
	return reviews, nil
}

// UpdateStatus moves a review from one status to another. Returning to
// pending clears the assignment.
func (r *ReviewRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ReviewStatus) error {
	set := "status = $3"
	switch to {
	case models.ReviewStatusPending:
		set += ", assigned_to = NULL, assigned_at = NULL, locked_until = NULL"
	case models.ReviewStatusExpired:
		set += ", locked_until = NULL"
	}
	query := `UPDATE hitl_reviews SET ` + set + ` WHERE id = $1 AND status = $2`

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to update review status: %w", err)
	}
	return expectOneRow(result, id, from)
}

// SetDecision records the terminal status, reviewer, notes and decision time
// of review. The row must still be undecided.
func (r *ReviewRepository) SetDecision(ctx context.Context, review *models.Review) error {
	query := `
		UPDATE hitl_reviews
		SET status = $2,
		    reviewed_by = $3,
		    review_notes = $4,
		    decision_timestamp = $5,
		    locked_until = NULL
		WHERE id = $1
		  AND status IN ('pending', 'assigned', 'processing')
	`

	decidedAt := time.Now().UTC()
	if review.DecisionAt != nil {
		decidedAt = *review.DecisionAt
	}

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query,
		review.ID,
		review.Status,
		review.ReviewedBy,
		review.ReviewNotes,
		decidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record review decision: %w", err)
	}
	if err := expectOneRow(result, review.ID, "undecided"); err != nil {
		return err
	}

	review.DecisionAt = &decidedAt
	r.logger.Debug("review decision recorded",
		zap.String("id", review.ID.String()),
		zap.String("status", string(review.Status)))
	return nil
}

// List retrieves reviews matching the filter, newest first
func (r *ReviewRepository) List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error) {
	filter = filter.Normalize()

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.RequestID != "" {
		add("request_id = $%d", filter.RequestID)
	}
	if filter.TraceID != "" {
		add("trace_id = $%d", filter.TraceID)
	}
	if filter.Checkpoint != "" {
		add("checkpoint = $%d", filter.Checkpoint)
	}
	if filter.AssignedTo != "" {
		add("assigned_to = $%d", filter.AssignedTo)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at <= $%d", *filter.CreatedBefore)
	}

	query := `SELECT ` + reviewColumns + ` FROM hitl_reviews`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	executor := GetExecutor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// ExpireStale marks undecided reviews past their expiry as expired.
// Reviews already being processed are left to their reviewer.
func (r *ReviewRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE hitl_reviews
		SET status = 'expired', locked_until = NULL
		WHERE status IN ('pending', 'assigned')
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reviews: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ReleaseStaleLocks returns assigned reviews whose lock lapsed to pending
func (r *ReviewRepository) ReleaseStaleLocks(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE hitl_reviews
		SET status = 'pending', assigned_to = NULL, assigned_at = NULL, locked_until = NULL
		WHERE status = 'assigned'
		  AND locked_until IS NOT NULL
		  AND locked_until < $1
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release review locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ReviewRepository) WithTx(tx repositories.Transaction) repositories.ReviewRepository {
	return &ReviewRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReview(row rowScanner) (*models.Review, error) {
	review := &models.Review{}
	var contextData, metadata []byte
	err := row.Scan(
		&review.ID,
		&review.RequestID,
		&review.TraceID,
		&review.Checkpoint,
		&review.Reason,
		&contextData,
		&review.Prompt,
		&review.Response,
		&review.UserID,
		&review.Status,
		&review.Priority,
		&review.AssignedTo,
		&review.LockedUntil,
		&review.ReviewedBy,
		&review.ReviewNotes,
		&review.DecisionAt,
		&review.CreatedAt,
		&review.AssignedAt,
		&review.ExpiresAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	review.ContextData = contextData
	review.Metadata = metadata
	return review, nil
}

func collectReviews(rows *sql.Rows) ([]*models.Review, error) {
	reviews := make([]*models.Review, 0)
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review rows: %w", err)
	}
	return reviews, nil
}

func expectOneRow(result sql.Result, id uuid.UUID, expected interface{}) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("review %s is no longer %v: %w", id, expected, repositories.ErrStaleTransition)
	}
	return nil
}

func jsonOrEmpty(data []byte) []byte {
	if len(data) == 0 {
		return []byte(`{}`)
	}
	return data
}
