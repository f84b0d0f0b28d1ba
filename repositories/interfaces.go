package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-governance-gateway/models"
)

// ErrNotFound is returned (wrapped) when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// ErrStaleTransition is returned (wrapped) when a conditional status update
// matched no row because the record was no longer in the expected state
var ErrStaleTransition = errors.New("record changed concurrently")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// AuditRepository persists the append-only audit trail
type AuditRepository interface {
	// Insert inserts a new audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// Query returns events matching q, oldest first
	Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEvent, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// BypassLookup identifies a previously approved review that may let an
// identical request skip evaluation
type BypassLookup struct {
	Prompt     string
	UserID     string
	Checkpoint string
	Since      time.Time
}

// ReviewRepository stores human review records
type ReviewRepository interface {
	// Insert stores a new review
	Insert(ctx context.Context, review *models.Review) error

	// GetByID retrieves a review by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Review, error)

	// GetByIDForUpdate retrieves a review and locks its row until the
	// surrounding transaction ends
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Review, error)

	// FindApproved returns the most recent approved review exactly matching
	// the lookup, or ErrNotFound
	FindApproved(ctx context.Context, lookup BypassLookup) (*models.Review, error)

	// ClaimPending atomically assigns up to limit pending reviews to worker,
	// skipping rows locked by concurrent claimers
	ClaimPending(ctx context.Context, worker string, limit int, lockFor time.Duration) ([]*models.Review, error)

	// UpdateStatus moves a review from one status to another, failing with
	// ErrStaleTransition if it is no longer in from
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ReviewStatus) error

	// SetDecision records a terminal decision
	SetDecision(ctx context.Context, review *models.Review) error

	// List retrieves reviews matching the filter, newest first
	List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error)

	// ExpireStale marks pending or assigned reviews past their expiry as
	// expired and returns how many changed
	ExpireStale(ctx context.Context, now time.Time) (int64, error)

	// ReleaseStaleLocks returns assigned reviews whose lock lapsed to pending
	ReleaseStaleLocks(ctx context.Context, now time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ReviewRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Reviews     ReviewRepository
	AuditEvents AuditRepository
}
