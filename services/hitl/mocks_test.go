package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
)

type MockReviewRepository struct {
	mock.Mock
}

func (m *MockReviewRepository) Insert(ctx context.Context, review *models.Review) error {
	return m.Called(ctx, review).Error(0)
}

func (m *MockReviewRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*models.Review), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReviewRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*models.Review), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReviewRepository) FindApproved(ctx context.Context, lookup repositories.BypassLookup) (*models.Review, error) {
	args := m.Called(ctx, lookup)
	if r := args.Get(0); r != nil {
		return r.(*models.Review), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReviewRepository) ClaimPending(ctx context.Context, worker string, limit int, lockFor time.Duration) ([]*models.Review, error) {
	args := m.Called(ctx, worker, limit, lockFor)
	if r := args.Get(0); r != nil {
		return r.([]*models.Review), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReviewRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ReviewStatus) error {
	return m.Called(ctx, id, from, to).Error(0)
}

func (m *MockReviewRepository) SetDecision(ctx context.Context, review *models.Review) error {
	return m.Called(ctx, review).Error(0)
}

func (m *MockReviewRepository) List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error) {
	args := m.Called(ctx, filter)
	if r := args.Get(0); r != nil {
		return r.([]*models.Review), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReviewRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReviewRepository) ReleaseStaleLocks(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReviewRepository) WithTx(tx repositories.Transaction) repositories.ReviewRepository {
	return m
}

type fakeTx struct {
	ctx        context.Context
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit() error            { t.committed = true; return nil }
func (t *fakeTx) Rollback() error          { t.rolledBack = true; return nil }
func (t *fakeTx) Context() context.Context { return t.ctx }

type fakeTxManager struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (m *fakeTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &fakeTx{ctx: ctx}
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *fakeTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, _ := m.Begin(ctx)
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *fakeTxManager) last() *fakeTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txs) == 0 {
		return nil
	}
	return m.txs[len(m.txs)-1]
}

type recordedEvent struct {
	eventType string
	traceID   string
	payload   map[string]interface{}
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *memoryRecorder) Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType: eventType, traceID: traceID, payload: payload})
}

func (r *memoryRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

type countingMetrics struct {
	mu      sync.Mutex
	created int
	decided map[models.ReviewStatus]int
	hits    int
	misses  int
	expired int64
}

func (m *countingMetrics) ReviewCreated(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *countingMetrics) ReviewDecided(s models.ReviewStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decided == nil {
		m.decided = make(map[models.ReviewStatus]int)
	}
	m.decided[s]++
}

func (m *countingMetrics) BypassChecked(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *countingMetrics) ReviewsExpired(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired += n
}
