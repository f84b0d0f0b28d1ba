package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-governance-gateway/internal/policies"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/services/providers"
)

const testPolicies = `
policies:
  - name: mnpi_check
    config:
      securities: [AAPL]
  - name: pii_detection
  - name: escalation_keywords
  - name: prompt_length
`

func newTestEngine(t *testing.T, recorder policy.Recorder) *policy.Engine {
	t.Helper()
	cfg, err := policy.ParseConfig([]byte(testPolicies))
	require.NoError(t, err)
	registry, _, err := policy.BuildRegistry(cfg, policies.Factories(), zap.NewNop())
	require.NoError(t, err)
	return policy.NewEngine(registry, recorder, zap.NewNop())
}

// memoryReviews is an in-memory review store with the SQL store's semantics
type memoryReviews struct {
	mu      sync.Mutex
	reviews map[uuid.UUID]*models.Review
	inserts int
}

func newMemoryReviews() *memoryReviews {
	return &memoryReviews{reviews: make(map[uuid.UUID]*models.Review)}
}

func (m *memoryReviews) Insert(ctx context.Context, review *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *review
	m.reviews[review.ID] = &cp
	m.inserts++
	return nil
}

func (m *memoryReviews) GetByID(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, fmt.Errorf("review %s: %w", id, repositories.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memoryReviews) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Review, error) {
	return m.GetByID(ctx, id)
}

func (m *memoryReviews) FindApproved(ctx context.Context, l repositories.BypassLookup) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Review
	for _, r := range m.reviews {
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
	cp := *best
	return &cp, nil
}

func (m *memoryReviews) ClaimPending(ctx context.Context, worker string, limit int, lockFor time.Duration) ([]*models.Review, error) {
	return nil, nil
}

func (m *memoryReviews) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok || r.Status != from {
		return repositories.ErrStaleTransition
	}
	r.Status = to
	return nil
}

func (m *memoryReviews) SetDecision(ctx context.Context, review *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[review.ID]
	if !ok || r.Status.IsTerminal() {
		return repositories.ErrStaleTransition
	}
	cp := *review
	m.reviews[review.ID] = &cp
	return nil
}

func (m *memoryReviews) List(ctx context.Context, filter models.ReviewFilter) ([]*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Review
	for _, r := range m.reviews {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.TraceID != "" && r.TraceID != filter.TraceID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryReviews) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryReviews) ReleaseStaleLocks(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryReviews) WithTx(tx repositories.Transaction) repositories.ReviewRepository {
	return m
}

// backdate moves a stored review's creation time into the past
func (m *memoryReviews) backdate(id uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		r.CreatedAt = r.CreatedAt.Add(-by)
	}
}

func (m *memoryReviews) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

type noopTx struct{ ctx context.Context }

func (t noopTx) Commit() error            { return nil }
func (t noopTx) Rollback() error          { return nil }
func (t noopTx) Context() context.Context { return t.ctx }

type noopTxManager struct{}

func (noopTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return noopTx{ctx: ctx}, nil
}

func (noopTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, noopTx{ctx: ctx})
}

type auditRecord struct {
	eventType string
	traceID   string
	requestID string
	payload   map[string]interface{}
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []auditRecord
}

func (r *memoryRecorder) Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, auditRecord{eventType, traceID, requestID, payload})
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

func (r *memoryRecorder) find(eventType string) (auditRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.eventType == eventType {
			return e, true
		}
	}
	return auditRecord{}, false
}

func (r *memoryRecorder) all() []auditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditRecord(nil), r.events...)
}

// scriptedRouter answers with a fixed response or error and keeps the
// requests it saw
type scriptedRouter struct {
	mu       sync.Mutex
	response string
	err      error
	requests []*providers.ChatRequest
}

func (r *scriptedRouter) Route(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &providers.ChatResponse{
		ID:       "resp-1",
		Model:    "gpt-4o",
		Content:  r.response,
		Provider: "openai",
		Usage:    providers.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (r *scriptedRouter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *scriptedRouter) last() *providers.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

type recordedDisposition struct {
	kind       string
	checkpoint string
}

type dispositionMetrics struct {
	mu   sync.Mutex
	seen []recordedDisposition
}

func (m *dispositionMetrics) RecordDisposition(kind, checkpoint string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, recordedDisposition{kind, checkpoint})
}

// capturingEvaluator keeps every context it evaluates
type capturingEvaluator struct {
	inner    Evaluator
	mu       sync.Mutex
	contexts []policy.Context
}

func (e *capturingEvaluator) Evaluate(ctx context.Context, pctx policy.Context) (*policy.AggregatedResult, error) {
	e.mu.Lock()
	e.contexts = append(e.contexts, pctx)
	e.mu.Unlock()
	return e.inner.Evaluate(ctx, pctx)
}

func (e *capturingEvaluator) seen() []policy.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]policy.Context(nil), e.contexts...)
}
