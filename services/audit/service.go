package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"go.uber.org/zap"
)

// Recorder receives audit events without blocking the caller
type Recorder interface {
	Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{})
}

// AuditService persists audit events asynchronously through a worker pool
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	eventChan   chan *models.AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	dropped     atomic.Int64
	written     atomic.Int64

	mu      sync.RWMutex
	started bool
	stopped bool
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 5,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		eventChan:   make(chan *models.AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for queued ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully",
			zap.Int64("written", s.written.Load()),
			zap.Int64("dropped", s.dropped.Load()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record classifies and enqueues an event. It never blocks: when the buffer
// is full, or the service is not running, the event is dropped and counted.
func (s *AuditService) Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{}) {
	event := NewEvent(eventType, traceID, requestID, payload)
	_ = s.Enqueue(event)
}

// Enqueue queues a prepared event
func (s *AuditService) Enqueue(event *models.AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		s.dropped.Add(1)
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("event_type", event.EventType),
			zap.String("trace_id", event.TraceID))
		return fmt.Errorf("audit event buffer full")
	}
}

// EventsByTrace returns the trail of one trace, oldest first
func (s *AuditService) EventsByTrace(ctx context.Context, traceID string, limit, offset int) ([]*models.AuditEvent, error) {
	return s.auditRepo.Query(ctx, models.AuditQuery{TraceID: traceID, Limit: limit, Offset: offset})
}

// EventsByRequest returns the trail of one request, oldest first
func (s *AuditService) EventsByRequest(ctx context.Context, requestID string, limit, offset int) ([]*models.AuditEvent, error) {
	return s.auditRepo.Query(ctx, models.AuditQuery{RequestID: requestID, Limit: limit, Offset: offset})
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("event_type", event.EventType),
				zap.String("trace_id", event.TraceID))
			continue
		}
		s.written.Add(1)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
	Written       int64
	Dropped       int64
}

// NewEvent builds a classified audit event. A string "user_id" in payload
// becomes the event's user.
func NewEvent(eventType, traceID, requestID string, payload map[string]interface{}) *models.AuditEvent {
	event := models.NewAuditEvent(eventType, traceID, requestID, Classify(eventType, payload))
	if uid, ok := payload["user_id"].(string); ok {
		event.WithUser(uid)
	}
	if payload != nil {
		event.WithPayload(payload)
	}
	return event
}

var classifications = map[string]models.AuditClassification{
	"policy_evaluation_failed":    models.ClassificationModuleError,
	"router_error":                models.ClassificationRoutingError,
	"request_blocked":             models.ClassificationPolicyViolation,
	"request_escalated":           models.ClassificationPolicyViolation,
	"response_blocked":            models.ClassificationPolicyViolation,
	"response_escalated":          models.ClassificationPolicyViolation,
	"hitl_bypass_check_failed":    models.ClassificationReview,
	"policy_config_warning":       models.ClassificationConfiguration,
	"policy_config_reloaded":      models.ClassificationConfiguration,
	"policy_config_reload_failed": models.ClassificationConfiguration,
}

// Classify derives the classification of an event from its type and, for
// per-policy results, the reported outcome
func Classify(eventType string, payload map[string]interface{}) models.AuditClassification {
	if c, ok := classifications[eventType]; ok {
		return c
	}
	if strings.HasPrefix(eventType, "review_") || strings.HasPrefix(eventType, "hitl_") {
		return models.ClassificationReview
	}
	if eventType == "policy_evaluated" {
		switch payload["outcome"] {
		case "BLOCK", "ESCALATE":
			return models.ClassificationPolicyViolation
		}
	}
	return models.ClassificationInfo
}

// LogRecorder writes audit events to a logger instead of a store
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder for offline use
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record logs the event at debug level
func (r *LogRecorder) Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{}) {
	r.logger.Debug("audit event",
		zap.String("event_type", eventType),
		zap.String("classification", string(Classify(eventType, payload))),
		zap.String("trace_id", traceID),
		zap.String("request_id", requestID),
		zap.Any("payload", payload))
}
