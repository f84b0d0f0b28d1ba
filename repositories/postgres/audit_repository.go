package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/repositories"
	"go.uber.org/zap"
)

const defaultAuditQueryLimit = 1000

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, trace_id, request_id, event_type, classification, user_id, payload, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	executor := GetExecutor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.TraceID,
		event.RequestID,
		event.EventType,
		event.Classification,
		event.UserID,
		[]byte(payload),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.String("trace_id", event.TraceID))
	return nil
}

// Query returns events matching q, oldest first
func (r *AuditRepository) Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.TraceID != "" {
		add("trace_id = $%d", q.TraceID)
	}
	if q.RequestID != "" {
		add("request_id = $%d", q.RequestID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Classification != "" {
		add("classification = $%d", q.Classification)
	}

	limit := q.Limit
	if limit <= 0 || limit > defaultAuditQueryLimit {
		limit = defaultAuditQueryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, trace_id, COALESCE(request_id, ''), event_type, classification,
		       user_id, payload, timestamp
		FROM audit_events`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf("\n\t\tORDER BY timestamp ASC, id ASC\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))

	executor := GetExecutor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		event := &models.AuditEvent{}
		var payload []byte
		if err := rows.Scan(
			&event.ID,
			&event.TraceID,
			&event.RequestID,
			&event.EventType,
			&event.Classification,
			&event.UserID,
			&payload,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Payload = payload
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return events, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return &AuditRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}
