package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditClassification groups audit events for querying and alerting
type AuditClassification string

const (
	ClassificationInfo            AuditClassification = "info"
	ClassificationPolicyViolation AuditClassification = "policy_violation"
	ClassificationModuleError     AuditClassification = "module_error"
	ClassificationRoutingError    AuditClassification = "routing_error"
	ClassificationConfiguration   AuditClassification = "configuration"
	ClassificationReview          AuditClassification = "review"
)

// AuditEvent is one append-only entry of a request's decision trail
type AuditEvent struct {
	ID             uuid.UUID           `json:"id" db:"id"`
	TraceID        string              `json:"trace_id" db:"trace_id"`
	RequestID      string              `json:"request_id,omitempty" db:"request_id"`
	EventType      string              `json:"event_type" db:"event_type"`
	Classification AuditClassification `json:"classification" db:"classification"`
	UserID         *string             `json:"user_id,omitempty" db:"user_id"`
	Payload        json.RawMessage     `json:"payload" db:"payload"` // JSONB
	Timestamp      time.Time           `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates an event stamped with a fresh ID and the current time
func NewAuditEvent(eventType, traceID, requestID string, classification AuditClassification) *AuditEvent {
	return &AuditEvent{
		ID:             uuid.New(),
		TraceID:        traceID,
		RequestID:      requestID,
		EventType:      eventType,
		Classification: classification,
		Payload:        json.RawMessage(`{}`),
		Timestamp:      time.Now().UTC(),
	}
}

// WithUser sets the acting user
func (e *AuditEvent) WithUser(userID string) *AuditEvent {
	if userID != "" {
		e.UserID = &userID
	}
	return e
}

// WithPayload marshals payload into the event; unmarshalable payloads are
// recorded as an error marker instead of being dropped
func (e *AuditEvent) WithPayload(payload interface{}) *AuditEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"payload_error": err.Error()})
	}
	e.Payload = data
	return e
}

// AuditQuery filters audit events. At least one of TraceID or RequestID
// should be set.
type AuditQuery struct {
	TraceID        string
	RequestID      string
	EventType      string
	Classification AuditClassification
	Limit          int
	Offset         int
}
