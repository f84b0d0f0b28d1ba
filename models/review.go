package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReviewStatus is the lifecycle state of a human review
type ReviewStatus string

const (
	ReviewStatusPending    ReviewStatus = "pending"
	ReviewStatusAssigned   ReviewStatus = "assigned"
	ReviewStatusProcessing ReviewStatus = "processing"
	ReviewStatusApproved   ReviewStatus = "approved"
	ReviewStatusRejected   ReviewStatus = "rejected"
	ReviewStatusExpired    ReviewStatus = "expired"
)

var reviewTransitions = map[ReviewStatus][]ReviewStatus{
	ReviewStatusPending:    {ReviewStatusAssigned, ReviewStatusApproved, ReviewStatusRejected, ReviewStatusExpired},
	ReviewStatusAssigned:   {ReviewStatusProcessing, ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected, ReviewStatusExpired},
	ReviewStatusProcessing: {ReviewStatusApproved, ReviewStatusRejected},
}

// IsValid reports whether s is a known status
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusAssigned, ReviewStatusProcessing,
		ReviewStatusApproved, ReviewStatusRejected, ReviewStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewStatusApproved || s == ReviewStatusRejected || s == ReviewStatusExpired
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s ReviewStatus) CanTransitionTo(next ReviewStatus) bool {
	for _, allowed := range reviewTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Review is a record awaiting, or holding, a human decision about one
// escalated checkpoint. Reviews are never deleted.
type Review struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	RequestID   string          `json:"request_id" db:"request_id"`
	TraceID     string          `json:"trace_id" db:"trace_id"`
	Checkpoint  string          `json:"checkpoint" db:"checkpoint"`
	Reason      string          `json:"reason" db:"reason"`
	ContextData json.RawMessage `json:"context_data" db:"context_data"` // JSONB snapshot of the evaluated context
	Prompt      string          `json:"prompt" db:"prompt"`
	Response    *string         `json:"response,omitempty" db:"response"`
	UserID      string          `json:"user_id" db:"user_id"`
	Status      ReviewStatus    `json:"status" db:"status"`
	Priority    int             `json:"priority" db:"priority"`
	AssignedTo  *string         `json:"assigned_to,omitempty" db:"assigned_to"`
	LockedUntil *time.Time      `json:"locked_until,omitempty" db:"locked_until"`
	ReviewedBy  *string         `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes *string         `json:"review_notes,omitempty" db:"review_notes"`
	DecisionAt  *time.Time      `json:"decision_timestamp,omitempty" db:"decision_timestamp"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	AssignedAt  *time.Time      `json:"assigned_at,omitempty" db:"assigned_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"` // JSONB
}

// TableName returns the table name for the Review model
func (Review) TableName() string {
	return "hitl_reviews"
}

// NewReview creates a pending review
func NewReview(requestID, traceID, checkpoint, reason, prompt, userID string) *Review {
	return &Review{
		ID:          uuid.New(),
		RequestID:   requestID,
		TraceID:     traceID,
		Checkpoint:  checkpoint,
		Reason:      reason,
		Prompt:      prompt,
		UserID:      userID,
		Status:      ReviewStatusPending,
		ContextData: json.RawMessage(`{}`),
		Metadata:    json.RawMessage(`{}`),
		CreatedAt:   time.Now().UTC(),
	}
}

// IsExpired reports whether the review has passed its expiry at now
func (r *Review) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ReviewFilter narrows a review listing
type ReviewFilter struct {
	Status        ReviewStatus `json:"status,omitempty"`
	RequestID     string       `json:"request_id,omitempty"`
	TraceID       string       `json:"trace_id,omitempty"`
	Checkpoint    string       `json:"checkpoint,omitempty"`
	AssignedTo    string       `json:"assigned_to,omitempty"`
	CreatedAfter  *time.Time   `json:"created_after,omitempty"`
	CreatedBefore *time.Time   `json:"created_before,omitempty"`
	Limit         int          `json:"limit"`
	Offset        int          `json:"offset"`
}

const (
	DefaultReviewListLimit = 50
	MaxReviewListLimit     = 500
)

// Normalize clamps paging to the supported range
func (f ReviewFilter) Normalize() ReviewFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultReviewListLimit
	}
	if f.Limit > MaxReviewListLimit {
		f.Limit = MaxReviewListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
