package gateway

import (
	"encoding/json"

	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/services/providers"
)

// DispositionKind is the caller-facing fate of a request
type DispositionKind string

const (
	DispositionSuccess        DispositionKind = "success"
	DispositionRejected       DispositionKind = "rejected"
	DispositionPendingReview  DispositionKind = "pending_review"
	DispositionRoutingFailure DispositionKind = "routing_failure"
)

// Disposition is the result of processing one request through both
// checkpoints. Exactly one of the four kinds applies.
type Disposition struct {
	Kind      DispositionKind `json:"disposition"`
	TraceID   string          `json:"trace_id"`
	RequestID string          `json:"request_id"`

	// Checkpoint is where the request ended: the checkpoint that blocked or
	// escalated it, or output on success. Empty on routing failure.
	Checkpoint policy.Checkpoint `json:"checkpoint,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	PolicyName string            `json:"policy_name,omitempty"`
	ReviewID   string            `json:"review_id,omitempty"`

	Content       string           `json:"content,omitempty"`
	Redacted      bool             `json:"redacted"`
	InputRedacted bool             `json:"input_redacted"`
	Bypassed      bool             `json:"bypassed,omitempty"`
	Model         string           `json:"model,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	Usage         *providers.Usage `json:"usage,omitempty"`

	FailureKind providers.FailureKind `json:"failure_kind,omitempty"`

	// Full checkpoint results, including per-module rewritten text. They
	// stay in process; callers see EvaluationSummary instead.
	Input  *policy.AggregatedResult `json:"-"`
	Output *policy.AggregatedResult `json:"-"`
}

// EvaluationSummary is the caller-visible view of one checkpoint. It never
// carries content, so a blocked or held response cannot leak through it.
type EvaluationSummary struct {
	Outcome           policy.Outcome `json:"outcome"`
	PolicyName        string         `json:"policy_name,omitempty"`
	EvaluatedPolicies []string       `json:"evaluated_policies"`
	FailedPolicies    []string       `json:"failed_policies,omitempty"`
	DurationMs        float64        `json:"duration_ms"`
}

// Summarize reduces an aggregated result to its EvaluationSummary; nil stays nil
func Summarize(res *policy.AggregatedResult) *EvaluationSummary {
	if res == nil {
		return nil
	}
	return &EvaluationSummary{
		Outcome:           res.Outcome,
		PolicyName:        res.PolicyName,
		EvaluatedPolicies: res.EvaluatedPolicies,
		FailedPolicies:    res.FailedPolicies(),
		DurationMs:        res.EvaluationTimeMs(),
	}
}

// MarshalJSON replaces the checkpoint results with their summaries
func (d Disposition) MarshalJSON() ([]byte, error) {
	type plain Disposition
	return json.Marshal(struct {
		plain
		Input  *EvaluationSummary `json:"input_evaluation,omitempty"`
		Output *EvaluationSummary `json:"output_evaluation,omitempty"`
	}{
		plain:  plain(d),
		Input:  Summarize(d.Input),
		Output: Summarize(d.Output),
	})
}

// IsSuccess reports whether the caller receives content
func (d *Disposition) IsSuccess() bool {
	return d.Kind == DispositionSuccess
}
