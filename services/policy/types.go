package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Outcome is the decision a policy module reaches for one context.
// The numeric order of the constants is the restrictiveness order and is the
// only place that order is defined.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeRedact
	OutcomeEscalate
	OutcomeBlock
)

var outcomeNames = map[Outcome]string{
	OutcomeAllow:    "ALLOW",
	OutcomeRedact:   "REDACT",
	OutcomeEscalate: "ESCALATE",
	OutcomeBlock:    "BLOCK",
}

// String returns the upper-case name of the outcome
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Restrictiveness returns the rank of the outcome; higher is more restrictive
func (o Outcome) Restrictiveness() int {
	return int(o)
}

// IsValid reports whether o is one of the four known outcomes
func (o Outcome) IsValid() bool {
	_, ok := outcomeNames[o]
	return ok
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("invalid outcome %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome parses an outcome name, case-insensitively
func ParseOutcome(s string) (Outcome, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for o, name := range outcomeNames {
		if name == upper {
			return o, nil
		}
	}
	return OutcomeAllow, fmt.Errorf("unknown policy outcome %q", s)
}

// MoreRestrictive returns the more restrictive of a and b.
// On equal rank a is returned, which keeps reductions stable.
func MoreRestrictive(a, b Outcome) Outcome {
	if b.Restrictiveness() > a.Restrictiveness() {
		return b
	}
	return a
}

// Checkpoint marks where in a request's lifecycle an evaluation happens
type Checkpoint string

const (
	CheckpointInput  Checkpoint = "input"
	CheckpointOutput Checkpoint = "output"
)

// IsValid reports whether c is input or output
func (c Checkpoint) IsValid() bool {
	return c == CheckpointInput || c == CheckpointOutput
}

// Context is the snapshot handed to every module for one evaluation.
// Build it with NewContext and pass it by value; it is never mutated.
type Context struct {
	Prompt        string            `json:"prompt"`
	Response      string            `json:"response,omitempty"`
	UserID        string            `json:"user_id"`
	UserRole      string            `json:"user_role,omitempty"`
	UserEmail     string            `json:"user_email,omitempty"`
	Checkpoint    Checkpoint        `json:"checkpoint"`
	TraceID       string            `json:"trace_id"`
	RequestID     string            `json:"request_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PriorOutcomes []Outcome         `json:"prior_outcomes,omitempty"`
}

// ContextParams carries the inputs of NewContext
type ContextParams struct {
	Prompt        string
	Response      string
	UserID        string
	UserRole      string
	UserEmail     string
	Checkpoint    Checkpoint
	TraceID       string
	RequestID     string
	Metadata      map[string]string
	PriorOutcomes []Outcome
}

// NewContext builds a Context, copying the metadata map and prior outcomes
func NewContext(p ContextParams) Context {
	var metadata map[string]string
	if len(p.Metadata) > 0 {
		metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			metadata[k] = v
		}
	}

	var prior []Outcome
	if len(p.PriorOutcomes) > 0 {
		prior = append([]Outcome(nil), p.PriorOutcomes...)
	}

	return Context{
		Prompt:        p.Prompt,
		Response:      p.Response,
		UserID:        p.UserID,
		UserRole:      p.UserRole,
		UserEmail:     p.UserEmail,
		Checkpoint:    p.Checkpoint,
		TraceID:       p.TraceID,
		RequestID:     p.RequestID,
		Metadata:      metadata,
		PriorOutcomes: prior,
	}
}

// Content returns the text under evaluation: the response at the output
// checkpoint, the prompt otherwise.
func (c Context) Content() string {
	if c.Checkpoint == CheckpointOutput {
		return c.Response
	}
	return c.Prompt
}

// WithContent returns a copy of c whose evaluated text is replaced by content
func (c Context) WithContent(content string) Context {
	derived := NewContext(ContextParams{
		Prompt:        c.Prompt,
		Response:      c.Response,
		UserID:        c.UserID,
		UserRole:      c.UserRole,
		UserEmail:     c.UserEmail,
		Checkpoint:    c.Checkpoint,
		TraceID:       c.TraceID,
		RequestID:     c.RequestID,
		Metadata:      c.Metadata,
		PriorOutcomes: c.PriorOutcomes,
	})
	if c.Checkpoint == CheckpointOutput {
		derived.Response = content
	} else {
		derived.Prompt = content
	}
	return derived
}

// MetadataValue returns a metadata entry or "" when absent
func (c Context) MetadataValue(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// Result is what a single module reports
type Result struct {
	Outcome         Outcome           `json:"outcome"`
	Reason          string            `json:"reason,omitempty"`
	ModifiedContent string            `json:"modified_content,omitempty"`
	PolicyName      string            `json:"policy_name"`
	Confidence      float64           `json:"confidence_score"`
	RedactionTokens map[string]string `json:"-"`
}

// Allow builds an ALLOW result
func Allow(name string) Result {
	return Result{Outcome: OutcomeAllow, PolicyName: name, Confidence: 1.0}
}

// Block builds a BLOCK result
func Block(name, reason string) Result {
	return Result{Outcome: OutcomeBlock, Reason: reason, PolicyName: name, Confidence: 1.0}
}

// Escalate builds an ESCALATE result
func Escalate(name, reason string) Result {
	return Result{Outcome: OutcomeEscalate, Reason: reason, PolicyName: name, Confidence: 1.0}
}

// Redact builds a REDACT result carrying the full replacement content
func Redact(name, reason, content string, tokens map[string]string) Result {
	return Result{
		Outcome:         OutcomeRedact,
		Reason:          reason,
		ModifiedContent: content,
		PolicyName:      name,
		Confidence:      1.0,
		RedactionTokens: tokens,
	}
}

// WithConfidence returns a copy of r with the confidence score set
func (r Result) WithConfidence(score float64) Result {
	r.Confidence = score
	return r
}

// Module is one pluggable detection or compliance rule.
// Evaluate must be a pure function of the context and the module's own
// configuration. "Nothing found" is ALLOW, not an error.
type Module interface {
	Name() string
	Evaluate(ctx context.Context, pctx Context) (Result, error)
}

// Configurable is implemented by modules that accept settings at registration
type Configurable interface {
	Configure(settings map[string]interface{}) error
}

// Factory creates a fresh, unconfigured module instance
type Factory func() Module

// ModuleResult is the tagged per-module entry of an aggregated result.
// A module that failed carries Err and counts as ALLOW.
type ModuleResult struct {
	Policy   string        `json:"policy"`
	Result   Result        `json:"result"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Failed reports whether the module errored or panicked
func (m ModuleResult) Failed() bool {
	return m.Err != ""
}

// AggregatedResult is the orchestrator's answer for one checkpoint
type AggregatedResult struct {
	Outcome           Outcome           `json:"outcome"`
	Reason            string            `json:"reason,omitempty"`
	PolicyName        string            `json:"policy_name,omitempty"`
	ModifiedContent   string            `json:"modified_content,omitempty"`
	RedactionTokens   map[string]string `json:"-"`
	Modules           []ModuleResult    `json:"modules,omitempty"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	Duration          time.Duration     `json:"duration_ns"`
	Bypassed          bool              `json:"bypassed,omitempty"`
}

// EvaluationTimeMs returns the evaluation duration in milliseconds
func (a *AggregatedResult) EvaluationTimeMs() float64 {
	return float64(a.Duration.Microseconds()) / 1000.0
}

// FailedPolicies lists modules that errored during the evaluation
func (a *AggregatedResult) FailedPolicies() []string {
	var failed []string
	for _, m := range a.Modules {
		if m.Failed() {
			failed = append(failed, m.Policy)
		}
	}
	return failed
}
