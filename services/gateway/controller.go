// Package gateway runs a request through the input checkpoint, the provider
// and the output checkpoint, and reduces the outcome to a Disposition.
package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/services"
	"github.com/upb/llm-governance-gateway/services/audit"
	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/services/providers"
)

const tracerName = "governance.gateway"

// Audit event types emitted by the controller
const (
	EventRequestReceived   = "request_received"
	EventInputEvaluation   = "input_policy_evaluation"
	EventRequestBypassed   = "request_bypassed"
	EventRequestBlocked    = "request_blocked"
	EventRequestEscalated  = "request_escalated"
	EventRouterError       = "router_error"
	EventResponseReceived  = "llm_response_received"
	EventOutputEvaluation  = "output_policy_evaluation"
	EventResponseBlocked   = "response_blocked"
	EventResponseEscalated = "response_escalated"
	EventRequestCompleted  = "request_completed"
)

// Request metadata keys set by the controller
const (
	metadataInputRedacted = "input_redacted"
	metadataTraceID       = "trace_id"
	metadataRequestID     = "request_id"
)

// Evaluator runs the policy set for one checkpoint
type Evaluator interface {
	Evaluate(ctx context.Context, pctx policy.Context) (*policy.AggregatedResult, error)
}

// Coordinator files reviews for escalations and answers bypass lookups
type Coordinator interface {
	CheckBypass(ctx context.Context, pctx policy.Context) (bool, *models.Review)
	OnEscalate(ctx context.Context, pctx policy.Context, result *policy.AggregatedResult) (*models.Review, error)
}

// Router performs the provider call. Failures are *providers.RoutingError.
type Router interface {
	Route(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// Metrics observes finished requests
type Metrics interface {
	RecordDisposition(kind string, checkpoint string, duration time.Duration)
}

// Request is one caller request
type Request struct {
	Prompt      string
	UserID      string
	UserRole    string
	UserEmail   string
	Model       string
	Temperature float64
	MaxTokens   int
	Metadata    map[string]string
	TraceID     string
	RequestID   string
}

// Option customises a Controller
type Option func(*Controller)

// WithMetrics attaches a metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// Controller is the checkpoint controller
type Controller struct {
	engine      Evaluator
	coordinator Coordinator
	router      Router
	recorder    audit.Recorder
	metrics     Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewController creates a controller. coordinator may be nil, in which case
// no bypass is ever found and escalations fail.
func NewController(engine Evaluator, coordinator Coordinator, router Router, recorder audit.Recorder, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.NewLogRecorder(logger)
	}
	c := &Controller{
		engine:      engine,
		coordinator: coordinator,
		router:      router,
		recorder:    recorder,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process runs req through both checkpoints. Policy decisions and provider
// failures are reported in the Disposition; an error means the request could
// not be decided at all (invalid input, cancellation, review store failure).
func (c *Controller) Process(ctx context.Context, req Request) (*Disposition, error) {
	start := time.Now()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, services.ErrEmptyPrompt
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := c.startSpan(ctx, "gateway.process",
		attribute.String("governance.trace_id", req.TraceID),
		attribute.String("governance.request_id", req.RequestID),
		attribute.String("governance.model", req.Model))
	defer span.End()

	disp, err := c.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("request not decided",
			zap.String("trace_id", req.TraceID),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("governance.disposition", string(disp.Kind)),
		attribute.String("governance.checkpoint", string(disp.Checkpoint)))

	duration := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordDisposition(string(disp.Kind), string(disp.Checkpoint), duration)
	}

	c.logger.Info("request processed",
		zap.String("trace_id", disp.TraceID),
		zap.String("request_id", disp.RequestID),
		zap.String("disposition", string(disp.Kind)),
		zap.String("checkpoint", string(disp.Checkpoint)),
		zap.String("policy", disp.PolicyName),
		zap.String("provider", disp.Provider),
		zap.Duration("duration", duration))

	return disp, nil
}

func (c *Controller) process(ctx context.Context, req Request) (*Disposition, error) {
	c.record(ctx, req, EventRequestReceived, map[string]interface{}{
		"prompt_length": utf8.RuneCountInString(req.Prompt),
		"model":         req.Model,
	})

	disp := &Disposition{TraceID: req.TraceID, RequestID: req.RequestID}

	inputCtx := policy.NewContext(policy.ContextParams{
		Prompt:     req.Prompt,
		UserID:     req.UserID,
		UserRole:   req.UserRole,
		UserEmail:  req.UserEmail,
		Checkpoint: policy.CheckpointInput,
		TraceID:    req.TraceID,
		RequestID:  req.RequestID,
		Metadata:   req.Metadata,
	})

	input, err := c.evaluateInput(ctx, req, inputCtx)
	if err != nil {
		return nil, err
	}
	disp.Input = input
	disp.Bypassed = input.Bypassed

	switch input.Outcome {
	case policy.OutcomeBlock:
		return c.reject(ctx, req, disp, policy.CheckpointInput, input), nil
	case policy.OutcomeEscalate:
		return c.escalate(ctx, req, disp, inputCtx, input)
	}

	sent := req.Prompt
	if input.Outcome == policy.OutcomeRedact && input.ModifiedContent != "" {
		sent = input.ModifiedContent
		disp.InputRedacted = true
	}

	resp, err := c.route(ctx, req, sent, disp.InputRedacted)
	if err != nil {
		return c.routingFailure(ctx, req, disp, err)
	}
	disp.Model = resp.Model
	disp.Provider = resp.Provider
	usage := resp.Usage
	disp.Usage = &usage

	c.record(ctx, req, EventResponseReceived, map[string]interface{}{
		"model":          resp.Model,
		"provider":       resp.Provider,
		"content_length": utf8.RuneCountInString(resp.Content),
		"total_tokens":   resp.Usage.TotalTokens,
		"latency_ms":     resp.Latency.Milliseconds(),
	})

	// The output context sees the prompt that was actually sent
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[metadataInputRedacted] = strconv.FormatBool(disp.InputRedacted)

	outputCtx := policy.NewContext(policy.ContextParams{
		Prompt:        sent,
		Response:      resp.Content,
		UserID:        req.UserID,
		UserRole:      req.UserRole,
		UserEmail:     req.UserEmail,
		Checkpoint:    policy.CheckpointOutput,
		TraceID:       req.TraceID,
		RequestID:     req.RequestID,
		Metadata:      metadata,
		PriorOutcomes: []policy.Outcome{input.Outcome},
	})

	output, err := c.evaluate(ctx, req, outputCtx, EventOutputEvaluation)
	if err != nil {
		return nil, err
	}
	disp.Output = output

	switch output.Outcome {
	case policy.OutcomeBlock:
		return c.reject(ctx, req, disp, policy.CheckpointOutput, output), nil
	case policy.OutcomeEscalate:
		return c.escalate(ctx, req, disp, outputCtx, output)
	}

	disp.Kind = DispositionSuccess
	disp.Checkpoint = policy.CheckpointOutput
	disp.Content = resp.Content
	if output.Outcome == policy.OutcomeRedact && output.ModifiedContent != "" {
		disp.Content = output.ModifiedContent
		disp.Redacted = true
	}

	c.record(ctx, req, EventRequestCompleted, map[string]interface{}{
		"final_outcome":     output.Outcome.String(),
		"input_redacted":    disp.InputRedacted,
		"response_redacted": disp.Redacted,
		"bypassed":          disp.Bypassed,
		"provider":          disp.Provider,
		"model":             disp.Model,
	})
	return disp, nil
}

// evaluateInput consults the bypass check before running the input policies
func (c *Controller) evaluateInput(ctx context.Context, req Request, pctx policy.Context) (*policy.AggregatedResult, error) {
	if c.coordinator != nil {
		if hit, review := c.coordinator.CheckBypass(ctx, pctx); hit {
			payload := map[string]interface{}{"checkpoint": string(pctx.Checkpoint)}
			if review != nil {
				payload["review_id"] = review.ID.String()
				if review.ReviewedBy != nil {
					payload["approved_by"] = *review.ReviewedBy
				}
			}
			c.record(ctx, req, EventRequestBypassed, payload)
			return &policy.AggregatedResult{
				Outcome:           policy.OutcomeAllow,
				EvaluatedPolicies: []string{},
				Bypassed:          true,
			}, nil
		}
	}
	return c.evaluate(ctx, req, pctx, EventInputEvaluation)
}

func (c *Controller) evaluate(ctx context.Context, req Request, pctx policy.Context, event string) (*policy.AggregatedResult, error) {
	ctx, span := c.startSpan(ctx, "checkpoint."+string(pctx.Checkpoint),
		attribute.String("governance.trace_id", pctx.TraceID))
	defer span.End()

	result, err := c.engine.Evaluate(ctx, pctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("governance.outcome", result.Outcome.String()),
		attribute.String("governance.policy", result.PolicyName),
		attribute.Int("governance.failed_policies", len(result.FailedPolicies())))

	c.record(ctx, req, event, map[string]interface{}{
		"outcome":            result.Outcome.String(),
		"policy_name":        result.PolicyName,
		"reason":             result.Reason,
		"evaluated_policies": result.EvaluatedPolicies,
		"failed_policies":    result.FailedPolicies(),
		"evaluation_time_ms": result.EvaluationTimeMs(),
	})
	return result, nil
}

func (c *Controller) route(ctx context.Context, req Request, prompt string, inputRedacted bool) (*providers.ChatResponse, error) {
	ctx, span := c.startSpan(ctx, "provider.route",
		attribute.String("governance.trace_id", req.TraceID),
		attribute.String("governance.model", req.Model))
	defer span.End()

	metadata := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[metadataTraceID] = req.TraceID
	metadata[metadataRequestID] = req.RequestID
	metadata[metadataInputRedacted] = strconv.FormatBool(inputRedacted)

	resp, err := c.router.Route(ctx, &providers.ChatRequest{
		Model:       req.Model,
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.UserID,
		Metadata:    metadata,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("governance.provider", resp.Provider))
	return resp, nil
}

func (c *Controller) routingFailure(ctx context.Context, req Request, disp *Disposition, err error) (*Disposition, error) {
	// A cancelled caller is not a provider failure
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	re, ok := providers.AsRoutingError(err)
	if !ok {
		re = &providers.RoutingError{Kind: providers.FailureUnavailable, Model: req.Model, Err: err}
	}

	c.record(ctx, req, EventRouterError, map[string]interface{}{
		"error":        re.Error(),
		"failure_kind": string(re.Kind),
		"model":        re.Model,
		"provider":     re.Provider,
		"attempts":     re.Attempts,
	})

	disp.Kind = DispositionRoutingFailure
	disp.FailureKind = re.Kind
	disp.Reason = re.Error()
	disp.Model = re.Model
	disp.Provider = re.Provider
	return disp, nil
}

func (c *Controller) reject(ctx context.Context, req Request, disp *Disposition, checkpoint policy.Checkpoint, result *policy.AggregatedResult) *Disposition {
	event := EventRequestBlocked
	if checkpoint == policy.CheckpointOutput {
		event = EventResponseBlocked
	}
	c.record(ctx, req, event, map[string]interface{}{
		"checkpoint":  string(checkpoint),
		"reason":      result.Reason,
		"policy_name": result.PolicyName,
		"outcome":     result.Outcome.String(),
	})

	disp.Kind = DispositionRejected
	disp.Checkpoint = checkpoint
	disp.Reason = result.Reason
	disp.PolicyName = result.PolicyName
	return disp
}

// escalate files the review. It is the last step of the checkpoint so a
// cancelled request never leaves a review behind.
func (c *Controller) escalate(ctx context.Context, req Request, disp *Disposition, pctx policy.Context, result *policy.AggregatedResult) (*Disposition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.coordinator == nil {
		return nil, services.NewDomainError(services.ErrorTypeConfiguration, "no review coordinator configured", nil)
	}

	review, err := c.coordinator.OnEscalate(ctx, pctx, result)
	if err != nil {
		return nil, services.WrapInternal("failed to file review", err)
	}

	event := EventRequestEscalated
	if pctx.Checkpoint == policy.CheckpointOutput {
		event = EventResponseEscalated
	}
	c.record(ctx, req, event, map[string]interface{}{
		"checkpoint":  string(pctx.Checkpoint),
		"review_id":   review.ID.String(),
		"reason":      result.Reason,
		"policy_name": result.PolicyName,
		"outcome":     result.Outcome.String(),
	})

	disp.Kind = DispositionPendingReview
	disp.Checkpoint = pctx.Checkpoint
	disp.Reason = result.Reason
	disp.PolicyName = result.PolicyName
	disp.ReviewID = review.ID.String()
	return disp, nil
}

func (c *Controller) record(ctx context.Context, req Request, eventType string, payload map[string]interface{}) {
	if req.UserID != "" {
		payload["user_id"] = req.UserID
	}
	c.recorder.Record(ctx, eventType, req.TraceID, req.RequestID, payload)
}

func (c *Controller) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
