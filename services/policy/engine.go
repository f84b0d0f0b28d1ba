package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Audit event types emitted by the engine
const (
	EventEvaluationStart    = "policy_evaluation_start"
	EventPolicyEvaluated    = "policy_evaluated"
	EventPolicyFailed       = "policy_evaluation_failed"
	EventEvaluationComplete = "policy_evaluation_complete"
)

// Recorder receives audit events. Implementations must not block.
type Recorder interface {
	Record(ctx context.Context, eventType, traceID, requestID string, payload map[string]interface{})
}

// Metrics receives per-module and per-evaluation measurements
type Metrics interface {
	RecordModule(policyName string, outcome Outcome, duration time.Duration, failed bool)
	RecordEvaluation(checkpoint Checkpoint, outcome Outcome, duration time.Duration)
}

// EngineOption customises an Engine
type EngineOption func(*Engine)

// WithMetrics attaches a metrics sink
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithModuleTimeout bounds each module call; zero disables the bound
func WithModuleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.moduleTimeout = d
	}
}

// Engine runs the active modules of a registry against one context and
// reduces their results to a single AggregatedResult.
type Engine struct {
	registry      atomic.Pointer[Registry]
	recorder      Recorder
	metrics       Metrics
	logger        *zap.Logger
	moduleTimeout time.Duration
}

// NewEngine creates an engine bound to registry
func NewEngine(registry *Registry, recorder Recorder, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		recorder: recorder,
		logger:   logger,
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	e.registry.Store(registry)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry currently in use
func (e *Engine) Registry() *Registry {
	return e.registry.Load()
}

// SetRegistry swaps the registry used by subsequent evaluations.
// Evaluations already running keep the registry they started with.
func (e *Engine) SetRegistry(registry *Registry) {
	if registry == nil {
		return
	}
	e.registry.Store(registry)
	e.logger.Info("policy registry replaced", zap.Strings("policies", registry.Names()))
}

// Evaluate runs every active module concurrently against pctx, waits for all
// of them and reduces the results. It only fails when ctx is cancelled.
func (e *Engine) Evaluate(ctx context.Context, pctx Context) (*AggregatedResult, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	active := e.registry.Load().ActivePolicies()
	names := make([]string, len(active))
	for i, nm := range active {
		names[i] = nm.Name
	}

	e.record(ctx, pctx, EventEvaluationStart, map[string]interface{}{
		"checkpoint": string(pctx.Checkpoint),
		"policies":   names,
	})

	modules := make([]ModuleResult, len(active))
	var wg sync.WaitGroup
	for i, nm := range active {
		wg.Add(1)
		go func(i int, nm NamedModule) {
			defer wg.Done()
			modules[i] = e.runModule(ctx, nm, pctx)
		}(i, nm)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.Debug("policy evaluation abandoned",
			zap.String("trace_id", pctx.TraceID),
			zap.Error(err))
		return nil, err
	}

	for _, m := range modules {
		e.reportModule(ctx, pctx, m)
	}

	agg := Reduce(modules)
	if agg.Outcome == OutcomeRedact {
		e.chainRedactions(ctx, pctx, active, agg)
	}
	agg.EvaluatedPolicies = names
	agg.Duration = time.Since(start)

	if e.metrics != nil {
		e.metrics.RecordEvaluation(pctx.Checkpoint, agg.Outcome, agg.Duration)
	}

	e.record(ctx, pctx, EventEvaluationComplete, map[string]interface{}{
		"checkpoint":         string(pctx.Checkpoint),
		"final_outcome":      agg.Outcome.String(),
		"policy_name":        agg.PolicyName,
		"reason":             agg.Reason,
		"evaluated_policies": names,
		"failed_policies":    agg.FailedPolicies(),
		"evaluation_time_ms": agg.EvaluationTimeMs(),
	})

	e.logger.Debug("policy evaluation complete",
		zap.String("trace_id", pctx.TraceID),
		zap.String("checkpoint", string(pctx.Checkpoint)),
		zap.String("outcome", agg.Outcome.String()),
		zap.String("policy", agg.PolicyName),
		zap.Duration("duration", agg.Duration))

	return agg, nil
}

// Reduce folds module results into an aggregated result. Failed modules count
// as ALLOW. The winning outcome is the most restrictive one; its reason comes
// from the first module, in slice order, that reported it.
func Reduce(modules []ModuleResult) *AggregatedResult {
	agg := &AggregatedResult{
		Outcome: OutcomeAllow,
		Modules: modules,
	}

	winner := -1
	for i, m := range modules {
		if m.Failed() {
			continue
		}
		if winner == -1 || m.Result.Outcome.Restrictiveness() > agg.Outcome.Restrictiveness() {
			if m.Result.Outcome != OutcomeAllow {
				winner = i
				agg.Outcome = m.Result.Outcome
			}
		}
	}

	if winner == -1 {
		return agg
	}

	w := modules[winner].Result
	agg.Reason = w.Reason
	agg.PolicyName = w.PolicyName
	if agg.Outcome == OutcomeRedact {
		agg.ModifiedContent = w.ModifiedContent
		agg.RedactionTokens = mergeTokens(nil, w.RedactionTokens)
	}
	return agg
}

// chainRedactions applies every REDACT module's transform in registration
// order over the evolving content. The first REDACT module already saw the
// original content; later ones are re-run on the output of their predecessor.
func (e *Engine) chainRedactions(ctx context.Context, pctx Context, active []NamedModule, agg *AggregatedResult) {
	content := pctx.Content()
	var tokens map[string]string
	first := true

	for i, m := range agg.Modules {
		if m.Failed() || m.Result.Outcome != OutcomeRedact {
			continue
		}
		if first {
			content = m.Result.ModifiedContent
			tokens = mergeTokens(tokens, m.Result.RedactionTokens)
			first = false
			continue
		}

		res, err := e.invoke(ctx, active[i], pctx.WithContent(content))
		if err != nil {
			e.logger.Error("redaction transform failed",
				zap.String("trace_id", pctx.TraceID),
				zap.String("policy", active[i].Name),
				zap.Error(err))
			e.record(ctx, pctx, EventPolicyFailed, map[string]interface{}{
				"checkpoint": string(pctx.Checkpoint),
				"policy":     active[i].Name,
				"stage":      "redaction_chain",
				"error":      err.Error(),
			})
			continue
		}
		if res.Outcome == OutcomeRedact {
			content = res.ModifiedContent
			tokens = mergeTokens(tokens, res.RedactionTokens)
		}
	}

	agg.ModifiedContent = content
	agg.RedactionTokens = tokens
}

func (e *Engine) runModule(ctx context.Context, nm NamedModule, pctx Context) ModuleResult {
	start := time.Now()
	res, err := e.invoke(ctx, nm, pctx)
	mr := ModuleResult{
		Policy:   nm.Name,
		Duration: time.Since(start),
	}
	if err != nil {
		mr.Err = err.Error()
		mr.Result = Allow(nm.Name)
		return mr
	}
	mr.Result = res
	return mr
}

// invoke calls the module, turning panics, invalid outcomes and timeouts
// into errors.
func (e *Engine) invoke(ctx context.Context, nm NamedModule, pctx Context) (res Result, err error) {
	if e.moduleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.moduleTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("policy %s panicked: %v", nm.Name, p)
		}
	}()

	res, err = nm.Module.Evaluate(ctx, pctx)
	if err != nil {
		return Result{}, err
	}
	if !res.Outcome.IsValid() {
		return Result{}, fmt.Errorf("policy %s returned invalid outcome %d", nm.Name, int(res.Outcome))
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("policy %s exceeded %s", nm.Name, e.moduleTimeout)
	}
	if res.PolicyName == "" {
		res.PolicyName = nm.Name
	}
	return res, nil
}

func (e *Engine) reportModule(ctx context.Context, pctx Context, m ModuleResult) {
	if e.metrics != nil {
		e.metrics.RecordModule(m.Policy, m.Result.Outcome, m.Duration, m.Failed())
	}

	if m.Failed() {
		e.logger.Error("policy evaluation failed, treating as ALLOW",
			zap.String("trace_id", pctx.TraceID),
			zap.String("request_id", pctx.RequestID),
			zap.String("checkpoint", string(pctx.Checkpoint)),
			zap.String("policy", m.Policy),
			zap.String("error", m.Err))
		e.record(ctx, pctx, EventPolicyFailed, map[string]interface{}{
			"checkpoint":       string(pctx.Checkpoint),
			"policy":           m.Policy,
			"error":            m.Err,
			"degraded_outcome": OutcomeAllow.String(),
		})
		return
	}

	e.record(ctx, pctx, EventPolicyEvaluated, map[string]interface{}{
		"checkpoint":       string(pctx.Checkpoint),
		"policy":           m.Policy,
		"outcome":          m.Result.Outcome.String(),
		"reason":           m.Result.Reason,
		"confidence_score": m.Result.Confidence,
		"redactions":       len(m.Result.RedactionTokens),
		"duration_ms":      float64(m.Duration.Microseconds()) / 1000.0,
	})
}

func (e *Engine) record(ctx context.Context, pctx Context, eventType string, payload map[string]interface{}) {
	if e.recorder == nil {
		return
	}
	if pctx.UserID != "" {
		payload["user_id"] = pctx.UserID
	}
	e.recorder.Record(ctx, eventType, pctx.TraceID, pctx.RequestID, payload)
}

func mergeTokens(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
