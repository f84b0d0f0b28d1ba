package providers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Metrics observes provider calls
type Metrics interface {
	RecordProviderCall(provider string, outcome string, duration time.Duration)
}

// RouterConfig tunes the router
type RouterConfig struct {
	DefaultModel string
	Timeout      time.Duration // per provider attempt; zero leaves ctx as is
}

// Router sends a request to the first provider that can serve it, falling
// back to the next one on timeouts and availability failures. A rejection
// ends routing.
type Router struct {
	registry *Registry
	config   RouterConfig
	metrics  Metrics
	logger   *zap.Logger
}

// NewRouter creates a router over registry
func NewRouter(registry *Registry, config RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, config: config, logger: logger}
}

// SetMetrics attaches a metrics sink
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// Route performs the completion. Every failure is a *RoutingError.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = r.config.DefaultModel
	}

	candidates := r.registry.Candidates(req.Model)
	if len(candidates) == 0 {
		return nil, &RoutingError{Kind: FailureUnavailable, Model: req.Model, Err: ErrNoProvider}
	}

	var (
		attempts []string
		lastErr  error
		lastKind FailureKind
	)
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempts = append(attempts, p.Name())
		resp, err := r.call(ctx, p, req)
		if err == nil {
			return resp, nil
		}

		// The caller gave up; that is not a provider failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr, lastKind = err, ClassifyError(err)
		r.logger.Warn("provider call failed",
			zap.String("provider", p.Name()),
			zap.String("model", req.Model),
			zap.String("trace_id", req.Metadata["trace_id"]),
			zap.String("kind", string(lastKind)),
			zap.Error(err))

		if !lastKind.retryable() {
			break
		}
	}

	return nil, &RoutingError{
		Kind:     lastKind,
		Model:    req.Model,
		Provider: attempts[len(attempts)-1],
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (r *Router) call(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.ChatCompletion(ctx, req)
	duration := time.Since(start)

	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(ClassifyError(err))
		}
		r.metrics.RecordProviderCall(p.Name(), outcome, duration)
	}
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	if resp.Latency == 0 {
		resp.Latency = duration
	}
	return resp, nil
}
