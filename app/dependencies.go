package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-governance-gateway/auth"
	"github.com/upb/llm-governance-gateway/config"
	"github.com/upb/llm-governance-gateway/internal/observability"
	"github.com/upb/llm-governance-gateway/internal/policies"
	"github.com/upb/llm-governance-gateway/middleware"
	"github.com/upb/llm-governance-gateway/repositories"
	"github.com/upb/llm-governance-gateway/repositories/postgres"
	"github.com/upb/llm-governance-gateway/services/audit"
	"github.com/upb/llm-governance-gateway/services/gateway"
	"github.com/upb/llm-governance-gateway/services/hitl"
	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/services/providers"
	"github.com/upb/llm-governance-gateway/services/providers/anthropic"
	"github.com/upb/llm-governance-gateway/services/providers/openai"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory; nil when repositories were supplied directly
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Reviews     repositories.ReviewRepository
	AuditEvents repositories.AuditRepository
	TxManager   repositories.TransactionManager

	// Services
	Audit           *audit.AuditService
	PolicyEngine    *policy.Engine
	PolicyReloader  *policy.Reloader
	Reviewer        *hitl.Service
	ReviewScheduler *hitl.Scheduler
	Providers       *providers.Registry
	Router          *providers.Router
	Gateway         *gateway.Controller

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	stopTracing    observability.ShutdownFunc
	stopWatch      context.CancelFunc
	started        bool
	policyWarnings []string // load warnings held until audit is running
}

// NewDependencies opens the database and wires every service on top of it.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db := factory.GetDB()
	if err := db.PingContext(ctx); err != nil {
		_ = factory.Close()
		return nil, fmt.Errorf("failed to initialize database: database ping failed: %w", err)
	}
	logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	deps, err := Wire(ctx, cfg, logger, factory.NewRepositories(), factory.GetTransactionManager())
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	deps.RepoFactory = factory
	deps.DB = db
	return deps, nil
}

// Wire builds the service graph over the given repositories. It starts
// nothing; call Start for background work.
func Wire(ctx context.Context, cfg *config.Config, logger *zap.Logger, repos *repositories.Repositories, txManager repositories.TransactionManager) (*Dependencies, error) {
	d := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		Reviews:     repos.Reviews,
		AuditEvents: repos.AuditEvents,
		TxManager:   txManager,
		stopTracing: func(context.Context) error { return nil },
	}

	if cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NewMetrics(nil)
	}

	if err := d.initTracing(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	d.initAudit()

	if err := d.initPolicies(); err != nil {
		return nil, fmt.Errorf("failed to initialize policies: %w", err)
	}

	d.initReviews()

	if err := d.initProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	d.initGateway()

	if err := d.initAuth(); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return d, nil
}

func (d *Dependencies) initTracing(ctx context.Context) error {
	obs := d.Config.Observability
	if !obs.TracingEnabled {
		return nil
	}
	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: obs.ServiceName,
		Endpoint:    obs.TracingEndpoint,
		Environment: d.Config.Environment,
		Insecure:    obs.TracingInsecure,
		SampleRate:  obs.TracingSampleRate,
	})
	if err != nil {
		return err
	}
	d.stopTracing = shutdown
	d.Logger.Info("tracing enabled", zap.String("endpoint", obs.TracingEndpoint))
	return nil
}

func (d *Dependencies) initAudit() {
	d.Audit = audit.NewAuditService(d.AuditEvents, d.Logger, audit.Config{
		BufferSize:  d.Config.Audit.BufferSize,
		WorkerCount: d.Config.Audit.WorkerCount,
	})
	if d.Metrics != nil {
		d.Metrics.RegisterAudit(d.Audit)
	}
}

func (d *Dependencies) initPolicies() error {
	factories := policies.Factories()
	path := d.Config.Policies.ConfigPath

	registry, warnings, err := policy.LoadRegistry(path, factories, d.Logger)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		d.Logger.Warn("policy configuration warning", zap.String("warning", w))
	}
	d.policyWarnings = warnings

	opts := []policy.EngineOption{policy.WithModuleTimeout(d.Config.Policies.ModuleTimeout)}
	if d.Metrics != nil {
		opts = append(opts, policy.WithMetrics(d.Metrics))
	}
	d.PolicyEngine = policy.NewEngine(registry, d.Audit, d.Logger, opts...)
	d.PolicyReloader = policy.NewReloader(d.PolicyEngine, path, factories, d.Config.Policies.ReloadDebounce, d.Logger)
	d.PolicyReloader.OnReload = d.recordPolicyReload

	d.Logger.Info("policies loaded",
		zap.String("path", path),
		zap.Strings("policies", registry.Names()))
	return nil
}

func (d *Dependencies) recordPolicyWarnings(ctx context.Context, warnings []string) {
	for _, w := range warnings {
		d.Audit.Record(ctx, policy.EventConfigWarning, "", "", map[string]interface{}{
			"path":    d.Config.Policies.ConfigPath,
			"warning": w,
		})
	}
}

// recordPolicyReload audits every reload attempt of the watched policy file
func (d *Dependencies) recordPolicyReload(warnings []string, err error) {
	ctx := context.Background()
	path := d.Config.Policies.ConfigPath
	if err != nil {
		d.Audit.Record(ctx, policy.EventConfigReloadFailed, "", "", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return
	}
	d.Audit.Record(ctx, policy.EventConfigReloaded, "", "", map[string]interface{}{
		"path":     path,
		"policies": d.PolicyEngine.Registry().Names(),
		"warnings": len(warnings),
	})
	d.recordPolicyWarnings(ctx, warnings)
}

func (d *Dependencies) initReviews() {
	rc := d.Config.Review
	d.Reviewer = hitl.NewService(d.Reviews, d.TxManager, d.Audit, d.Logger, hitl.Config{
		BypassWindow:    rc.BypassWindow,
		LockDuration:    rc.LockDuration,
		MaxClaimBatch:   rc.MaxClaimBatch,
		ReviewTTL:       rc.ReviewTTL,
		DefaultPriority: rc.DefaultPriority,
	})
	if d.Metrics != nil {
		d.Reviewer.SetMetrics(d.Metrics)
	}
	d.ReviewScheduler = hitl.NewScheduler(d.Reviewer, rc.MaintenanceSchedule, d.Logger)
}

// initProviders registers providers in fallback order
func (d *Dependencies) initProviders() error {
	pc := d.Config.Providers
	registry := providers.NewRegistry()

	if pc.OpenAI.APIKey != "" {
		if err := registry.Register(openai.NewOpenAIAdapter(providerConfig(pc.OpenAI))); err != nil {
			return err
		}
		d.Logger.Info("registered OpenAI provider")
	}
	if pc.Anthropic.APIKey != "" {
		if err := registry.Register(anthropic.NewAnthropicAdapter(providerConfig(pc.Anthropic))); err != nil {
			return err
		}
		d.Logger.Info("registered Anthropic provider")
	}
	if registry.Len() == 0 {
		d.Logger.Warn("no LLM providers configured")
	}

	d.Providers = registry
	d.Router = providers.NewRouter(registry, providers.RouterConfig{
		DefaultModel: pc.DefaultModel,
		Timeout:      pc.AttemptTimeout,
	}, d.Logger)
	if d.Metrics != nil {
		d.Router.SetMetrics(d.Metrics)
	}
	return nil
}

func providerConfig(s config.ProviderSettings) providers.ProviderConfig {
	return providers.ProviderConfig{
		APIKey:  s.APIKey,
		BaseURL: s.BaseURL,
		Timeout: s.Timeout,
		Models:  s.Models,
	}
}

func (d *Dependencies) initGateway() {
	var opts []gateway.Option
	if d.Metrics != nil {
		opts = append(opts, gateway.WithMetrics(d.Metrics))
	}
	d.Gateway = gateway.NewController(d.PolicyEngine, d.Reviewer, d.Router, d.Audit, d.Logger, opts...)
}

func (d *Dependencies) initAuth() error {
	ac := d.Config.Auth
	if ac.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject every request")
		d.AuthMiddleware = middleware.NewAuthMiddleware(rejectAllValidator{}, d.Logger)
		return nil
	}
	validator, err := auth.NewHMACValidator(auth.Config{
		Secret:   ac.JWTSecret,
		Issuer:   ac.Issuer,
		Audience: ac.Audience,
	})
	if err != nil {
		return err
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

// rejectAllValidator rejects all tokens (used when auth is not configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, errors.New("authentication not configured")
}

// Start launches background work: audit writers, review maintenance and,
// when enabled, the policy file watcher. Work stops with ctx or Close.
func (d *Dependencies) Start(ctx context.Context) error {
	if d.started {
		return errors.New("dependencies already started")
	}
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	d.recordPolicyWarnings(ctx, d.policyWarnings)
	d.policyWarnings = nil
	if err := d.ReviewScheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start review scheduler: %w", err)
	}

	if d.Config.Policies.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		d.stopWatch = cancel
		go func() {
			if err := d.PolicyReloader.Watch(watchCtx); err != nil {
				d.Logger.Error("policy watcher stopped", zap.Error(err))
			}
		}()
	}

	d.started = true
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopWatch != nil {
		d.stopWatch()
	}
	if d.ReviewScheduler != nil {
		d.ReviewScheduler.Stop()
	}
	if d.started {
		if err := d.Audit.Stop(d.Config.Audit.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
		d.started = false
	}
	if err := d.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
