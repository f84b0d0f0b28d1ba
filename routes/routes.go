package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-governance-gateway/app"
	"github.com/upb/llm-governance-gateway/handlers"
	"github.com/upb/llm-governance-gateway/middleware"
	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/utils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	cfg := deps.Config

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(deps.Logger))
	r.Use(chimw.Recoverer)
	if cfg.Server.WriteTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.WriteTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	adminRole := string(models.RoleAdmin)
	reviewerRoles := []string{cfg.Auth.ReviewerRole, adminRole}
	gatewayHandler := handlers.NewGatewayHandler(deps.Gateway, deps.Logger)
	reviewHandler := handlers.NewReviewHandler(deps.Reviewer, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.AuditEvents, deps.Logger)
	policyHandler := handlers.NewPolicyHandler(deps.PolicyEngine, deps.PolicyReloader, deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", handlers.StatusHandler(deps))

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)

			r.Post("/gateway/completions", gatewayHandler.HandleCompletion)

			// Human review queue
			r.Route("/hitl/reviews", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(reviewerRoles...))
				r.Get("/", reviewHandler.HandleList)
				r.Post("/claim", reviewHandler.HandleClaim)
				r.Get("/{id}", reviewHandler.HandleGet)
				r.Post("/{id}/process", reviewHandler.HandleProcess)
				r.Post("/{id}/approve", reviewHandler.HandleApprove)
				r.Post("/{id}/reject", reviewHandler.HandleReject)
				r.Post("/{id}/decision", reviewHandler.HandleDecision)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(reviewerRoles...))
				r.Get("/traces/{traceID}", auditHandler.HandleTrace)
				r.Get("/requests/{requestID}", auditHandler.HandleRequest)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(adminRole))
				r.Get("/", policyHandler.HandleList)
				r.Post("/reload", policyHandler.HandleReload)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "Endpoint not found")
	})

	if cfg.Observability.TracingEnabled {
		return otelhttp.NewHandler(r, "governance.http",
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}))
	}
	return r
}
