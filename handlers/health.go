package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/llm-governance-gateway/app"
	"github.com/upb/llm-governance-gateway/utils"
	"go.uber.org/zap"
)

// Version is reported by the status endpoint; overridden at link time
var Version = "0.1.0"

// HealthCheck returns a simple liveness handler
func HealthCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck reports whether the gateway can decide requests
func ReadinessCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ready"
		checks := map[string]string{}

		if deps.DB == nil {
			status = "not_ready"
			checks["database"] = "not_initialized"
		} else if err := deps.DB.PingContext(ctx); err != nil {
			status = "not_ready"
			checks["database"] = "unhealthy"
			deps.Logger.Error("database health check failed", zap.Error(err))
		} else {
			checks["database"] = "healthy"
		}

		if deps.PolicyEngine == nil || len(deps.PolicyEngine.Registry().ActivePolicies()) == 0 {
			checks["policies"] = "none_active"
		} else {
			checks["policies"] = "loaded"
		}

		if deps.Providers == nil || deps.Providers.Len() == 0 {
			checks["providers"] = "none_configured"
		} else {
			checks["providers"] = "configured"
		}

		code := http.StatusOK
		if status != "ready" {
			code = http.StatusServiceUnavailable
		}
		_ = utils.WriteJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// StatusHandler returns application status information
func StatusHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"version":     Version,
			"environment": deps.Config.Environment,
			"providers":   []string{},
			"policies":    []string{},
		}
		if deps.Providers != nil {
			response["providers"] = deps.Providers.Names()
		}
		if deps.PolicyEngine != nil {
			response["policies"] = deps.PolicyEngine.Registry().Names()
		}
		if deps.Audit != nil {
			stats := deps.Audit.GetStats()
			response["audit"] = map[string]interface{}{
				"running": stats.Started,
				"pending": stats.PendingEvents,
				"written": stats.Written,
				"dropped": stats.Dropped,
			}
		}

		_ = utils.WriteJSON(w, http.StatusOK, response)
	}
}
