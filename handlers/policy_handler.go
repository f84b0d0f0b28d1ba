package handlers

import (
	"net/http"

	"github.com/upb/llm-governance-gateway/services/policy"
	"github.com/upb/llm-governance-gateway/utils"
	"go.uber.org/zap"
)

// PolicyReloader re-reads the policy file and swaps the active set
type PolicyReloader interface {
	Reload() ([]string, error)
}

// PolicyInfo describes one registered module
type PolicyInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PolicyHandler exposes the active policy set
type PolicyHandler struct {
	engine   *policy.Engine
	reloader PolicyReloader
	logger   *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler. reloader may be nil.
func NewPolicyHandler(engine *policy.Engine, reloader PolicyReloader, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		engine:   engine,
		reloader: reloader,
		logger:   logger,
	}
}

// HandleList handles GET /policies, in evaluation order
func (h *PolicyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	registry := h.engine.Registry()
	active := map[string]bool{}
	for _, nm := range registry.ActivePolicies() {
		active[nm.Name] = true
	}

	names := registry.Names()
	out := make([]PolicyInfo, 0, len(names))
	for _, name := range names {
		out = append(out, PolicyInfo{Name: name, Enabled: active[name]})
	}
	_ = utils.WriteOK(w, out)
}

// HandleReload handles POST /policies/reload
func (h *PolicyHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		_ = utils.WriteError(w, http.StatusNotImplemented, "Policy reload is not configured", nil)
		return
	}

	warnings, err := h.reloader.Reload()
	if err != nil {
		h.logger.Warn("policy reload rejected", zap.Error(err))
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"policies": h.engine.Registry().Names(),
		"warnings": warnings,
	})
}
