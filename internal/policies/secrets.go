package policies

import (
	"context"
	"fmt"

	"github.com/upb/llm-governance-gateway/internal/prompt"
	"github.com/upb/llm-governance-gateway/services/policy"
)

// SecretsRedaction replaces credentials with [REDACTED:SECRET:ref_NNNN]
// tokens. Settings: min_confidence (default 0.8).
type SecretsRedaction struct {
	minConfidence float64
}

// NewSecretsRedaction returns the module with min_confidence 0.8
func NewSecretsRedaction() *SecretsRedaction {
	return &SecretsRedaction{minConfidence: 0.8}
}

// Name returns the registry name of the module
func (s *SecretsRedaction) Name() string { return NameSecrets }

// Configure reads min_confidence, which must lie within [0, 1]
func (s *SecretsRedaction) Configure(settings map[string]interface{}) error {
	v, err := floatSetting(settings, "min_confidence", s.minConfidence)
	if err != nil {
		return err
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1], got %.2f", v)
	}
	s.minConfidence = v
	return nil
}

// Evaluate redacts credentials detected at or above min_confidence
func (s *SecretsRedaction) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	content := pctx.Content()
	spans := prompt.DetectSecrets(content, s.minConfidence)
	if len(spans) == 0 {
		return policy.Allow(NameSecrets), nil
	}

	next := prompt.RefTokens()
	redacted, tokens := prompt.Redact(content, spans, func(string) string { return next("SECRET") })
	return policy.Redact(NameSecrets,
		fmt.Sprintf("Credentials detected and redacted: %d item(s) found", len(tokens)),
		redacted, tokens).WithConfidence(spans[0].Confidence), nil
}
