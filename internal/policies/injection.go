package policies

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/llm-governance-gateway/internal/prompt"
	"github.com/upb/llm-governance-gateway/services/policy"
)

// PromptInjection screens inbound prompts for injection attempts. A detection
// at or above block_threshold blocks; one at or above escalate_threshold goes
// to review. Responses are not screened.
type PromptInjection struct {
	blockThreshold    float64
	escalateThreshold float64
}

// NewPromptInjection returns the module with thresholds 0.9 (block) and 0.8 (escalate)
func NewPromptInjection() *PromptInjection {
	return &PromptInjection{blockThreshold: 0.9, escalateThreshold: 0.8}
}

// Name returns the registry name of the module
func (p *PromptInjection) Name() string { return NameInjection }

// Configure reads block_threshold and escalate_threshold; escalate may not exceed block
func (p *PromptInjection) Configure(settings map[string]interface{}) error {
	block, err := floatSetting(settings, "block_threshold", p.blockThreshold)
	if err != nil {
		return err
	}
	escalate, err := floatSetting(settings, "escalate_threshold", p.escalateThreshold)
	if err != nil {
		return err
	}
	if escalate > block {
		return fmt.Errorf("escalate_threshold (%.2f) must not exceed block_threshold (%.2f)", escalate, block)
	}
	p.blockThreshold, p.escalateThreshold = block, escalate
	return nil
}

// Evaluate scores the prompt at the input checkpoint and allows everything else
func (p *PromptInjection) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	if pctx.Checkpoint != policy.CheckpointInput {
		return policy.Allow(NameInjection), nil
	}

	report := prompt.ScanInjection(normalize(pctx.Prompt))
	if len(report.Detections) == 0 {
		return policy.Allow(NameInjection), nil
	}

	types := make([]string, 0, len(report.Types()))
	for _, t := range report.Types() {
		types = append(types, string(t))
	}
	reason := fmt.Sprintf("Potential prompt injection detected: %s", strings.Join(types, ", "))

	switch {
	case report.MaxConfidence >= p.blockThreshold:
		return policy.Block(NameInjection, reason).WithConfidence(report.MaxConfidence), nil
	case report.MaxConfidence >= p.escalateThreshold:
		return policy.Escalate(NameInjection, reason).WithConfidence(report.MaxConfidence), nil
	default:
		return policy.Allow(NameInjection), nil
	}
}
