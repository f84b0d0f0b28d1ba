package policies

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/upb/llm-governance-gateway/services/policy"
)

const defaultMaxLength = 10000

// PromptLength blocks content longer than max_length characters
type PromptLength struct {
	maxLength int
}

// NewPromptLength returns the module with the default limit
func NewPromptLength() *PromptLength {
	return &PromptLength{maxLength: defaultMaxLength}
}

// Name returns the registry name of the module
func (p *PromptLength) Name() string { return NamePromptLength }

// Configure reads max_length, which must be positive
func (p *PromptLength) Configure(settings map[string]interface{}) error {
	n, err := intSetting(settings, "max_length", defaultMaxLength)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("max_length must be positive, got %d", n)
	}
	p.maxLength = n
	return nil
}

// Evaluate blocks content with more than max_length characters
func (p *PromptLength) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	n := utf8.RuneCountInString(pctx.Content())
	if n <= p.maxLength {
		return policy.Allow(NamePromptLength), nil
	}
	what := "Prompt"
	if pctx.Checkpoint == policy.CheckpointOutput {
		what = "Response"
	}
	return policy.Block(NamePromptLength,
		fmt.Sprintf("%s exceeds maximum length (%d > %d characters)", what, n, p.maxLength)).
		WithConfidence(1.0), nil
}
