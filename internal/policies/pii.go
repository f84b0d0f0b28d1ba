package policies

import (
	"context"
	"fmt"

	"github.com/upb/llm-governance-gateway/internal/prompt"
	"github.com/upb/llm-governance-gateway/services/policy"
)

var piiToggles = []struct {
	key string
	typ prompt.PIIType
}{
	{"redact_emails", prompt.PIITypeEmail},
	{"redact_phones", prompt.PIITypePhone},
	{"redact_ssn", prompt.PIITypeSSN},
	{"redact_credit_cards", prompt.PIITypeCreditCard},
	{"redact_bank_accounts", prompt.PIITypeBankAccount},
}

// PIIRedaction replaces personal data in the evaluated content with
// [REDACTED:<TYPE>:ref_NNNN] tokens. Token numbering restarts for every
// evaluation so identical input always yields identical output.
type PIIRedaction struct {
	detector *prompt.PIIDetector
}

// NewPIIRedaction returns the module with every PII type enabled
func NewPIIRedaction() *PIIRedaction {
	return &PIIRedaction{detector: prompt.NewPIIDetector()}
}

// Name returns the registry name of the module
func (p *PIIRedaction) Name() string { return NamePII }

// Configure applies the per-type toggles; at least one type must stay enabled
func (p *PIIRedaction) Configure(settings map[string]interface{}) error {
	var enabled []prompt.PIIType
	for _, toggle := range piiToggles {
		on, err := boolSetting(settings, toggle.key, true)
		if err != nil {
			return err
		}
		if on {
			enabled = append(enabled, toggle.typ)
		}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("at least one PII type must be enabled")
	}
	p.detector = prompt.NewPIIDetector(enabled...)
	return nil
}

// Evaluate redacts every enabled PII match in the checkpoint content
func (p *PIIRedaction) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	redacted, tokens := p.detector.Redact(pctx.Content(), prompt.RefTokens())
	if len(tokens) == 0 {
		return policy.Allow(NamePII), nil
	}
	return policy.Redact(NamePII,
		fmt.Sprintf("PII detected and redacted: %d item(s) found", len(tokens)),
		redacted, tokens).WithConfidence(0.9), nil
}
