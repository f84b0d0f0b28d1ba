// Package policies holds the policy modules shipped with the gateway.
package policies

import "github.com/upb/llm-governance-gateway/services/policy"

// Names under which the built-in modules are configured
const (
	NameMNPI         = "mnpi_check"
	NamePII          = "pii_detection"
	NamePromptLength = "prompt_length"
	NameEscalation   = "escalation_keywords"
	NameInjection    = "prompt_injection"
	NameSecrets      = "secrets_detection"
)

// Factories returns a constructor for every built-in module, keyed by name.
// Each call to a factory yields a fresh, unconfigured instance.
func Factories() map[string]policy.Factory {
	return map[string]policy.Factory{
		NameMNPI:         func() policy.Module { return NewMNPICheck() },
		NamePII:          func() policy.Module { return NewPIIRedaction() },
		NamePromptLength: func() policy.Module { return NewPromptLength() },
		NameEscalation:   func() policy.Module { return NewEscalationKeywords() },
		NameInjection:    func() policy.Module { return NewPromptInjection() },
		NameSecrets:      func() policy.Module { return NewSecretsRedaction() },
	}
}
