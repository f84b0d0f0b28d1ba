package policies

import (
	"context"
	"strings"

	"github.com/upb/llm-governance-gateway/services/policy"
)

var defaultEscalationKeywords = []string{
	"escalate",
	"review needed",
	"human review",
	"needs approval",
	"senior review",
}

// EscalationKeywords sends content mentioning any configured keyword to
// human review. Settings: keywords (replaces the defaults).
type EscalationKeywords struct {
	keywords []string
}

// NewEscalationKeywords returns the module with the default keyword list
func NewEscalationKeywords() *EscalationKeywords {
	return &EscalationKeywords{keywords: defaultEscalationKeywords}
}

// Name returns the registry name of the module
func (e *EscalationKeywords) Name() string { return NameEscalation }

// Configure replaces the keyword list when keywords is set
func (e *EscalationKeywords) Configure(settings map[string]interface{}) error {
	keywords, ok, err := stringListSetting(settings, "keywords")
	if err != nil || !ok {
		return err
	}
	e.keywords = make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(normalize(k))); k != "" {
			e.keywords = append(e.keywords, k)
		}
	}
	return nil
}

// Evaluate escalates content containing any keyword, ignoring case
func (e *EscalationKeywords) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	text := strings.ToLower(normalize(pctx.Content()))
	if _, ok := containsAny(text, e.keywords); ok {
		return policy.Escalate(NameEscalation, "Request contains keywords requiring human review").
			WithConfidence(0.9), nil
	}
	return policy.Allow(NameEscalation), nil
}
