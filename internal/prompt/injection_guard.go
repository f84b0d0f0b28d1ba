package prompt

import (
	"regexp"
	"sort"
)

// InjectionType is a family of prompt injection techniques
type InjectionType string

const (
	InjectionTypeSystemPromptLeak    InjectionType = "system_prompt_leak"
	InjectionTypeRoleManipulation    InjectionType = "role_manipulation"
	InjectionTypeInstructionOverride InjectionType = "instruction_override"
	InjectionTypeDataExfiltration    InjectionType = "data_exfiltration"
	InjectionTypeJailbreak           InjectionType = "jailbreak"
	InjectionTypeDelimiterAttack     InjectionType = "delimiter_attack"
	InjectionTypeEncodingAttack      InjectionType = "encoding_attack"
)

type injectionFamily struct {
	kind        InjectionType
	confidence  float64
	weight      float64
	description string
	patterns    []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

var injectionFamilies = []injectionFamily{
	{
		kind: InjectionTypeSystemPromptLeak, confidence: 0.9, weight: 1.5,
		description: "attempt to reveal the system prompt",
		patterns: compileAll(
			`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`,
			`(?i)show\s+(me\s+)?(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`,
			`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`,
			`(?i)(reveal|print|repeat)\s+(your|the)\s+(system|hidden|secret|original)\s+(prompt|instructions?)`,
		),
	},
	{
		kind: InjectionTypeRoleManipulation, confidence: 0.85, weight: 1,
		description: "attempt to change the assistant's role",
		patterns: compileAll(
			`(?i)(you|your)\s+(are|role|identity)\s+(now|is|changed)`,
			`(?i)assume\s+(the\s+)?(role|identity)\s+of`,
			`(?i)pretend\s+(to\s+)?be\s+(a|an)`,
			`(?i)act\s+as\s+(if\s+)?(you|you're|you\s+are)`,
			`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`,
		),
	},
	{
		kind: InjectionTypeInstructionOverride, confidence: 0.9, weight: 1.5,
		description: "attempt to override instructions",
		patterns: compileAll(
			`(?i)disregard\s+(all|previous|above|any)\s+(instructions?|rules|commands?)`,
			`(?i)override\s+(all|previous|system)\s+(instructions?|rules|settings?)`,
			`(?i)cancel\s+(all|previous)\s+(instructions?|commands?)`,
			`(?i)forget\s+(everything|all\s+previous|what\s+you\s+learned)`,
		),
	},
	{
		kind: InjectionTypeDataExfiltration, confidence: 0.95, weight: 2,
		description: "attempt to execute code or exfiltrate data",
		patterns: compileAll(
			`(?i)(execute|run)\s+(this|the\s+following)\s+(code|script|command)`,
			`(?i)\b(eval|exec|system)\s*\(`,
			`(?i)import\s+(os|sys|subprocess|socket)\b`,
			`(?i)send\s+(data|information|content)\s+to\s+https?://`,
		),
	},
	{
		kind: InjectionTypeJailbreak, confidence: 0.95, weight: 2,
		description: "known jailbreak phrasing",
		patterns: compileAll(
			`(?i)\bDAN\s+mode`,
			`(?i)developer\s+mode`,
			`(?i)jailbreak`,
			`(?i)(unrestricted|god)\s+mode`,
			`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`,
		),
	},
	{
		kind: InjectionTypeDelimiterAttack, confidence: 0.8, weight: 1,
		description: "forged conversation delimiters",
		patterns: compileAll(
			`\[/?(SYSTEM|USER|ASSISTANT)\]`,
			`<\|(system|user|assistant|end)\|>`,
			`###\s*(SYSTEM|USER|ASSISTANT|INSTRUCTION)`,
		),
	},
	{
		kind: InjectionTypeEncodingAttack, confidence: 0.7, weight: 1,
		description: "possible encoded payload",
		patterns: compileAll(
			`(?i)base64\s*[:=\s]\s*[A-Za-z0-9+/]{20,}={0,2}`,
			`(?i)hex\s*[:=\s]\s*[0-9a-fA-F]{20,}`,
			`(?:\\x[0-9a-fA-F]{2}){10,}`,
		),
	},
}

// InjectionDetection is one matched injection pattern
type InjectionDetection struct {
	Type        InjectionType
	Confidence  float64
	StartPos    int
	EndPos      int
	Description string
}

// InjectionReport summarises the injection signals found in a prompt
type InjectionReport struct {
	Detections []InjectionDetection
	// Score is the weighted mean confidence of all detections, 0 when clean
	Score float64
	// MaxConfidence is the highest single detection confidence
	MaxConfidence float64
}

// Types returns the distinct detected types in first-seen order
func (r InjectionReport) Types() []InjectionType {
	seen := make(map[InjectionType]bool)
	var out []InjectionType
	for _, d := range r.Detections {
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, d.Type)
		}
	}
	return out
}

// ScanInjection runs every injection family against text
func ScanInjection(text string) InjectionReport {
	var report InjectionReport
	var weighted, weights float64

	for _, fam := range injectionFamilies {
		for _, re := range fam.patterns {
			for _, m := range re.FindAllStringIndex(text, -1) {
				report.Detections = append(report.Detections, InjectionDetection{
					Type:        fam.kind,
					Confidence:  fam.confidence,
					StartPos:    m[0],
					EndPos:      m[1],
					Description: fam.description,
				})
				weighted += fam.confidence * fam.weight
				weights += fam.weight
				if fam.confidence > report.MaxConfidence {
					report.MaxConfidence = fam.confidence
				}
			}
		}
	}

	if weights > 0 {
		report.Score = weighted / weights
	}
	sort.SliceStable(report.Detections, func(i, j int) bool {
		return report.Detections[i].StartPos < report.Detections[j].StartPos
	})
	return report
}

// IsInjectionAttempt reports whether any detection reaches threshold
func IsInjectionAttempt(text string, threshold float64) bool {
	return ScanInjection(text).MaxConfidence >= threshold
}
