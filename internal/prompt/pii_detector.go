package prompt

import (
	"regexp"
	"strings"
)

// PIIType is a category of personally identifiable information
type PIIType string

const (
	PIITypeEmail       PIIType = "EMAIL"
	PIITypePhone       PIIType = "PHONE"
	PIITypeSSN         PIIType = "SSN"
	PIITypeCreditCard  PIIType = "CREDIT_CARD"
	PIITypeBankAccount PIIType = "BANK_ACCOUNT"
)

// AllPIITypes lists every detectable type, highest overlap priority first
var AllPIITypes = []PIIType{
	PIITypeCreditCard,
	PIITypeSSN,
	PIITypeBankAccount,
	PIITypeEmail,
	PIITypePhone,
}

type piiPattern struct {
	re *regexp.Regexp
	// group selects the submatch holding the value; 0 is the whole match
	group int
	check func(string) bool
}

var piiPatterns = map[PIIType][]piiPattern{
	PIITypeEmail: {
		{re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	},
	PIITypePhone: {
		{re: regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\([0-9]{3}\)|\b[0-9]{3})[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`)},
		{re: regexp.MustCompile(`\+[0-9]{1,3}[-.\s]?[0-9]{1,4}[-.\s]?[0-9]{1,4}[-.\s]?[0-9]{1,9}\b`)},
	},
	PIITypeSSN: {
		{re: regexp.MustCompile(`\b[0-9]{3}[-.\s][0-9]{2}[-.\s][0-9]{4}\b`), check: looksLikeSSN},
	},
	PIITypeCreditCard: {
		{re: regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{1,7}\b`), check: luhnCheck},
		{re: regexp.MustCompile(`\b3[47][0-9]{2}[-\s]?[0-9]{6}[-\s]?[0-9]{5}\b`), check: luhnCheck},
	},
	PIITypeBankAccount: {
		{re: regexp.MustCompile(`(?i)\b(?:account|acct|routing)(?:\s+(?:number|no\.?|#))?[\s:#]*([0-9]{8,17})\b`), group: 1},
	},
}

// PIIDetector finds PII of the enabled types
type PIIDetector struct {
	enabled map[PIIType]bool
}

// NewPIIDetector creates a detector for types; no types enables all of them
func NewPIIDetector(types ...PIIType) *PIIDetector {
	if len(types) == 0 {
		types = AllPIITypes
	}
	d := &PIIDetector{enabled: make(map[PIIType]bool, len(types))}
	for _, t := range types {
		d.enabled[t] = true
	}
	return d
}

// Enabled reports whether t is detected
func (d *PIIDetector) Enabled(t PIIType) bool {
	return d.enabled[t]
}

// Detect returns the non-overlapping PII spans of text in order of position
func (d *PIIDetector) Detect(text string) []Span {
	var spans []Span
	for _, t := range AllPIITypes {
		if !d.enabled[t] {
			continue
		}
		for _, p := range piiPatterns[t] {
			for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
				start, end := m[2*p.group], m[2*p.group+1]
				if start < 0 {
					continue
				}
				value := text[start:end]
				if p.check != nil && !p.check(value) {
					continue
				}
				spans = append(spans, Span{
					Kind:       string(t),
					Value:      value,
					Start:      start,
					End:        end,
					Confidence: 0.9,
				})
			}
		}
	}
	return resolveOverlaps(spans, piiRank)
}

// Redact replaces every detected PII value with a token from token
func (d *PIIDetector) Redact(text string, token TokenFunc) (string, map[string]string) {
	return Redact(text, d.Detect(text), token)
}

// DetectPII returns true if the text likely contains PII of any type
func DetectPII(text string) bool {
	return len(NewPIIDetector().Detect(text)) > 0
}

func piiRank(kind string) int {
	for i, t := range AllPIITypes {
		if string(t) == kind {
			return i
		}
	}
	return len(AllPIITypes)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// looksLikeSSN rejects numbers the SSA never issues
func looksLikeSSN(s string) bool {
	s = digitsOnly(s)
	if len(s) != 9 {
		return false
	}
	if s[:3] == "000" || s[3:5] == "00" || s[5:] == "0000" {
		return false
	}
	if strings.HasPrefix(s, "666") || strings.HasPrefix(s, "9") {
		return false
	}
	return true
}

// luhnCheck validates a card number with the Luhn algorithm
func luhnCheck(cardNumber string) bool {
	cardNumber = digitsOnly(cardNumber)
	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}
