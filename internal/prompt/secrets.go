package prompt

import "regexp"

// SecretType is a category of credential
type SecretType string

const (
	SecretTypeAPIKey      SecretType = "api_key"
	SecretTypeAWSKey      SecretType = "aws_key"
	SecretTypeGCPKey      SecretType = "gcp_key"
	SecretTypePassword    SecretType = "password"
	SecretTypeToken       SecretType = "token"
	SecretTypePrivateKey  SecretType = "private_key"
	SecretTypeJWT         SecretType = "jwt"
	SecretTypeSlackToken  SecretType = "slack_token"
	SecretTypeGitHubToken SecretType = "github_token"
	SecretTypeStripeKey   SecretType = "stripe_key"
	SecretTypeOpenAIKey   SecretType = "openai_key"
	SecretTypeDatabaseURL SecretType = "database_url"
)

type secretPattern struct {
	kind       SecretType
	re         *regexp.Regexp
	group      int
	confidence float64
}

// Ordered by specificity; on overlap the earlier pattern wins
var secretPatterns = []secretPattern{
	{SecretTypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), 0, 0.99},
	{SecretTypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), 0, 0.95},
	{SecretTypeAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0, 0.95},
	{SecretTypeGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`), 0, 0.95},
	{SecretTypeGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0, 0.95},
	{SecretTypeSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), 0, 0.9},
	{SecretTypeStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`), 0, 0.95},
	{SecretTypeOpenAIKey, regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_\-]{32,}\b`), 0, 0.9},
	{SecretTypeJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), 0, 0.9},
	{SecretTypeDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`), 0, 0.9},
	{SecretTypeAPIKey, regexp.MustCompile(`(?i)\bapi[_\-]?key\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})`), 1, 0.8},
	{SecretTypeToken, regexp.MustCompile(`(?i)\b(?:access[_\-]?)?token\s*[:=]\s*['"]?([A-Za-z0-9_\-\.]{20,})`), 1, 0.75},
	{SecretTypeToken, regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.]{20,})`), 1, 0.8},
	{SecretTypePassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})`), 1, 0.7},
}

// DetectSecrets returns credential spans of text at or above minConfidence
func DetectSecrets(text string, minConfidence float64) []Span {
	var spans []Span
	for _, p := range secretPatterns {
		if p.confidence < minConfidence {
			continue
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 {
				continue
			}
			spans = append(spans, Span{
				Kind:       string(p.kind),
				Value:      text[start:end],
				Start:      start,
				End:        end,
				Confidence: p.confidence,
			})
		}
	}
	return resolveOverlaps(spans, secretRank)
}

// HasSecrets reports whether text contains a credential at or above minConfidence
func HasSecrets(text string, minConfidence float64) bool {
	return len(DetectSecrets(text, minConfidence)) > 0
}

func secretRank(kind string) int {
	for i, p := range secretPatterns {
		if string(p.kind) == kind {
			return i
		}
	}
	return len(secretPatterns)
}
