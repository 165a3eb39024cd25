package matchers

import "regexp"

// piiPattern is the fixed regex bound to one PII type name. Grounded on
// the teacher's SecretPattern table (internal/security/secrets_scanner.go):
// same shape — name + compiled regexp + description — generalized from
// "detect a credential, mask it for logging" to "detect PII, block or
// redact it in the live payload."
type piiPattern struct {
	Type        string
	Regex       *regexp.Regexp
	Description string
}

// piiPatterns is keyed by lowercase type name per spec.md §4.5 and the
// Glossary. Unknown type names are simply absent from this map.
var piiPatterns = map[string]piiPattern{
	"email": {
		Type:        "email",
		Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		Description: "email address",
	},
	"phone": {
		Type:        "phone",
		Regex:       regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
		Description: "North-American-style phone number",
	},
	"ssn": {
		Type:        "ssn",
		Regex:       regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
		Description: "US social security number",
	},
	"credit_card": {
		Type:        "credit_card",
		Regex:       regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
		Description: "credit card number",
	},
	"ip_address": {
		Type:        "ip_address",
		Regex:       regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		Description: "dotted-quad IP address",
	},
	"password": {
		Type:        "password",
		Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`),
		Description: "inline password assignment",
	},
	"api_key": {
		Type:        "api_key",
		Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|access[_-]?token)\s*[:=]\s*\S+`),
		Description: "inline API key or access token",
	},
	"url": {
		Type:        "url",
		Regex:       regexp.MustCompile(`https?://\S+`),
		Description: "URL",
	},
}

// LookupPII returns the fixed pattern for a PII type name, matched
// case-insensitively per spec.md §4.5. ok is false for unknown types,
// which callers must treat as "allow" (ignored), never as a match.
func LookupPII(pType string) (piiPattern, bool) {
	p, ok := piiPatterns[normalizeType(pType)]
	return p, ok
}

func normalizeType(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
