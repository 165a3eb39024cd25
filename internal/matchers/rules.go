package matchers

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchRegexRule matches a policy-supplied regex pattern against text.
// Patterns come from the policy store, not from the request payload, but
// they are still operator-authored and therefore untrusted relative to
// the process's own stability — so matching goes through SafeRegex's
// goroutine+timeout guard rather than a bare regexp.MatchString, same as
// the teacher's ReDoS-guarded rule evaluation path.
func MatchRegexRule(pattern string, text string) (bool, error) {
	return MatchPattern(caseInsensitive(pattern), text)
}

// caseInsensitive wraps a pattern with an inline case-insensitive flag
// unless the author already supplied one. Regex rules match
// case-insensitively per spec.md §4.5.
func caseInsensitive(pattern string) string {
	if len(pattern) >= 4 && pattern[:4] == "(?i)" {
		return pattern
	}
	return "(?i)" + pattern
}

// MatchPII matches fixed PII pattern pType against text. ok is false for
// an unrecognized type name; callers must not treat that as a match.
func MatchPII(pType string, text string) (matched bool, ok bool) {
	p, found := LookupPII(pType)
	if !found {
		return false, false
	}
	return p.Regex.MatchString(text), true
}

// RedactPII replaces every PII match of type pType in text with a fixed
// placeholder of the form [<TYPE>_REDACTED], e.g. [EMAIL_REDACTED].
func RedactPII(pType string, text string) (string, bool) {
	p, found := LookupPII(pType)
	if !found {
		return text, false
	}
	placeholder := fmt.Sprintf("[%s_REDACTED]", strings.ToUpper(p.Type))
	return p.Regex.ReplaceAllString(text, placeholder), true
}

// RedactRegexRule replaces every match of pattern in text with a fixed
// placeholder, used for regex FilterRules whose action is "redact".
func RedactRegexRule(pattern string, text string) (string, error) {
	re, err := regexp.Compile(caseInsensitive(pattern))
	if err != nil {
		return text, err
	}
	return re.ReplaceAllString(text, "[REDACTED]"), nil
}
