package models

// FilterRuleType tags the kind of check a FilterRule performs.
type FilterRuleType string

const (
	RuleHarmfulCategories  FilterRuleType = "harmfulCategories"
	RulePromptAttacks      FilterRuleType = "promptAttacks"
	RuleBanTopics          FilterRuleType = "banTopics"
	RuleBanSubstrings      FilterRuleType = "banSubstrings"
	RuleDeniedTopics       FilterRuleType = "deniedTopics"
	RulePII                FilterRuleType = "pii"
	RuleRegex              FilterRuleType = "regex"
	RuleAudit              FilterRuleType = "audit"
	RuleComponentMetadata  FilterRuleType = "componentMetadata"
)

// RuleAction is the effect a FilterRule has once it matches.
type RuleAction string

const (
	ActionBlock  RuleAction = "block"
	ActionRedact RuleAction = "redact"
)

// FilterRule is the internal, already-normalized shape every validator
// consumes. It never travels outside the process; GuardrailPolicy is
// what arrives over the wire.
type FilterRule struct {
	Type    FilterRuleType
	Pattern string
	Action  RuleAction
	Config  map[string]interface{}
}

// Policy is a GuardrailPolicy after translation (§4.1): authoring-shape
// rules resolved into request/response FilterRule lists.
type Policy struct {
	ID            string
	Name          string
	Active        bool
	DefaultAction RuleAction
	RequestRules  []FilterRule
	ResponseRules []FilterRule
	UpdatedAt     int64 // unix seconds, copied from the wire record; no log line includes it
}

// DeniedTopic is one entry of a GuardrailPolicy's denied-topics list.
type DeniedTopic struct {
	Topic         string   `json:"topic"`
	SamplePhrases []string `json:"samplePhrases"`
}

// PIIRule is one entry of a GuardrailPolicy's PII-types list.
type PIIRule struct {
	Type     string `json:"type"`     // email, phone, ssn, ...
	Behavior string `json:"behavior"` // "block" or "mask"
}

// RegexRule is one entry of a GuardrailPolicy's regex-patterns list.
type RegexRule struct {
	Pattern string     `json:"pattern"`
	Action  RuleAction `json:"action"`
}

// GuardrailPolicy is the authoring-shape record as fetched from the
// policy store, before translation into Policy/FilterRule. This is the
// exact JSON shape POST /api/fetchGuardrailPolicies returns; Policy is
// what it becomes after translate().
type GuardrailPolicy struct {
	Name              string      `json:"name"`
	Active            bool        `json:"active"`
	ApplyOnRequest    bool        `json:"applyOnRequest"`
	ApplyOnResponse   bool        `json:"applyOnResponse"`
	HarmfulCategories bool        `json:"harmfulCategories"`
	PromptAttacks     bool        `json:"promptAttacks"`
	DeniedTopics      []DeniedTopic `json:"deniedTopics"`
	PIITypes          []PIIRule     `json:"piiTypes"`
	RegexPatterns     []RegexRule   `json:"regexPatterns"`
	UpdatedAt         int64         `json:"updatedAt"`
}

// AuditPolicy is an explicit allow/reject/conditional decision for one
// named resource (tool, prompt, or resource URI), or for an entire MCP
// server when keyed by server name.
type AuditPolicy struct {
	ResourceName       string
	Remarks            string
	MarkedBy           string
	ApprovalConditions *ApprovalConditions
}

// ApprovalConditions narrows a "conditionally approved" AuditPolicy.
type ApprovalConditions struct {
	ExpiresAt           int64 // unix seconds, 0 means "no expiry"
	AllowedIPs          []string
	AllowedIPRanges     []string // CIDR, IPv4 only
	WhitelistedEndpoints []string // recognised, not enforced (§4.4c)
}

// RateLimitConfig governs the Rate Limit Validator for one MCP server.
// Defaults apply when absent: Enabled=true, Limit=100, WindowSeconds=300,
// IdentifierTypes=[IP, TOOL].
type RateLimitConfig struct {
	Enabled         bool
	Limit           int
	WindowSeconds   int
	IdentifierTypes []IdentifierType
}

// IdentifierType is one component of a rate-limit identifier join.
type IdentifierType string

const (
	IdentifierIP   IdentifierType = "IP"
	IdentifierUser IdentifierType = "USER"
	IdentifierTool IdentifierType = "TOOL"
)

// DefaultRateLimitConfig mirrors spec.md §3's stated defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:         true,
		Limit:           100,
		WindowSeconds:   300,
		IdentifierTypes: []IdentifierType{IdentifierIP, IdentifierTool},
	}
}
