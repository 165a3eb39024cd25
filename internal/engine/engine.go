// Package engine implements the Policy Validator orchestrator
// (spec.md §4.7): it composes the audit, extractor, rate-limit, PII,
// regex, and scanner validators in the fixed order the spec requires
// and produces a single ValidationResult.
package engine

import (
	"context"
	"strconv"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/auditpolicy"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/extractor"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/matchers"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/ratelimit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/scanner"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/threat"
)

// Engine wires the rate-limit validator, scanner client, and threat
// reporter the orchestrator needs as live dependencies; the remaining
// validators (audit, PII, regex) are pure functions called directly.
type Engine struct {
	rateLimit *ratelimit.Validator
	scanner   *scanner.Client
	threat    *threat.Reporter
	cfgSource config.Source
}

// New builds an Engine. cfgSource may be nil, in which case the engine
// always behaves as if ENABLE_MCP_GUARDRAILS is true.
func New(rateLimit *ratelimit.Validator, scannerClient *scanner.Client, threatReporter *threat.Reporter, cfgSource config.Source) *Engine {
	return &Engine{rateLimit: rateLimit, scanner: scannerClient, threat: threatReporter, cfgSource: cfgSource}
}

// guardrailsEnabled reports the live value of ENABLE_MCP_GUARDRAILS, the
// process-wide kill switch for the whole engine.
func (e *Engine) guardrailsEnabled() bool {
	return e.cfgSource == nil || e.cfgSource.Current().EnableMCPGuardrails
}

// ValidateRequest runs the request-side pipeline per spec.md §4.7.
func (e *Engine) ValidateRequest(ctx context.Context, vctx *models.ValidationContext) models.ValidationResult {
	if !e.guardrailsEnabled() {
		return models.Allow()
	}
	if vctx.RawRequest == "" {
		return models.Allow()
	}

	method, params, parsed := extractor.ParseMethod(vctx.RawRequest)

	if vctx.HasAuditRules {
		if res, applies := auditpolicy.Validate(method, params, vctx); applies && !res.Allowed {
			e.reportThreat(ctx, vctx, res)
			return res
		}
	}

	if parsed && method == "tools/call" && vctx.RateLimit.Enabled {
		toolName := toolNameFromParams(params)
		if res := e.rateLimit.Validate(ctx, method, toolName, vctx.RateLimit, vctx); !res.Allowed {
			e.reportThreat(ctx, vctx, res)
			return res
		}
	}

	scannableText := extractor.Extract(vctx.RawRequest)
	if scannableText == "" {
		return models.Allow()
	}

	res := e.runRules(ctx, scannableText, activePolicies(vctx), requestRules)
	e.reportThreat(ctx, vctx, res)
	return res
}

// ValidateResponse runs the response-side pipeline: same rule
// composition, no audit and no rate-limit per spec.md §4.7.
func (e *Engine) ValidateResponse(ctx context.Context, vctx *models.ValidationContext) models.ValidationResult {
	if !e.guardrailsEnabled() {
		return models.Allow()
	}
	if vctx.RawResponse == "" {
		return models.Allow()
	}

	scannableText := extractor.Extract(vctx.RawResponse)
	if scannableText == "" {
		return models.Allow()
	}

	res := e.runRules(ctx, scannableText, activePolicies(vctx), responseRules)
	e.reportThreat(ctx, vctx, res)
	return res
}

// reportThreat satisfies invariant I3 (every block or modify emits
// exactly one threat report) by scheduling the report through the
// host's detached execution context, so it outlives the request. Dry
// runs are never reported since they are non-authoritative.
func (e *Engine) reportThreat(ctx context.Context, vctx *models.ValidationContext, res models.ValidationResult) {
	if res.Allowed && !res.Modified {
		return
	}
	if vctx.DryRun || e.threat == nil || vctx.Exec == nil {
		return
	}

	policyID, _ := res.Metadata["policy_id"].(string)
	if policyID == "" {
		policyID = "MCPGuardrails"
	}

	in := threat.Input{
		ClientIP:        vctx.ClientIP,
		FilterID:        policyID,
		Endpoint:        vctx.Endpoint,
		Method:          vctx.Method,
		StatusCode:      vctx.StatusCode,
		RequestPayload:  vctx.RawRequest,
		ResponsePayload: vctx.RawResponse,
		RequestHeaders:  vctx.RequestHeaders,
		ResponseHeaders: vctx.ResponseHeaders,
	}

	vctx.Exec.Go(ctx, func(detachedCtx context.Context) {
		e.threat.Report(detachedCtx, in)
	})
}

type ruleSideFn func(models.Policy) []models.FilterRule

func requestRules(p models.Policy) []models.FilterRule  { return p.RequestRules }
func responseRules(p models.Policy) []models.FilterRule { return p.ResponseRules }

// activePolicies filters out policies whose active flag is false — the
// short-circuit supplemented in SPEC_FULL.md §5.
func activePolicies(vctx *models.ValidationContext) []models.Policy {
	out := make([]models.Policy, 0, len(vctx.Policies))
	for _, p := range vctx.Policies {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// runRules applies every FilterRule from every active policy to text in
// order, collecting scanner tasks as it goes, then fans the scanner
// tasks out once all local validators have run.
func (e *Engine) runRules(ctx context.Context, text string, policies []models.Policy, side ruleSideFn) models.ValidationResult {
	var tasks []scanner.Task
	redactedText := text
	modified := false

	for _, policy := range policies {
		for _, rule := range side(policy) {
			names := scanner.ScannerNames(rule.Type)
			if len(names) > 0 {
				for _, name := range names {
					tasks = append(tasks, scanner.Task{
						ScannerType: string(rule.Type),
						ScannerName: name,
						Text:        redactedText,
						Config:      rule.Config,
						PolicyID:    policy.ID,
						PolicyName:  policy.Name,
					})
				}
				continue
			}

			switch rule.Type {
			case models.RulePII:
				matched, known := matchers.MatchPII(rule.Pattern, redactedText)
				if !known {
					continue
				}
				if matched {
					if rule.Action == models.ActionBlock {
						return models.Block(
							"Content blocked: PII type '"+rule.Pattern+"' detected",
							map[string]interface{}{"policy_id": policy.ID, "rule_type": string(rule.Type), "pii_type": rule.Pattern},
						)
					}
					if redacted, ok := matchers.RedactPII(rule.Pattern, redactedText); ok {
						redactedText = redacted
						modified = true
					}
				}
			case models.RuleRegex:
				matched, err := matchers.MatchRegexRule(rule.Pattern, redactedText)
				if err != nil || !matched {
					continue
				}
				if rule.Action == models.ActionBlock {
					return models.Block(
						"Content blocked: pattern match",
						map[string]interface{}{"policy_id": policy.ID, "rule_type": string(rule.Type)},
					)
				}
				if redacted, err := matchers.RedactRegexRule(rule.Pattern, redactedText); err == nil {
					redactedText = redacted
					modified = true
				}
			}
		}
	}

	if len(tasks) > 0 {
		results := e.scanner.Scan(ctx, tasks)
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			if !r.IsValid {
				return models.Block(
					blockedByScannerReason(r),
					map[string]interface{}{
						"policy_id":  r.Task.PolicyID,
						"scanner":    r.Task.ScannerName,
						"risk_score": r.RiskScore,
						"details":    r.Details,
					},
				)
			}
		}
	}

	if modified {
		return models.Redact(redactedText)
	}
	return models.Allow()
}

func blockedByScannerReason(r scanner.Result) string {
	score := strconv.FormatFloat(r.RiskScore, 'g', -1, 64)
	return "Content blocked by scanner '" + r.Task.ScannerName + "' (risk score " + score + ")"
}

func toolNameFromParams(params []byte) string {
	return extractor.ResourceName("tools/call", params)
}
