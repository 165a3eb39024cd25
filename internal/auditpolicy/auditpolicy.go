// Package auditpolicy implements the Audit Validator (spec.md §4.4):
// per-resource explicit allow/reject/conditional decisions, including
// IPv4 CIDR allow-lists and conditional-approval expiry.
package auditpolicy

import (
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/extractor"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

// Validate runs the audit lookup/evaluation sequence for one request.
// ok is false when audit did not apply (no matching entry) — callers
// must treat that as "defer to later validators", not as an allow.
func Validate(method string, params []byte, vctx *models.ValidationContext) (result models.ValidationResult, ok bool) {
	if vctx.MCPServerName != "" {
		if policy, found := vctx.AuditPolicies[strings.ToLower(vctx.MCPServerName)]; found {
			if res, applies := evaluate(policy, vctx); applies && !res.Allowed {
				return res, true
			}
		}
	}

	resourceName := extractor.ResourceName(method, params)
	if resourceName == "" {
		return models.ValidationResult{}, false
	}

	// Resource-level lookup intentionally uses the raw resource name,
	// not lowercased — asymmetric with the server-level lookup above.
	// Preserved verbatim per spec.md §9(b).
	policy, found := vctx.AuditPolicies[resourceName]
	if !found {
		return models.ValidationResult{}, false
	}

	res, applies := evaluate(policy, vctx)
	if !applies {
		return models.ValidationResult{}, false
	}
	return res, true
}

// evaluate judges a single AuditPolicy. applies is true on every path;
// an unrecognized remarks string is logged and returned as an allow, so
// callers don't need a third outcome.
func evaluate(policy models.AuditPolicy, vctx *models.ValidationContext) (models.ValidationResult, bool) {
	remarks := strings.ToLower(strings.TrimSpace(policy.Remarks))

	switch remarks {
	case "approved":
		return models.Allow(), true

	case "rejected":
		return models.Block(
			"Resource access has been rejected by Audit Policy",
			map[string]interface{}{"policy_id": "AuditPolicy"},
		), true

	case "conditionally approved":
		return evaluateConditional(policy, vctx), true

	default:
		slog.Warn("audit policy has unrecognized remarks, allowing", "remarks", policy.Remarks, "resource", policy.ResourceName)
		return models.Allow(), true
	}
}

func evaluateConditional(policy models.AuditPolicy, vctx *models.ValidationContext) models.ValidationResult {
	cond := policy.ApprovalConditions
	if cond == nil {
		return models.Allow()
	}

	if cond.ExpiresAt > 0 && time.Now().Unix() > cond.ExpiresAt {
		return models.Block(
			"Conditional approval has expired",
			map[string]interface{}{"policy_id": "AuditPolicy"},
		)
	}

	if vctx.ClientIP != "" && (len(cond.AllowedIPs) > 0 || len(cond.AllowedIPRanges) > 0) {
		if !ipAllowed(vctx.ClientIP, cond.AllowedIPs, cond.AllowedIPRanges) {
			return models.Block(
				"Client IP is not authorized for this resource",
				map[string]interface{}{"policy_id": "AuditPolicy"},
			)
		}
	}

	if len(cond.WhitelistedEndpoints) > 0 {
		slog.Warn("whitelistedEndpoints recognised but not enforced", "resource", policy.ResourceName)
	}

	return models.Allow()
}

func ipAllowed(ip string, exact []string, cidrs []string) bool {
	for _, e := range exact {
		if e == ip {
			return true
		}
	}
	for _, cidr := range cidrs {
		if IsIPInCIDR(ip, cidr) {
			return true
		}
	}
	return false
}

// IsIPInCIDR reports whether ip falls within the IPv4 CIDR block cidr,
// e.g. "10.0.0.0/24". Computed by explicit bitmask per spec.md §4.4
// rather than net.ParseCIDR, since the spec pins the exact algorithm
// (mask = ~(2^(32-bits)-1)) that downstream tests assert against.
func IsIPInCIDR(ip string, cidr string) bool {
	addr, bitsStr, found := strings.Cut(cidr, "/")
	if !found {
		return false
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 || bits > 32 {
		return false
	}

	ipInt, ok := ipToUint32(ip)
	if !ok {
		return false
	}
	addrInt, ok := ipToUint32(addr)
	if !ok {
		return false
	}

	var mask uint32
	if bits == 0 {
		mask = 0
	} else {
		mask = ^uint32(0) << (32 - bits)
	}

	return ipInt&mask == addrInt&mask
}

// ipToUint32 folds a dotted-quad IPv4 address into a big-endian uint32.
func ipToUint32(ip string) (uint32, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}
