// Package policy implements the Policy Store Client (spec.md §4.1):
// fetching and normalizing GuardrailPolicy/AuditPolicy records from the
// remote policy backend, translating authoring-shape rules into the
// internal FilterRule shape, and caching both through Redis.
//
// The HTTP client shape (http.Client with a fixed timeout,
// NewRequestWithContext, manual status/decode handling) is grounded on
// internal/updates/checker.go's egress pattern.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/audit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/cache"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metrics"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

const fetchTimeout = 10 * time.Second

// cacheStore is the narrow slice of cache.Client the policy client
// needs, so tests can substitute an in-memory fake instead of a live
// Redis connection.
type cacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// invalidationBus is the narrow slice of cache.Client's Pub/Sub surface
// the policy client uses to tell other instances a fresh fetch landed,
// and to learn when another instance's fetch should invalidate ours.
// Satisfied optionally: a cacheStore fake that doesn't implement it
// just means invalidation is a no-op, which is fine for tests.
type invalidationBus interface {
	BroadcastInvalidation(ctx context.Context, msg cache.InvalidationMessage) error
	Subscribe(ctx context.Context, handler func(cache.InvalidationMessage)) error
}

// Client fetches and caches policy-store records.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      cacheStore
	bus        invalidationBus
	breaker    *circuitbreaker.Manager
	auditLog   *audit.Logger

	// status tracks the supplemented GET /api/policies/cache-status
	// endpoint (SPEC_FULL.md §5): last successful fetch time plus
	// cumulative hit/miss counters across the process lifetime.
	lastFetchUnix atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
}

// New builds a Client wired to cfg's policy-store settings. cacheClient
// only needs to satisfy cacheStore — in production this is a
// *cache.Client, but callers may substitute a narrower implementation
// for testing without a live Redis connection. When cacheClient also
// implements invalidationBus (as *cache.Client does), cross-instance
// cache invalidation is wired in automatically; otherwise it is skipped.
func New(cfg *config.Config, cacheClient cacheStore, breaker *circuitbreaker.Manager, auditLog *audit.Logger) *Client {
	bus, _ := cacheClient.(invalidationBus)
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.DatabaseAbstractorServiceURL, "/"),
		token:      cfg.DatabaseAbstractorServiceToken,
		httpClient: &http.Client{Timeout: fetchTimeout},
		cache:      cacheClient,
		bus:        bus,
		breaker:    breaker,
		auditLog:   auditLog,
	}
}

// WatchInvalidations subscribes to cross-instance cache invalidation
// broadcasts and evicts the matching local cache key so the next fetch
// goes live instead of serving what another instance already knows is
// stale. Meant to run for the process lifetime in its own goroutine; it
// returns when ctx is cancelled or immediately if cacheClient never
// implemented invalidationBus.
func (c *Client) WatchInvalidations(ctx context.Context) {
	if c.bus == nil {
		return
	}

	err := c.bus.Subscribe(ctx, func(msg cache.InvalidationMessage) {
		var key string
		switch msg.Type {
		case invalidationGuardrailPolicy:
			key = cache.KeyPolicyGuardrail
		case invalidationAuditPolicy:
			key = fmt.Sprintf(cache.KeyPolicyAudit, "all")
		default:
			return
		}
		if err := c.cache.Delete(ctx, key); err != nil {
			slog.Warn("failed to evict policy cache after invalidation broadcast", "key", key, "error", err)
		}
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("cache invalidation subscription ended", "error", err)
	}
}

const (
	invalidationGuardrailPolicy = "guardrail_policy"
	invalidationAuditPolicy     = "audit_policy"
)

// broadcastInvalidation tells other instances that key's backing data
// changed, so they should drop their own cached copy on next read.
func (c *Client) broadcastInvalidation(ctx context.Context, msgType string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.BroadcastInvalidation(ctx, cache.InvalidationMessage{Type: msgType, Source: "policy-client"}); err != nil {
		slog.Warn("failed to broadcast cache invalidation", "type", msgType, "error", err)
	}
}

// CacheStatus is the supplemented cache-status snapshot.
type CacheStatus struct {
	LastFetchUnix int64 `json:"last_fetch_unix"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
}

// Status returns a point-in-time snapshot of cache hit/miss counters.
func (c *Client) Status() CacheStatus {
	return CacheStatus{
		LastFetchUnix: c.lastFetchUnix.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
	}
}

// FetchGuardrailPolicies returns active-or-inactive Policy records
// translated from the remote GuardrailPolicy authoring shape, serving a
// cached copy when present. A cache miss or expiry triggers a live
// fetch through the circuit breaker.
func (c *Client) FetchGuardrailPolicies(ctx context.Context) ([]models.Policy, error) {
	if cached, ok := c.readCache(ctx, cache.KeyPolicyGuardrail); ok {
		var policies []models.Policy
		if err := json.Unmarshal(cached, &policies); err == nil {
			c.hits.Add(1)
			metrics.RecordCacheHit("guardrail_policies")
			return policies, nil
		}
	}
	c.misses.Add(1)
	metrics.RecordCacheMiss("guardrail_policies")

	var raw []models.GuardrailPolicy
	err := c.breaker.ExecutePolicyStore(ctx, func() error {
		var fetchErr error
		raw, fetchErr = c.fetchGuardrailWire(ctx)
		return fetchErr
	})
	if err != nil {
		c.auditLog.LogPolicyFetch(ctx, "guardrail", 0, err)
		return nil, fmt.Errorf("%w: %w", models.ErrPolicyFetch, err)
	}

	policies := make([]models.Policy, 0, len(raw))
	for _, w := range raw {
		policies = append(policies, translate(w))
	}

	c.lastFetchUnix.Store(time.Now().Unix())
	c.auditLog.LogPolicyFetch(ctx, "guardrail", len(policies), nil)

	if data, mErr := json.Marshal(policies); mErr == nil {
		if err := c.cache.Set(ctx, cache.KeyPolicyGuardrail, data, 0); err != nil {
			metrics.RecordCacheError("guardrail_policies")
			slog.Warn("failed to cache guardrail policies", "error", err)
		} else {
			c.broadcastInvalidation(ctx, invalidationGuardrailPolicy)
		}
	}

	return policies, nil
}

// FetchAuditPolicies returns audit policies keyed by lowercased resource
// name. Unlike the guardrail fetch, failure here degrades to an empty
// map (logged) rather than surfacing to the caller, per spec.md §4.1.
func (c *Client) FetchAuditPolicies(ctx context.Context) map[string]models.AuditPolicy {
	key := fmt.Sprintf(cache.KeyPolicyAudit, "all")
	if cached, ok := c.readCache(ctx, key); ok {
		var policies map[string]models.AuditPolicy
		if err := json.Unmarshal(cached, &policies); err == nil {
			c.hits.Add(1)
			metrics.RecordCacheHit("audit_policies")
			return policies
		}
	}
	c.misses.Add(1)
	metrics.RecordCacheMiss("audit_policies")

	var raw []auditPolicyWire
	err := c.breaker.ExecutePolicyStore(ctx, func() error {
		var fetchErr error
		raw, fetchErr = c.fetchAuditWire(ctx)
		return fetchErr
	})
	if err != nil {
		c.auditLog.LogPolicyFetch(ctx, "audit", 0, err)
		slog.Warn("audit policy fetch failed, degrading to empty map", "error", err)
		return map[string]models.AuditPolicy{}
	}

	out := make(map[string]models.AuditPolicy, len(raw))
	for _, w := range raw {
		p := w.toModel()
		out[strings.ToLower(p.ResourceName)] = p
	}

	c.auditLog.LogPolicyFetch(ctx, "audit", len(out), nil)

	if data, mErr := json.Marshal(out); mErr == nil {
		if err := c.cache.Set(ctx, key, data, 0); err != nil {
			metrics.RecordCacheError("audit_policies")
			slog.Warn("failed to cache audit policies", "error", err)
		} else {
			c.broadcastInvalidation(ctx, invalidationAuditPolicy)
		}
	}

	return out
}

func (c *Client) readCache(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			slog.Warn("policy cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

type auditPolicyWire struct {
	ResourceName       string `json:"resourceName"`
	Remarks            string `json:"remarks"`
	MarkedBy           string `json:"markedBy"`
	ApprovalConditions *struct {
		ExpiresAt            int64    `json:"expiresAt"`
		AllowedIPs           []string `json:"allowedIps"`
		AllowedIPRanges      []string `json:"allowedIpRanges"`
		WhitelistedEndpoints []string `json:"whitelistedEndpoints"`
	} `json:"approvalConditions"`
}

func (w auditPolicyWire) toModel() models.AuditPolicy {
	p := models.AuditPolicy{
		ResourceName: w.ResourceName,
		Remarks:      w.Remarks,
		MarkedBy:     w.MarkedBy,
	}
	if w.ApprovalConditions != nil {
		p.ApprovalConditions = &models.ApprovalConditions{
			ExpiresAt:            w.ApprovalConditions.ExpiresAt,
			AllowedIPs:           w.ApprovalConditions.AllowedIPs,
			AllowedIPRanges:      w.ApprovalConditions.AllowedIPRanges,
			WhitelistedEndpoints: w.ApprovalConditions.WhitelistedEndpoints,
		}
	}
	return p
}

// translate maps a GuardrailPolicy authoring record into the internal
// Policy/FilterRule shape per spec.md §4.1's translation rules.
func translate(w models.GuardrailPolicy) models.Policy {
	var requestRules, responseRules []models.FilterRule

	addBoth := func(rule models.FilterRule) {
		if w.ApplyOnRequest {
			requestRules = append(requestRules, rule)
		}
		if w.ApplyOnResponse {
			responseRules = append(responseRules, rule)
		}
	}

	if w.HarmfulCategories {
		requestRules = append(requestRules, models.FilterRule{Type: models.RuleHarmfulCategories, Action: models.ActionBlock})
	}
	if w.PromptAttacks {
		requestRules = append(requestRules, models.FilterRule{
			Type:   models.RulePromptAttacks,
			Action: models.ActionBlock,
			Config: map[string]interface{}{"threshold": 0.5},
		})
	}

	for _, dt := range w.DeniedTopics {
		addBoth(models.FilterRule{
			Type:   models.RuleBanTopics,
			Action: models.ActionBlock,
			Config: map[string]interface{}{"topics": []string{dt.Topic}},
		})
		addBoth(models.FilterRule{
			Type:   models.RuleBanSubstrings,
			Action: models.ActionBlock,
			Config: map[string]interface{}{"substrings": dt.SamplePhrases},
		})
	}

	for _, pt := range w.PIITypes {
		action := models.ActionBlock
		if strings.EqualFold(pt.Behavior, "mask") {
			action = models.ActionRedact
		}
		addBoth(models.FilterRule{Type: models.RulePII, Pattern: pt.Type, Action: action})
	}

	for _, rp := range w.RegexPatterns {
		action := models.ActionBlock
		if rp.Action != "" {
			action = models.RuleAction(rp.Action)
		}
		addBoth(models.FilterRule{Type: models.RuleRegex, Pattern: rp.Pattern, Action: action})
	}

	return models.Policy{
		ID:            "MCPGuardrails",
		Name:          w.Name,
		Active:        w.Active,
		DefaultAction: models.ActionBlock,
		RequestRules:  requestRules,
		ResponseRules: responseRules,
		UpdatedAt:     w.UpdatedAt,
	}
}

func (c *Client) fetchGuardrailWire(ctx context.Context) ([]models.GuardrailPolicy, error) {
	var out []models.GuardrailPolicy
	err := c.post(ctx, "/api/fetchGuardrailPolicies", map[string]interface{}{}, &out)
	return out, err
}

func (c *Client) fetchAuditWire(ctx context.Context) ([]auditPolicyWire, error) {
	var out []auditPolicyWire
	body := map[string]interface{}{"remarksList": []string{"Conditionally Approved", "Rejected"}}
	err := c.post(ctx, "/api/fetchMcpAuditInfo", body, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("policy store returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
