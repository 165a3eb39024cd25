// Package ratelimit implements the per-identifier sliding-window counter
// described in spec.md §4.3, backed by the shared Redis cell primitives
// in internal/cache. The read-modify-write against the store is
// deliberately not strongly atomic: under concurrent edges the counter
// can over- or under-count briefly. That is accepted, not a bug to fix.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/cache"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metrics"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

// Store is the subset of cache.Client the validator needs; narrowed to
// an interface so tests can fake the KV store without a real Redis.
type Store interface {
	RateLimitCellGet(ctx context.Context, key string) ([]byte, error)
	RateLimitCellSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Validator evaluates tools/call requests against a RateLimitConfig.
type Validator struct {
	store     Store
	now       func() time.Time
	cfgSource config.Source
}

// New builds a Validator over the given KV store. cfgSource may be nil,
// in which case RATE_LIMIT_STORE_ENABLED is treated as always true.
func New(store Store, cfgSource config.Source) *Validator {
	return &Validator{store: store, now: time.Now, cfgSource: cfgSource}
}

func (v *Validator) storeEnabled() bool {
	return v.cfgSource == nil || v.cfgSource.Current().RateLimitStoreEnabled
}

// Validate applies the rate-limit check for one tools/call invocation.
// It only applies when method is "tools/call", cfg.Enabled, and the
// process-wide RATE_LIMIT_STORE_ENABLED kill switch is on; every other
// case is a pass-through allow with no KV access.
func (v *Validator) Validate(ctx context.Context, method, toolName string, cfg models.RateLimitConfig, vctx *models.ValidationContext) models.ValidationResult {
	if method != "tools/call" || !cfg.Enabled || !v.storeEnabled() {
		return models.Allow()
	}

	identifier := buildIdentifier(cfg, toolName, vctx)
	key := cache.KeyRateLimitPrefix + identifier

	now := v.now()
	nowMs := now.UnixMilli()

	raw, err := v.store.RateLimitCellGet(ctx, key)
	if err != nil && !cache.IsMiss(err) {
		slog.Warn("rate-limit store read failed, allowing", "error", err, "key", key)
		return models.Allow()
	}

	var cell models.RateLimitCell
	haveCell := err == nil
	if haveCell {
		if jsonErr := json.Unmarshal(raw, &cell); jsonErr != nil {
			haveCell = false
		}
	}

	if !haveCell || nowMs > cell.ResetAt {
		newCell := models.RateLimitCell{Count: 1, ResetAt: nowMs + int64(cfg.WindowSeconds)*1000}
		v.writeCell(ctx, key, newCell, time.Duration(cfg.WindowSeconds)*time.Second)
		return models.Allow()
	}

	if cell.Count >= cfg.Limit {
		resetInSeconds := int64(math.Ceil(float64(cell.ResetAt-nowMs) / 1000))
		if resetInSeconds < 1 {
			resetInSeconds = 1
		}
		metrics.RecordRateLimitBlock(toolName)
		return models.Block(
			fmt.Sprintf("Rate limit exceeded for tool %q, resets in %ds", toolName, resetInSeconds),
			map[string]interface{}{
				"policy_id":       "RateLimitPolicy",
				"tool":            toolName,
				"current_count":   cell.Count,
				"limit":           cfg.Limit,
				"reset_at":        cell.ResetAt,
				"reset_in_seconds": resetInSeconds,
			},
		)
	}

	cell.Count++
	ttl := time.Duration(math.Ceil(float64(cell.ResetAt-nowMs)/1000)) * time.Second
	v.writeCell(ctx, key, cell, ttl)
	return models.Allow()
}

func (v *Validator) writeCell(ctx context.Context, key string, cell models.RateLimitCell, ttl time.Duration) {
	data, err := json.Marshal(cell)
	if err != nil {
		slog.Warn("rate-limit cell marshal failed", "error", err)
		return
	}
	if err := v.store.RateLimitCellSet(ctx, key, data, ttl); err != nil {
		slog.Warn("rate-limit store write failed", "error", err, "key", key)
	}
}

// buildIdentifier joins resolved identifier components per
// cfg.IdentifierTypes order, per spec.md §4.3.
func buildIdentifier(cfg models.RateLimitConfig, toolName string, vctx *models.ValidationContext) string {
	parts := make([]string, 0, len(cfg.IdentifierTypes))
	for _, idType := range cfg.IdentifierTypes {
		switch idType {
		case models.IdentifierIP:
			ip := "unknown"
			if vctx != nil && vctx.ClientIP != "" {
				ip = vctx.ClientIP
			}
			parts = append(parts, ip)
		case models.IdentifierUser:
			user := "unknown"
			if vctx != nil {
				if h, ok := vctx.RequestHeaders["x-user-id"]; ok && h != "" {
					user = h
				} else if vctx.ClientIP != "" {
					user = vctx.ClientIP
				}
			}
			parts = append(parts, user)
		case models.IdentifierTool:
			parts = append(parts, toolName)
		}
	}
	identifier := ""
	for i, p := range parts {
		if i > 0 {
			identifier += ":"
		}
		identifier += p
	}
	return identifier
}
