// Package batch implements the Batch Processor (spec.md §4.10):
// replays a recorded ingest batch through the same validation pipeline
// live traffic uses, sequentially, so ordering is preserved and a
// single bad record cannot abort the run.
package batch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/engine"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metaaudit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

// policyFetcher is the narrow slice of policy.Client the batch
// processor needs, so tests can substitute a fake instead of a live
// policy-store backend.
type policyFetcher interface {
	FetchGuardrailPolicies(ctx context.Context) ([]models.Policy, error)
	FetchAuditPolicies(ctx context.Context) map[string]models.AuditPolicy
}

// metadataAuditor is the narrow slice of metaaudit.Auditor the batch
// processor needs, so tests can substitute a fake instead of a live
// LLM backend.
type metadataAuditor interface {
	Audit(ctx context.Context, method string, rawResponse string, originalEndpoint string) []metaaudit.Finding
}

// Processor replays IngestRecords through an Engine.
type Processor struct {
	engine       *engine.Engine
	policyClient policyFetcher
	metaauditor  metadataAuditor
}

// New builds a Processor. metaauditor may be nil, in which case ingested
// tools/list responses are never audited.
func New(engine *engine.Engine, policyClient policyFetcher, metaauditor metadataAuditor) *Processor {
	return &Processor{engine: engine, policyClient: policyClient, metaauditor: metaauditor}
}

// Process runs every record in order, fetching policies once up front
// and reusing them for every item, per spec.md §4.10.
func (p *Processor) Process(ctx context.Context, records []models.IngestRecord, exec models.ExecutionContext) []models.BatchItemResult {
	policies, err := p.policyClient.FetchGuardrailPolicies(ctx)
	if err != nil {
		slog.Warn("batch: guardrail policy fetch failed, proceeding with none", "error", err)
	}
	auditPolicies := p.policyClient.FetchAuditPolicies(ctx)

	results := make([]models.BatchItemResult, len(records))
	for i, rec := range records {
		results[i] = p.processOne(ctx, i, rec, policies, auditPolicies, exec)
	}
	return results
}

func (p *Processor) processOne(ctx context.Context, index int, rec models.IngestRecord, policies []models.Policy, auditPolicies map[string]models.AuditPolicy, exec models.ExecutionContext) models.BatchItemResult {
	result := models.BatchItemResult{
		Index:  index,
		Method: rec.Method,
		Path:   rec.Path,
	}

	vctx := &models.ValidationContext{
		ClientIP:        rec.IP,
		Endpoint:        rec.Path,
		Method:          rec.Method,
		RequestHeaders:  parseHeaders(rec.RequestHeaders),
		ResponseHeaders: parseHeaders(rec.ResponseHeaders),
		MCPServerName:   rec.MCPServerName,
		Policies:        policies,
		AuditPolicies:   auditPolicies,
		HasAuditRules:   len(auditPolicies) > 0,
		RateLimit:       models.DefaultRateLimitConfig(),
		Exec:            exec,
	}

	// Go has no exceptions; recover() is the equivalent per-half guard
	// against a validator panic, so one bad record cannot abort the batch.
	if rec.RequestPayload != "" {
		func() {
			defer func() {
				if r := recover(); r != nil {
					result.RequestError = "panic during request validation"
				}
			}()
			vctx.RawRequest = rec.RequestPayload
			res := p.engine.ValidateRequest(ctx, vctx)
			result.RequestAllowed = res.Allowed
			result.RequestModified = res.Modified
			result.RequestModifiedPayload = res.ModifiedPayload
		}()
	} else {
		result.RequestAllowed = true
	}

	if rec.ResponsePayload != "" {
		func() {
			defer func() {
				if r := recover(); r != nil {
					result.ResponseError = "panic during response validation"
				}
			}()
			vctx.RawResponse = rec.ResponsePayload
			res := p.engine.ValidateResponse(ctx, vctx)
			result.ResponseAllowed = res.Allowed
			result.ResponseModified = res.Modified
			result.ResponseModifiedPayload = res.ModifiedPayload
		}()

		if p.metaauditor != nil {
			func() {
				defer func() {
					recover() // a metadata-audit panic must not fail the batch item
				}()
				p.metaauditor.Audit(ctx, rec.Method, rec.ResponsePayload, rec.Path)
			}()
		}
	} else {
		result.ResponseAllowed = true
	}

	return result
}

func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil
	}
	return headers
}
