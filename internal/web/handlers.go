package web

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

type validatePayloadRequest struct {
	Payload string `json:"payload"`
}

type validatePayloadResponse struct {
	Allowed         bool   `json:"allowed"`
	Modified        bool   `json:"modified"`
	ModifiedPayload string `json:"modifiedPayload,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func resultToResponse(res models.ValidationResult) validatePayloadResponse {
	return validatePayloadResponse{
		Allowed:         res.Allowed,
		Modified:        res.Modified,
		ModifiedPayload: res.ModifiedPayload,
		Reason:          res.Reason,
	}
}

// buildContext assembles a ValidationContext for a single ad hoc
// validate call, fetching the current policy set live per spec.md §6's
// shared-resource policy ("fetched per batch or per call").
func (s *Server) buildContext(c echo.Context, dryRun bool) (*models.ValidationContext, error) {
	ctx := c.Request().Context()

	policies, err := s.policy.FetchGuardrailPolicies(ctx)
	if err != nil {
		return nil, err
	}
	auditPolicies := s.policy.FetchAuditPolicies(ctx)

	headers := map[string]string{}
	for k := range c.Request().Header {
		headers[k] = c.Request().Header.Get(k)
	}

	return &models.ValidationContext{
		ClientIP:        c.RealIP(),
		Endpoint:        c.Request().URL.Path,
		Method:          c.Request().Method,
		RequestHeaders:  headers,
		MCPServerName:   c.Request().Header.Get("X-MCP-Server-Name"),
		Policies:        policies,
		AuditPolicies:   auditPolicies,
		HasAuditRules:   len(auditPolicies) > 0,
		RateLimit:       models.DefaultRateLimitConfig(),
		Exec:            s.exec,
		DryRun:          dryRun,
	}, nil
}

func (s *Server) validateRequest(c echo.Context) error {
	var body validatePayloadRequest
	if err := c.Bind(&body); err != nil {
		return RespondWithError(c, ErrInvalidRequestBody)
	}

	vctx, err := s.buildContext(c, false)
	if err != nil {
		return RespondWithError(c, ErrInternalServer)
	}
	vctx.RawRequest = body.Payload

	res := s.engine.ValidateRequest(c.Request().Context(), vctx)
	return c.JSON(http.StatusOK, resultToResponse(res))
}

func (s *Server) validateResponse(c echo.Context) error {
	var body validatePayloadRequest
	if err := c.Bind(&body); err != nil {
		return RespondWithError(c, ErrInvalidRequestBody)
	}

	vctx, err := s.buildContext(c, false)
	if err != nil {
		return RespondWithError(c, ErrInternalServer)
	}
	vctx.RawResponse = body.Payload

	res := s.engine.ValidateResponse(c.Request().Context(), vctx)

	// The /api/validate/response wire contract is just {payload}, with no
	// field naming the request method this answers, so the metadata
	// auditor cannot be triggered honestly from here. It only runs where
	// the originating method is genuinely known: batch ingestion.

	return c.JSON(http.StatusOK, resultToResponse(res))
}

// validateDryRun runs the request pipeline tagged non-authoritative:
// no threat report is emitted, for policy-authoring tools to try a
// rule change against sample traffic without side effects.
func (s *Server) validateDryRun(c echo.Context) error {
	var body validatePayloadRequest
	if err := c.Bind(&body); err != nil {
		return RespondWithError(c, ErrInvalidRequestBody)
	}

	vctx, err := s.buildContext(c, true)
	if err != nil {
		return RespondWithError(c, ErrInternalServer)
	}
	vctx.RawRequest = body.Payload

	res := s.engine.ValidateRequest(c.Request().Context(), vctx)
	resp := resultToResponse(res)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"allowed":         resp.Allowed,
		"modified":        resp.Modified,
		"modifiedPayload": resp.ModifiedPayload,
		"reason":          resp.Reason,
		"dryRun":          true,
	})
}

type ingestRequest struct {
	BatchData []models.IngestRecord `json:"batchData"`
}

func (s *Server) ingestData(c echo.Context) error {
	var body ingestRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"result":  "ERROR",
			"errors":  []string{"invalid request body"},
		})
	}

	results := s.batch.Process(c.Request().Context(), body.BatchData, s.exec)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  "SUCCESS",
		"results": results,
	})
}

// policyCacheStatus exposes the policy store client's last-fetch
// timestamp and hit/miss counters (SPEC_FULL.md §5 supplemented
// endpoint), in the teacher's habit of exposing operational stats for
// stateful subsystems.
func (s *Server) policyCacheStatus(c echo.Context) error {
	status := s.policy.Status()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"lastFetch": time.Unix(status.LastFetchUnix, 0).UTC().Format(time.RFC3339),
		"hits":      status.Hits,
		"misses":    status.Misses,
	})
}
