// Package threat implements the Threat Reporter (spec.md §4.8): builds
// a canonical MaliciousEvent and POSTs it to the threat backend,
// detached from the request path so it survives request termination.
package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/audit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metrics"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

const reportTimeout = 10 * time.Second

// Reporter constructs and sends MaliciousEvent records.
type Reporter struct {
	url        string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	auditLog   *audit.Logger
	now        func() time.Time
}

// New builds a Reporter wired to cfg's threat-backend settings.
func New(cfg *config.Config, breaker *circuitbreaker.Manager, auditLog *audit.Logger) *Reporter {
	return &Reporter{
		url:        cfg.ThreatBackendURL,
		token:      cfg.ThreatBackendToken,
		httpClient: &http.Client{Timeout: reportTimeout},
		breaker:    breaker,
		auditLog:   auditLog,
		now:        time.Now,
	}
}

// Input collects everything Report needs to build one MaliciousEvent.
type Input struct {
	ClientIP        string
	FilterID        string // owning policy id, also the threat-backend grouping key
	Endpoint        string
	Method          string // HTTP method of the mirrored call
	StatusCode      int
	RequestPayload  string
	ResponsePayload string
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
}

// Report builds and sends a MaliciousEvent. It must be called through
// vctx.Exec.Go by the caller so it survives request termination; Report
// itself performs no detachment.
func (r *Reporter) Report(ctx context.Context, in Input) {
	if r.token == "" {
		slog.Debug("threat backend token not configured, skipping report", "filter_id", in.FilterID)
		metrics.RecordThreatReport(in.FilterID, "skipped")
		return
	}

	event := buildEvent(in, r.now)

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal malicious event", "error", err)
		metrics.RecordThreatReport(in.FilterID, "error")
		return
	}

	err = r.breaker.ExecuteThreatBackend(ctx, func() error {
		return r.post(ctx, payload)
	})
	if err != nil {
		slog.Warn("threat report failed", "error", err, "filter_id", in.FilterID)
		metrics.RecordThreatReport(in.FilterID, "error")
		r.auditLog.LogThreatReported(ctx, in.FilterID, false)
		return
	}

	metrics.RecordThreatReport(in.FilterID, "sent")
	r.auditLog.LogThreatReported(ctx, in.FilterID, true)
}

func (r *Reporter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("threat backend returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// buildEvent constructs the MaliciousEvent per spec.md §4.8, including
// the latestApiCollectionId-equals-current-timestamp quirk called out
// in §9(e) as unintended but load-bearing; preserved verbatim.
func buildEvent(in Input, now func() time.Time) models.MaliciousEvent {
	nowUnix := now().Unix()

	method := in.Method
	if method == "" {
		method = "POST"
	}
	ip := in.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	path := in.Endpoint
	if path == "" {
		path = "/mcp/unknown"
	}
	statusCode := in.StatusCode
	if statusCode == 0 {
		statusCode = 200
	}

	reqHeaders, _ := json.Marshal(in.RequestHeaders)
	respHeaders, _ := json.Marshal(in.ResponseHeaders)

	body := models.LatestAPIPayloadBody{
		Method:          method,
		RequestPayload:  in.RequestPayload,
		ResponsePayload: in.ResponsePayload,
		IP:              ip,
		DestIP:          ip,
		Source:          "OTHER",
		Type:            "http",
		AktoVxlanID:     "",
		Path:            path,
		RequestHeaders:  string(reqHeaders),
		ResponseHeaders: string(respHeaders),
		Time:            0,
		AktoAccountID:   "",
		StatusCode:      statusCode,
		Status:          "OK",
	}
	payloadJSON, _ := json.Marshal(body)

	detectedAt := fmt.Sprintf("%d", nowUnix)

	return models.MaliciousEvent{
		Actor:             ip,
		FilterID:          in.FilterID,
		DetectedAt:        detectedAt,
		LatestAPIIP:       ip,
		LatestAPIEndpoint: path,
		LatestAPIMethod:   method,
		// latestApiCollectionId reuses the same value as detectedAt,
		// not a real collection id. Preserved per spec.md §9(e).
		LatestAPICollectionID: detectedAt,
		LatestAPIPayload:      string(payloadJSON),
		EventType:             "EVENT_TYPE_SINGLE",
		Category:              in.FilterID,
		SubCategory:           in.FilterID,
		Severity:              "CRITICAL",
		Type:                  "Rule-Based",
		Metadata:              map[string]interface{}{"countryCode": "IN"},
	}
}
