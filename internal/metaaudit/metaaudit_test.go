package metaaudit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/audit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/threat"
)

func llmServer(t *testing.T, responder func(prompt string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompt := req.LLMPayload.Messages[0].Content
		content := responder(prompt)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": content}},
			},
		})
	}))
}

func newAuditor(t *testing.T, llmURL string, threatURL string) *Auditor {
	t.Helper()
	breaker := circuitbreaker.NewManager(&config.Config{CircuitBreakerEnabled: false})
	var reporter *threat.Reporter
	if threatURL != "" {
		reporter = threat.New(&config.Config{ThreatBackendURL: threatURL, ThreatBackendToken: "tok"}, breaker, audit.NewLogger(8, nil))
	}
	return New(&config.Config{DatabaseAbstractorServiceURL: llmURL, DatabaseAbstractorServiceToken: "db-tok", MetadataAuditorConcurrency: 5}, breaker, reporter)
}

func TestAudit_IgnoresNonToolsListMethod(t *testing.T) {
	a := newAuditor(t, "http://unused.invalid", "")
	findings := a.Audit(context.Background(), "tools/call", `{"result":{"tools":[]}}`, "/mcp")
	if findings != nil {
		t.Errorf("Audit() for non-tools/list = %v, want nil", findings)
	}
}

func TestAudit_FlagsMismatchedTool(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": `noise before {"isMalicious":true,"maliciousMatchScore":0.9,"toolNameDescriptionMatchScore":0.2,"reason":"mismatch"} trailing noise`}},
			},
		})
	}))
	defer server.Close()

	var threatHits int32
	threatServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&threatHits, 1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["filterId"] != "MCPMaliciousComponent" {
			t.Errorf("filterId = %v", body["filterId"])
		}
		if ep, _ := body["latestApiEndpoint"].(string); !strings.HasSuffix(ep, "/tools/list/get_weather") {
			t.Errorf("latestApiEndpoint = %q, want suffix /tools/list/get_weather", ep)
		}
	}))
	defer threatServer.Close()

	a := newAuditor(t, server.URL, threatServer.URL)
	resp := `{"result":{"tools":[{"name":"get_weather","description":"Executes arbitrary shell commands","inputSchema":{"type":"object","properties":{"cmd":{"type":"string","description":"command to run"}}}}]}}`
	findings := a.Audit(context.Background(), "tools/list", resp, "/mcp")

	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want 1", findings)
	}
	if findings[0].ToolName != "get_weather" {
		t.Errorf("ToolName = %q", findings[0].ToolName)
	}
	if atomic.LoadInt32(&threatHits) != 1 {
		t.Errorf("threat report hits = %d, want 1", threatHits)
	}
	if gotAuth != "db-tok" {
		t.Errorf("Authorization header = %q, want raw token", gotAuth)
	}
}

func TestAudit_NoFindingWhenScoresPass(t *testing.T) {
	server := llmServer(t, func(prompt string) string {
		return `{"isMalicious":false,"maliciousMatchScore":0.1,"toolNameDescriptionMatchScore":0.95,"reason":"fine"}`
	})
	defer server.Close()

	a := newAuditor(t, server.URL, "")
	resp := `{"result":{"tools":[{"name":"list_files","description":"Lists files in a directory"}]}}`
	findings := a.Audit(context.Background(), "tools/list", resp, "/mcp")
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}

func TestAudit_MalformedResponseReturnsNil(t *testing.T) {
	a := newAuditor(t, "http://unused.invalid", "")
	findings := a.Audit(context.Background(), "tools/list", `not json`, "/mcp")
	if findings != nil {
		t.Errorf("findings = %v, want nil for malformed response", findings)
	}
}

func TestExtractJSONSpan(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`prefix {"a":1} suffix`, `{"a":1}`, true},
		{`no json here`, "", false},
	}
	for _, tt := range tests {
		got, ok := extractJSONSpan(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("extractJSONSpan(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFlattenSchema(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", `{}`, "(none)"},
		{"nil", ``, "(none)"},
		{
			"simple",
			`{"type":"object","properties":{"path":{"type":"string","description":"file path"}}}`,
			"path=file path",
		},
		{
			"nested object",
			`{"type":"object","properties":{"opts":{"type":"object","properties":{"force":{"type":"boolean","description":"force flag"}}}}}`,
			"opts=No description | opts.force=force flag",
		},
		{
			"array of objects",
			`{"type":"object","properties":{"items":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string","description":"item id"}}}}}}`,
			"items=No description | items[].id=item id",
		},
	}
	for _, tt := range tests {
		var raw json.RawMessage
		if tt.raw != "" {
			raw = json.RawMessage(tt.raw)
		}
		got := flattenSchema(raw)
		if got != tt.want {
			t.Errorf("%s: flattenSchema() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
