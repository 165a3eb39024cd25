package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/audit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/batch"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/detach"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/engine"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/policy"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/ratelimit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/scanner"

	"github.com/go-redis/redis/v8"
)

type fakeRLStore struct{ cells map[string][]byte }

func (f *fakeRLStore) RateLimitCellGet(_ context.Context, key string) ([]byte, error) {
	v, ok := f.cells[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}
func (f *fakeRLStore) RateLimitCellSet(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.cells[key] = value
	return nil
}

func newTestServer(t *testing.T, policyServerURL string) *Server {
	t.Helper()
	cfg := &config.Config{
		GatewayAPIKey:                  "test-gateway-key",
		HealthCheckTimeout:             time.Second,
		RequestTimeout:                 5 * time.Second,
		CORSAllowedOrigins:             []string{"*"},
		CORSAllowedMethods:             []string{"GET", "POST"},
		CORSAllowedHeaders:             []string{"Authorization", "Content-Type"},
		DatabaseAbstractorServiceURL:   policyServerURL,
		DatabaseAbstractorServiceToken: "db-tok",
		CircuitBreakerEnabled:          false,
	}

	breaker := circuitbreaker.NewManager(cfg)
	auditLog := audit.NewLogger(8, nil)
	pc := policy.New(cfg, nilCache{}, breaker, auditLog)
	rl := ratelimit.New(&fakeRLStore{cells: map[string][]byte{}}, nil)
	sc := scanner.New("http://unused.invalid", breaker, 5*time.Second)
	e := engine.New(rl, sc, nil, nil)
	bp := batch.New(e, pc, nil)
	exec := detach.NewGroup()

	return NewServer(cfg, nil, nil, e, pc, bp, exec, "test")
}

// nilCache satisfies the minimal cache surface policy.New expects
// without hitting a live Redis connection in tests. Every call misses,
// which is fine: these tests exercise the HTTP layer, not caching.
type nilCache struct{}

func (nilCache) Get(_ context.Context, _ string) ([]byte, error) { return nil, redis.Nil }
func (nilCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
func (nilCache) Delete(_ context.Context, _ string) error { return nil }

func TestValidateRequest_RequiresAuth(t *testing.T) {
	policyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]interface{}{})
	}))
	defer policyServer.Close()

	s := newTestServer(t, policyServer.URL)
	req := httptest.NewRequest(http.MethodPost, "/api/validate/request", bytes.NewBufferString(`{"payload":"{}"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without Authorization header", rec.Code)
	}
}

func TestValidateRequest_AllowsCleanPayload(t *testing.T) {
	policyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/fetchGuardrailPolicies":
			_ = json.NewEncoder(w).Encode([]interface{}{})
		case "/api/fetchMcpAuditInfo":
			_ = json.NewEncoder(w).Encode([]interface{}{})
		}
	}))
	defer policyServer.Close()

	s := newTestServer(t, policyServer.URL)
	req := httptest.NewRequest(http.MethodPost, "/api/validate/request", bytes.NewBufferString(`{"payload":"{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-gateway-key")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp validatePayloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("resp = %+v, want allowed", resp)
	}
}

func TestIngestData_ProcessesBatchInOrder(t *testing.T) {
	policyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/fetchGuardrailPolicies":
			_ = json.NewEncoder(w).Encode([]interface{}{})
		case "/api/fetchMcpAuditInfo":
			_ = json.NewEncoder(w).Encode([]interface{}{})
		}
	}))
	defer policyServer.Close()

	s := newTestServer(t, policyServer.URL)
	body := ingestRequest{BatchData: []models.IngestRecord{
		{Method: "POST", Path: "/mcp", RequestPayload: `{"jsonrpc":"2.0","method":"ping"}`},
	}}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/ingestData", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-gateway-key")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["result"] != "SUCCESS" {
		t.Errorf("result = %v, want SUCCESS", resp["result"])
	}
}

func TestVersion_NoAuthRequired(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
