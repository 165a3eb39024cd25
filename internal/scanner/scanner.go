// Package scanner implements the remote Scanner Client (spec.md §4.6):
// parallel fan-out to an external content-scanning endpoint, one call
// per (filter-type, scanner-name), under a single global deadline.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metrics"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

// maxTextBytes is the 1 MiB size cutoff past which text is rejected
// before any network call is attempted.
const maxTextBytes = 1 << 20

// scannerNamesByFilterType maps a FilterRuleType to the remote scanner
// names that implement it. Only scanner filter types appear here
// (banTopics and banSubstrings included); the rest (pii, regex, audit,
// componentMetadata) are never sent here, and pii and regex are handled
// by local matchers.
var scannerNamesByFilterType = map[models.FilterRuleType][]string{
	models.RuleHarmfulCategories: {"Toxicity"},
	models.RulePromptAttacks:     {"PromptInjection"},
	models.RuleBanSubstrings:     {"BanSubstrings"},
	models.RuleBanTopics:         {"BanTopics"},
}

// ScannerNames returns the remote scanner names bound to ruleType, or
// nil if ruleType is not a scanner filter type.
func ScannerNames(ruleType models.FilterRuleType) []string {
	return scannerNamesByFilterType[ruleType]
}

// Task is one scanner invocation to fan out, tagged with the policy it
// came from so the orchestrator can attribute a block.
type Task struct {
	ScannerType  string // the FilterRuleType string, e.g. "promptAttacks"
	ScannerName  string // e.g. "PromptInjection"
	Text         string
	Config       map[string]interface{}
	PolicyID     string
	PolicyName   string
}

// Result is one scanner's verdict.
type Result struct {
	Task      Task
	IsValid   bool
	RiskScore float64
	Details   string
	Err       error
}

// Client fans tasks out to the remote scanner endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	deadline   time.Duration
}

// New builds a Client. deadline is the single global fan-out deadline
// (spec.md §4.6 fixes this at 5 seconds).
func New(url string, breaker *circuitbreaker.Manager, deadline time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: deadline},
		breaker:    breaker,
		deadline:   deadline,
	}
}

// Scan runs every task concurrently under a single deadline. Failures
// (including deadline expiry for in-flight calls) are reported as
// Result.Err, never as is_valid=false — only the remote scanner decides
// validity. Ordering among results is not guaranteed.
func (c *Client) Scan(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	results := make([]Result, len(tasks))
	done := make(chan int, len(tasks))

	for i, task := range tasks {
		go func(i int, task Task) {
			results[i] = c.scanOne(ctx, task)
			done <- i
		}(i, task)
	}

	for range tasks {
		<-done
	}

	return results
}

func (c *Client) scanOne(ctx context.Context, task Task) Result {
	if len(task.Text) > maxTextBytes {
		metrics.RecordScannerCall(task.ScannerName, "error")
		return Result{Task: task, Err: fmt.Errorf("text exceeds 1 MiB, rejected before scan")}
	}

	var resp scanResponseWire
	err := c.breaker.ExecuteScanner(ctx, func() error {
		var callErr error
		resp, callErr = c.post(ctx, task)
		return callErr
	})
	if err != nil {
		slog.Warn("scanner call failed", "scanner", task.ScannerName, "error", err)
		metrics.RecordScannerCall(task.ScannerName, "error")
		return Result{Task: task, Err: err}
	}

	outcome := "valid"
	if !resp.IsValid {
		outcome = "invalid"
	}
	metrics.RecordScannerCall(task.ScannerName, outcome)

	return Result{
		Task:      task,
		IsValid:   resp.IsValid,
		RiskScore: resp.RiskScore,
		Details:   resp.Details,
	}
}

type scanRequestWire struct {
	Text        string                 `json:"text"`
	ScannerType string                 `json:"scanner_type"`
	ScannerName string                 `json:"scanner_name"`
	Config      map[string]interface{} `json:"config"`
}

type scanResponseWire struct {
	ScannerName string  `json:"scanner_name"`
	IsValid     bool    `json:"is_valid"`
	RiskScore   float64 `json:"risk_score"`
	Details     string  `json:"details"`
}

func (c *Client) post(ctx context.Context, task Task) (scanResponseWire, error) {
	reqBody := scanRequestWire{
		Text:        task.Text,
		ScannerType: task.ScannerType,
		ScannerName: task.ScannerName,
		Config:      task.Config,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return scanResponseWire{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return scanResponseWire{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scanResponseWire{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return scanResponseWire{}, fmt.Errorf("scanner %s returned status %d: %s", task.ScannerName, resp.StatusCode, string(body))
	}

	var out scanResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scanResponseWire{}, err
	}
	return out, nil
}
