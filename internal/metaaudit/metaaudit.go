// Package metaaudit implements the Metadata Auditor (spec.md §4.9):
// when a tools/list response passes through, it asks an LLM to judge
// whether each tool's declared name matches its behavior, and reports
// the ones that don't.
package metaaudit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metrics"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/threat"
)

const (
	requestTimeout  = 30 * time.Second
	maxSchemaDepth  = 5
	maliciousScoreThreshold = 0.75
	mismatchScoreThreshold  = 0.7
)

const promptTemplate = `You are a security analyst reviewing a tool exposed by an MCP server. Decide whether the tool's name and description are consistent with what it actually does, based on its declared input schema.

Tool name: %s
Tool description: %s
Input parameters: %s

Respond with strict JSON only, no prose, matching exactly this shape:
{"isMalicious": <boolean>, "maliciousMatchScore": <number 0-1>, "toolNameDescriptionMatchScore": <number 0-1>, "reason": "<short explanation>"}

maliciousMatchScore measures how likely the tool is to perform a harmful or unexpected action. toolNameDescriptionMatchScore measures how well the name and description match the declared behavior (1.0 = perfect match, 0.0 = no relation).`

// toolDescriptor is a lenient local decoding of one entry in
// response.result.tools — deliberately not an SDK type, since any
// upstream server's encoding must be tolerated, not just one SDK's.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Result struct {
		Tools []toolDescriptor `json:"tools"`
	} `json:"result"`
}

// Finding is one tool that crossed the malicious/mismatch threshold.
type Finding struct {
	ToolName                      string
	IsMalicious                   bool
	MaliciousMatchScore           float64
	ToolNameDescriptionMatchScore float64
	Reason                        string
}

// Auditor runs the LLM-backed metadata audit.
type Auditor struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	breaker     *circuitbreaker.Manager
	threat      *threat.Reporter
	concurrency int
}

// New builds an Auditor wired to cfg's database-abstractor settings.
func New(cfg *config.Config, breaker *circuitbreaker.Manager, threatReporter *threat.Reporter) *Auditor {
	concurrency := cfg.MetadataAuditorConcurrency
	if concurrency < 1 {
		concurrency = 5
	}
	return &Auditor{
		baseURL:     cfg.DatabaseAbstractorServiceURL,
		token:       cfg.DatabaseAbstractorServiceToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
		breaker:     breaker,
		threat:      threatReporter,
		concurrency: concurrency,
	}
}

// Audit activates only for tools/list responses. rawResponse is the
// raw JSON-RPC response body; originalEndpoint is the endpoint the
// tools/list call arrived on, used to build the synthetic per-tool
// endpoint in threat reports.
func (a *Auditor) Audit(ctx context.Context, method string, rawResponse string, originalEndpoint string) []Finding {
	if method != "tools/list" || rawResponse == "" {
		return nil
	}

	var parsed toolsListResult
	if err := json.Unmarshal([]byte(rawResponse), &parsed); err != nil {
		slog.Warn("metaaudit: failed to parse tools/list response", "error", err)
		return nil
	}
	if len(parsed.Result.Tools) == 0 {
		return nil
	}

	sem := make(chan struct{}, a.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var findings []Finding

	for _, tool := range parsed.Result.Tools {
		tool := tool
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			verdict, err := a.evaluate(ctx, tool)
			if err != nil {
				slog.Warn("metaaudit: evaluation failed", "tool", tool.Name, "error", err)
				return
			}
			if verdict.MaliciousMatchScore <= maliciousScoreThreshold && verdict.ToolNameDescriptionMatchScore >= mismatchScoreThreshold {
				metrics.RecordMetadataAudit(false)
				return
			}

			finding := Finding{
				ToolName:                      tool.Name,
				IsMalicious:                   verdict.IsMalicious,
				MaliciousMatchScore:           verdict.MaliciousMatchScore,
				ToolNameDescriptionMatchScore: verdict.ToolNameDescriptionMatchScore,
				Reason:                        verdict.Reason,
			}

			mu.Lock()
			findings = append(findings, finding)
			mu.Unlock()

			metrics.RecordMetadataAudit(true)
			a.reportFinding(ctx, tool, finding, originalEndpoint)
		}()
	}
	wg.Wait()

	return findings
}

func (a *Auditor) reportFinding(ctx context.Context, tool toolDescriptor, finding Finding, originalEndpoint string) {
	if a.threat == nil {
		return
	}
	filteredResponse, err := json.Marshal(map[string]interface{}{
		"result": map[string]interface{}{
			"tools": []toolDescriptor{tool},
		},
	})
	if err != nil {
		return
	}
	a.threat.Report(ctx, threat.Input{
		FilterID:        "MCPMaliciousComponent",
		Endpoint:        fmt.Sprintf("%s/tools/list/%s", strings.TrimSuffix(originalEndpoint, "/"), tool.Name),
		ResponsePayload: string(filteredResponse),
	})
}

type llmVerdict struct {
	IsMalicious                   bool    `json:"isMalicious"`
	MaliciousMatchScore           float64 `json:"maliciousMatchScore"`
	ToolNameDescriptionMatchScore float64 `json:"toolNameDescriptionMatchScore"`
	Reason                        string  `json:"reason"`
}

func (a *Auditor) evaluate(ctx context.Context, tool toolDescriptor) (llmVerdict, error) {
	prompt := fmt.Sprintf(promptTemplate, tool.Name, orDefault(tool.Description), flattenSchema(tool.InputSchema))

	var content string
	err := a.breaker.ExecuteLLM(ctx, func() error {
		var callErr error
		content, callErr = a.callLLM(ctx, prompt)
		return callErr
	})
	if err != nil {
		return llmVerdict{}, err
	}

	jsonSpan, ok := extractJSONSpan(content)
	if !ok {
		return llmVerdict{}, fmt.Errorf("LLM response had no JSON object")
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(jsonSpan), &verdict); err != nil {
		return llmVerdict{}, fmt.Errorf("failed to parse LLM verdict: %w", err)
	}
	return verdict, nil
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmPayload struct {
	Temperature      float64      `json:"temperature"`
	TopP             float64      `json:"top_p"`
	MaxTokens        int          `json:"max_tokens"`
	FrequencyPenalty float64      `json:"frequency_penalty"`
	PresencePenalty  float64      `json:"presence_penalty"`
	Messages         []llmMessage `json:"messages"`
}

type llmRequest struct {
	LLMPayload llmPayload `json:"llmPayload"`
}

type llmChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type llmResponse struct {
	Choices []llmChoice `json:"choices"`
}

func (a *Auditor) callLLM(ctx context.Context, prompt string) (string, error) {
	reqBody := llmRequest{LLMPayload: llmPayload{
		Temperature:      0.1,
		TopP:             0.9,
		MaxTokens:        10000,
		FrequencyPenalty: 0,
		PresencePenalty:  0.6,
		Messages:         []llmMessage{{Role: "system", Content: prompt}},
	}}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/api/getLLMResponseV2"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("LLM endpoint returned status %d", resp.StatusCode)
	}

	var out llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("LLM response had no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// extractJSONSpan returns the substring from the first "{" to the last
// "}", tolerating prose the model wraps around the JSON object.
func extractJSONSpan(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

func orDefault(s string) string {
	if s == "" {
		return "No description"
	}
	return s
}

// flattenSchema walks a JSON Schema "properties" object, emitting
// name=<description or "No description"> segments joined by " | ".
// object properties recurse under name.child, array-of-object
// properties recurse under name[].child, depth is capped at 5, and an
// empty result yields "(none)".
func flattenSchema(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return "(none)"
	}
	segments := flattenProperties(schema, "", 0)
	if len(segments) == 0 {
		return "(none)"
	}
	return strings.Join(segments, " | ")
}

func flattenProperties(schema map[string]interface{}, prefix string, depth int) []string {
	if depth >= maxSchemaDepth {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	var segments []string
	for name, raw := range props {
		propSchema, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		fullName := name
		if prefix != "" {
			fullName = prefix + "." + name
		}
		desc, _ := propSchema["description"].(string)
		segments = append(segments, fmt.Sprintf("%s=%s", fullName, orDefault(desc)))

		switch propSchema["type"] {
		case "object":
			segments = append(segments, flattenProperties(propSchema, fullName, depth+1)...)
		case "array":
			if items, ok := propSchema["items"].(map[string]interface{}); ok {
				segments = append(segments, flattenProperties(items, fullName+"[]", depth+1)...)
			}
		}
	}
	return segments
}
