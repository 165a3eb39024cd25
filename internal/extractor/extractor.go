// Package extractor projects a raw MCP JSON-RPC payload into the single
// scannable string that the validators and remote scanners operate on.
// It is pure: it never looks at policy state and never suspends.
package extractor

import (
	"encoding/json"
)

// SafeMethods are protocol-layer methods exempt from content scanning.
var SafeMethods = map[string]bool{
	"initialize":                 true,
	"initialized":                true,
	"ping":                       true,
	"$/cancelRequest":            true,
	"$/progress":                 true,
	"notifications/initialized":  true,
	"notifications/cancelled":    true,
	"notifications/progress":     true,
}

// envelope is the minimal JSON-RPC shape the extractor cares about;
// params is kept raw so per-method dispatch can decode it precisely.
type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Extract returns the scannable projection of a raw payload, or an empty
// string when the method is scan-exempt. Any parse failure or missing
// field falls back to returning the original payload verbatim, per the
// fail-open policy for unstructured input.
func Extract(raw string) string {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return raw
	}
	if env.Method == "" {
		return raw
	}
	if SafeMethods[env.Method] {
		return ""
	}
	if len(env.Params) == 0 {
		return raw
	}

	switch env.Method {
	case "tools/call":
		return extractToolsCall(env.Params, raw)
	case "sampling/createMessage", "prompts/get":
		return extractMessagesOrPrompt(env.Params, raw)
	case "resources/read":
		return extractResourceRead(env.Params, raw)
	default:
		return extractDefault(env.Params, raw)
	}
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// extractToolsCall builds the literal framing string downstream scanners
// depend on byte-for-byte; do not reformat it.
func extractToolsCall(params json.RawMessage, raw string) string {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return raw
	}
	args := p.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return "Tool: " + p.Name + "\nArguments:\n" + string(args) + "\nContext:\norigin: mcp_call"
}

type messagesParams struct {
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Prompt json.RawMessage `json:"prompt"`
}

// extractMessagesOrPrompt collects message content and/or a prompt field
// into a JSON array of tagged fragments, falling back to the original
// payload when nothing was collected.
func extractMessagesOrPrompt(params json.RawMessage, raw string) string {
	var p messagesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return raw
	}

	var fragments []map[string]json.RawMessage
	for _, m := range p.Messages {
		if len(m.Content) == 0 {
			continue
		}
		fragments = append(fragments, map[string]json.RawMessage{"_message_content": m.Content})
	}
	if len(p.Prompt) > 0 {
		fragments = append(fragments, map[string]json.RawMessage{"_prompt": p.Prompt})
	}

	if len(fragments) == 0 {
		return raw
	}
	out, err := json.Marshal(fragments)
	if err != nil {
		return raw
	}
	return string(out)
}

type resourceReadParams struct {
	URI json.RawMessage `json:"uri"`
}

func extractResourceRead(params json.RawMessage, raw string) string {
	var p resourceReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return raw
	}
	if len(p.URI) == 0 {
		p.URI = json.RawMessage("null")
	}
	out, err := json.Marshal([]map[string]json.RawMessage{{"_resource_uri": p.URI}})
	if err != nil {
		return raw
	}
	return string(out)
}

func extractDefault(params json.RawMessage, raw string) string {
	out, err := json.Marshal([]json.RawMessage{params})
	if err != nil {
		return raw
	}
	return string(out)
}

// ResourceName extracts the resource name an audit policy is keyed by,
// mirroring Extract's per-method dispatch: tools/call and prompts/get
// use params.name, resources/read uses params.uri, everything else
// yields an empty name (audit does not apply).
func ResourceName(method string, params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	switch method {
	case "tools/call", "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ""
		}
		return p.Name
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ""
		}
		return p.URI
	default:
		return ""
	}
}

// ParseMethod extracts the method and raw params from a payload without
// running the full scannable-string projection; used by the rate-limit
// and audit validators, which need the parsed method/params but not the
// scanner text itself.
func ParseMethod(raw string) (method string, params json.RawMessage, ok bool) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", nil, false
	}
	if env.Method == "" {
		return "", nil, false
	}
	return env.Method, env.Params, true
}
