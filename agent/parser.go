package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/martinemde/helmsman/llm"
)

// ParseResult is the tagged outcome of reply parsing: either a set of
// tool calls or plain text.
type ParseResult struct {
	Calls []llm.ToolCall
	Text  string
}

// Parsed reports whether the reply yielded tool calls.
func (r ParseResult) Parsed() bool { return len(r.Calls) > 0 }

// ParseReply extracts tool calls from a provider response. Structured
// calls are preferred; when the response carries none but the text looks
// tool-shaped, a fallback textual parse is attempted before giving up.
func ParseReply(resp *llm.Response) ParseResult {
	text := resp.Text()

	if structured := resp.ToolCalls(); len(structured) > 0 {
		return ParseResult{Calls: structured, Text: text}
	}

	if calls := fallbackParse(text); len(calls) > 0 {
		return ParseResult{Calls: calls, Text: stripToolMarkup(text)}
	}
	return ParseResult{Text: text}
}

// rawCall is the permissive shape accepted by the fallback parse. Models
// vary between "arguments" and "input" for the payload key.
type rawCall struct {
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Input     json.RawMessage `json:"input"`
}

func (rc rawCall) toCall() (llm.ToolCall, bool) {
	name := rc.Name
	if name == "" {
		name = rc.Tool
	}
	if name == "" {
		return llm.ToolCall{}, false
	}
	args := rc.Arguments
	if len(args) == 0 {
		args = rc.Input
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return llm.ToolCall{
		ID:        "call_" + uuid.New().String()[:8],
		Name:      name,
		Arguments: args,
	}, true
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")
	toolCallTag  = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
)

// fallbackParse scans free text for tool-call shapes: tagged markup,
// fenced JSON, and bare JSON objects or arrays carrying a tool name.
func fallbackParse(text string) []llm.ToolCall {
	var calls []llm.ToolCall

	for _, m := range toolCallTag.FindAllStringSubmatch(text, -1) {
		calls = append(calls, parseCandidate(m[1])...)
	}
	if len(calls) > 0 {
		return calls
	}

	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		calls = append(calls, parseCandidate(m[1])...)
	}
	if len(calls) > 0 {
		return calls
	}

	// Bare JSON: try the envelope form first, then a raw array or object.
	for _, marker := range []string{`{"tool_calls"`, `[{"name"`, `[{"tool"`, `{"name"`, `{"tool"`} {
		if idx := strings.Index(text, marker); idx != -1 {
			if calls = parseCandidate(balancedJSON(text[idx:])); len(calls) > 0 {
				return calls
			}
		}
	}
	return nil
}

// parseCandidate tries the known JSON shapes against one candidate blob.
func parseCandidate(blob string) []llm.ToolCall {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}

	var envelope struct {
		ToolCalls []rawCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(blob), &envelope); err == nil && len(envelope.ToolCalls) > 0 {
		return convertRaw(envelope.ToolCalls)
	}

	var list []rawCall
	if err := json.Unmarshal([]byte(blob), &list); err == nil {
		return convertRaw(list)
	}

	var single rawCall
	if err := json.Unmarshal([]byte(blob), &single); err == nil {
		if call, ok := single.toCall(); ok {
			return []llm.ToolCall{call}
		}
	}
	return nil
}

func convertRaw(raw []rawCall) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, rc := range raw {
		if call, ok := rc.toCall(); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// balancedJSON returns the prefix of s forming one balanced JSON value,
// or all of s if the braces never balance.
func balancedJSON(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return s
}

// stripToolMarkup removes parsed tool-call markup from the visible text.
func stripToolMarkup(text string) string {
	text = toolCallTag.ReplaceAllString(text, "")
	text = fencedJSONRe.ReplaceAllString(text, "")
	for _, marker := range []string{`{"tool_calls"`, `[{"name"`, `[{"tool"`} {
		if idx := strings.Index(text, marker); idx != -1 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}
