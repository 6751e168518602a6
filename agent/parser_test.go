package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/helmsman/llm"
)

func textResponse(text string) *llm.Response {
	return &llm.Response{Message: llm.Message{
		Role:    llm.RoleAssistant,
		Content: []llm.ContentPart{llm.TextPart(text)},
	}}
}

func TestParseReplyStructuredCalls(t *testing.T) {
	resp := &llm.Response{Message: llm.Message{
		Role: llm.RoleAssistant,
		Content: []llm.ContentPart{
			llm.TextPart("Reading the file now."),
			llm.ToolCallPart("c1", "read_file", json.RawMessage(`{"file_path":"a.go"}`)),
		},
	}}

	result := ParseReply(resp)
	require.True(t, result.Parsed())
	require.Len(t, result.Calls, 1)
	assert.Equal(t, "c1", result.Calls[0].ID)
	assert.Equal(t, "read_file", result.Calls[0].Name)
	assert.Equal(t, "Reading the file now.", result.Text)
}

func TestParseReplyPlainText(t *testing.T) {
	result := ParseReply(textResponse("The refactor is complete. All tests pass."))
	assert.False(t, result.Parsed())
	assert.Equal(t, "The refactor is complete. All tests pass.", result.Text)
}

func TestFallbackParseEnvelope(t *testing.T) {
	text := `I'll check the directory first.
{"tool_calls": [{"name": "list_directory", "arguments": {"path": "."}}]}`

	result := ParseReply(textResponse(text))
	require.True(t, result.Parsed())
	require.Len(t, result.Calls, 1)
	assert.Equal(t, "list_directory", result.Calls[0].Name)
	assert.JSONEq(t, `{"path":"."}`, string(result.Calls[0].Arguments))
	assert.NotEmpty(t, result.Calls[0].ID, "fallback calls get synthesized ids")
	assert.Equal(t, "I'll check the directory first.", result.Text)
}

func TestFallbackParseBareArray(t *testing.T) {
	text := `[{"name": "grep", "arguments": {"pattern": "TODO"}}, {"name": "read_file", "input": {"file_path": "main.go"}}]`

	result := ParseReply(textResponse(text))
	require.True(t, result.Parsed())
	require.Len(t, result.Calls, 2)
	assert.Equal(t, "grep", result.Calls[0].Name)
	assert.Equal(t, "read_file", result.Calls[1].Name)
	assert.JSONEq(t, `{"file_path":"main.go"}`, string(result.Calls[1].Arguments),
		`the "input" payload key is accepted too`)
}

func TestFallbackParseFencedJSON(t *testing.T) {
	text := "Next step:\n```json\n{\"name\": \"shell\", \"arguments\": {\"command\": \"go test ./...\"}}\n```\nRunning it."

	result := ParseReply(textResponse(text))
	require.True(t, result.Parsed())
	require.Len(t, result.Calls, 1)
	assert.Equal(t, "shell", result.Calls[0].Name)
}

func TestFallbackParseTaggedMarkup(t *testing.T) {
	text := `<tool_call>{"name": "write_file", "arguments": {"file_path": "x.txt", "content": "hi"}}</tool_call>`

	result := ParseReply(textResponse(text))
	require.True(t, result.Parsed())
	require.Len(t, result.Calls, 1)
	assert.Equal(t, "write_file", result.Calls[0].Name)
}

func TestFallbackParseIgnoresNonToolJSON(t *testing.T) {
	text := `The config looks like {"timeout": 30, "retries": 3} which seems fine.`

	result := ParseReply(textResponse(text))
	assert.False(t, result.Parsed(), "JSON without a tool name is not a call")
	assert.Equal(t, text, result.Text)
}

func TestBalancedJSONStopsAtValueEnd(t *testing.T) {
	s := `{"a": {"b": "}"}} trailing prose`
	assert.Equal(t, `{"a": {"b": "}"}}`, balancedJSON(s))
}
