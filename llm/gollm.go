package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider wraps a gollm.LLM instance and implements Provider. It
// translates between this package's types and gollm's prompt API.
type GollmProvider struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key; when empty, gollm reads it from the
// provider's environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max output tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmProvider creates a provider adapter for the named backend.
func NewGollmProvider(provider string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{maxTokens: 8192, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		for _, m := range Models {
			if m.Provider == provider {
				model = m.ID
				break
			}
		}
	}
	if model == "" {
		return nil, &ConfigurationError{BaseError: BaseError{
			Message: fmt.Sprintf("no model configured or known for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the retry middleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm backend for %s: %w", provider, err)
	}

	return &GollmProvider{provider: provider, llm: inner, model: model}, nil
}

// Name returns the provider identifier.
func (p *GollmProvider) Name() string { return p.provider }

// Complete sends a blocking request and returns the full response.
func (p *GollmProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := p.translateRequest(req)
	p.applyRequestOptions(req)

	text, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, Classify(err, p.provider)
	}
	return p.buildResponse(req, text), nil
}

// translateRequest converts a Request into a gollm Prompt. gollm takes a
// single prompt string plus a system prompt, so the conversation is
// flattened with role prefixes.
func (p *GollmProvider) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				var content string
				_ = json.Unmarshal(part.ToolResult.Content, &content)
				if content == "" {
					content = string(part.ToolResult.Content)
				}
				prefix := "[Tool Result]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error]"
				}
				parts = append(parts, prefix+": "+content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = " "
	}

	var promptOpts []gollm.PromptOption
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the backend.
func (p *GollmProvider) applyRequestOptions(req Request) {
	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		p.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		p.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a Response from the generated text. gollm may
// return tool calls embedded in text; structured extraction is attempted
// here, and the control loop applies its own fallback parse on top.
func (p *GollmProvider) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var parts []ContentPart
	toolCalls := extractEmbeddedToolCalls(text)
	cleaned := text
	if len(toolCalls) > 0 {
		for _, marker := range []string{`{"tool_calls"`, `[{"name"`} {
			if idx := strings.Index(cleaned, marker); idx != -1 {
				cleaned = strings.TrimSpace(cleaned[:idx])
			}
		}
	}
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
	}
	for i := range toolCalls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &toolCalls[i]})
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inputEst := 0
	for _, msg := range req.Messages {
		inputEst += len(msg.TextContent()) / 4
	}
	outputEst := len(text) / 4

	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: p.provider,
		Message:  Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		// gollm does not expose usage; estimated from text length.
		Usage: Usage{
			InputTokens:  inputEst,
			OutputTokens: outputEst,
			TotalTokens:  inputEst + outputEst,
		},
	}
}

// extractEmbeddedToolCalls parses tool calls that gollm surfaces as JSON
// inside the response text.
func extractEmbeddedToolCalls(text string) []ToolCallData {
	start := strings.Index(text, `{"tool_calls"`)
	if start == -1 {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]ToolCallData, 0, len(rawCalls))
	for _, rc := range rawCalls {
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}
