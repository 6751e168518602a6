package llm

// ModelInfo describes a known model's capabilities. The control loop looks
// models up here instead of branching on provider names inline.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	// ContextWindow is the hard maximum input budget in tokens.
	ContextWindow int `json:"context_window"`
	// CompactThreshold is the recommended token count at which history
	// compaction should begin, before aggressiveness scaling.
	CompactThreshold      int      `json:"compact_threshold"`
	MaxOutput             int      `json:"max_output"`
	SupportsTools         bool     `json:"supports_tools"`
	SupportsParallelTools bool     `json:"supports_parallel_tools"`
	Aliases               []string `json:"aliases,omitempty"`
}

// Models is the built-in capability table.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-6", Provider: "anthropic",
		ContextWindow: 200000, CompactThreshold: 160000, MaxOutput: 32768,
		SupportsTools: true, SupportsParallelTools: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic",
		ContextWindow: 200000, CompactThreshold: 160000, MaxOutput: 16384,
		SupportsTools: true, SupportsParallelTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "gpt-5.2", Provider: "openai",
		ContextWindow: 1047576, CompactThreshold: 800000, MaxOutput: 32768,
		SupportsTools: true, SupportsParallelTools: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai",
		ContextWindow: 1047576, CompactThreshold: 800000, MaxOutput: 16384,
		SupportsTools: true, SupportsParallelTools: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gemini-3-pro-preview", Provider: "gemini",
		ContextWindow: 1048576, CompactThreshold: 800000, MaxOutput: 65536,
		SupportsTools: true, SupportsParallelTools: false,
		Aliases: []string{"gemini-pro"},
	},
}

// GetModelInfo returns the catalog entry for a model ID or alias, or nil
// if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// fallbackModelInfo is used when a model is not in the catalog. The small
// context window is a safe floor, not a measurement.
var fallbackModelInfo = ModelInfo{
	ContextWindow:    32768,
	CompactThreshold: 24576,
	MaxOutput:        4096,
	SupportsTools:    true,
}

// ModelInfoOrDefault returns the catalog entry, or a conservative fallback
// for unknown models.
func ModelInfoOrDefault(modelID string) ModelInfo {
	if info := GetModelInfo(modelID); info != nil {
		return *info
	}
	info := fallbackModelInfo
	info.ID = modelID
	return info
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}
