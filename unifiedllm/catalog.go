package unifiedllm

import "strings"

// DefaultMaxTokens is the completion budget used when none is configured.
const DefaultMaxTokens = 4096

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. The first entry per provider is
// that provider's default.
var Models = []ModelInfo{
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"4o"},
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, SupportsTools: true,
	},
	{
		ID: "claude-sonnet-4-20250514", Provider: "anthropic", DisplayName: "Claude Sonnet 4",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "moonshot-v1-128k", Provider: "moonshot", DisplayName: "Moonshot v1 128k",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"moonshot"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil.
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

// DefaultModelForProvider returns the first catalog model of provider, or
// gpt-4o for unknown providers.
func DefaultModelForProvider(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return "gpt-4o"
}

// ProviderForEndpoint guesses the vendor behind an OpenAI-compatible
// endpoint URL.
func ProviderForEndpoint(endpoint string) string {
	lower := strings.ToLower(endpoint)
	switch {
	case strings.Contains(lower, "moonshot"):
		return "moonshot"
	case strings.Contains(lower, "anthropic"):
		return "anthropic"
	default:
		return "openai"
	}
}

// DefaultModelForEndpoint picks a model for an endpoint when none is
// configured.
func DefaultModelForEndpoint(endpoint string) string {
	return DefaultModelForProvider(ProviderForEndpoint(endpoint))
}
