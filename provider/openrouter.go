package provider

import (
	"fmt"
	"strings"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouterProvider returns an OpenAI-compatible provider pointed at
// OpenRouter. Model ids carry a vendor prefix ("qwen/qwen3-coder:free") that
// is kept for API calls and stripped for display.
func NewOpenRouterProvider(baseURL, apiKey, model string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenRouter API key is required")
	}
	if model == "" {
		model = "meta-llama/llama-3.2-90b-instruct"
	}
	p := newOpenAICompatible("openrouter", baseURL, apiKey, model)
	p.stripPrefix = true
	// qwen models leak XML tool calls when prompted and do fine without it.
	p.skipInstructions = []string{"qwen"}
	return p, nil
}

// stripProviderPrefix turns "anthropic/claude-sonnet-4" into "claude-sonnet-4".
func stripProviderPrefix(modelName string) string {
	if idx := strings.Index(modelName, "/"); idx != -1 {
		return modelName[idx+1:]
	}
	return modelName
}
