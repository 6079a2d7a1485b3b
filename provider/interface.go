// Package provider implements model.Provider for the supported inference
// backends: a local Ollama server, OpenAI, OpenRouter (through the OpenAI
// SDK) and Anthropic.
//
// Every provider converts the provider-agnostic model types to its SDK types
// and back. Tool descriptors are converted by the mcp package; tool names
// containing dots are encoded for APIs that reject them and decoded again
// before reaching the caller.
//
// When a model has no usable native tool calling, the provider puts the text
// protocol instructions (model.ToolInstructions) in front of the conversation
// and leaves tool selection to the caller, which parses <use_tool> tags from
// the finished reply.
//
// Usage:
//
//	p, err := provider.NewProvider(provider.Config{
//	    Type:    provider.ProviderTypeOllama,
//	    BaseURL: "http://localhost:11434",
//	    Model:   "llama3.1",
//	})
//	if err != nil {
//	    // handle error
//	}
//	err = p.Chat(ctx, messages, callback)
package provider

type ProviderType string

const (
	ProviderTypeOllama     ProviderType = "ollama"
	ProviderTypeOpenRouter ProviderType = "openrouter"
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeAnthropic  ProviderType = "anthropic"
)

// Config holds provider-specific configuration.
type Config struct {
	Type    ProviderType
	BaseURL string
	Model   string
	APIKey  string // unused for Ollama
}
