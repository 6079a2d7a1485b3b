package provider

import (
	"context"
	"fmt"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/ollama/ollama/api"

	"arbor/mcp"
	"arbor/model"
	"arbor/ollama"
)

// OllamaProvider wraps ollama.Client. Models known to support native tool
// calling get the tools as API tools; the rest get the text protocol.
type OllamaProvider struct {
	client *ollama.Client
}

func NewOllamaProvider(baseURL, model string) (*OllamaProvider, error) {
	client, err := ollama.NewClient(baseURL, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}
	return &OllamaProvider{client: client}, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return p.ChatWithTools(ctx, messages, nil, callback)
}

func (p *OllamaProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
	var ollamaTools []api.Tool
	switch {
	case len(tools) == 0:
	case p.client.SupportsToolCalling():
		ollamaTools = mcp.ToOllamaTools(tools)
	default:
		messages = withSystemPrompt(model.ToolInstructions(tools), messages)
	}

	return p.client.ChatWithTools(ctx, ConvertToOllamaMessages(messages), ollamaTools,
		func(chunk string, calls []api.ToolCall) error {
			if callback == nil {
				return nil
			}
			return callback(chunk, ConvertToProviderToolCalls(calls))
		})
}

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return p.client.ListModels(ctx)
}

func (p *OllamaProvider) GetModel() string {
	return p.client.GetModel()
}

func (p *OllamaProvider) GetDisplayName() string {
	return p.client.GetModel()
}

func (p *OllamaProvider) SetModel(model string) {
	p.client.SetModel(model)
}

func (p *OllamaProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// NativeTools reports whether the current model receives API tools rather
// than text protocol instructions.
func (p *OllamaProvider) NativeTools() bool {
	return p.client.SupportsToolCalling()
}

func withSystemPrompt(prompt string, messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, model.Message{Role: model.RoleSystem, Content: prompt})
	return append(out, messages...)
}
