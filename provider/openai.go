package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"arbor/mcp"
	"arbor/model"
	"arbor/ollama"
)

// OpenAIProvider talks to the OpenAI chat completions API or any compatible
// endpoint. OpenRouter is the same type with a different id and display rules.
type OpenAIProvider struct {
	client  openai.Client
	id      string
	baseURL string

	mu    sync.RWMutex
	model string

	// stripPrefix drops "vendor/" from display names (OpenRouter ids).
	stripPrefix bool
	// skipInstructions lists model substrings that misbehave when given the
	// native tool instructions prompt.
	skipInstructions []string
}

// NewOpenAIProvider defaults to the public API and gpt-4o-mini.
func NewOpenAIProvider(baseURL, apiKey, model string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return newOpenAICompatible("openai", baseURL, apiKey, model), nil
}

func newOpenAICompatible(id, baseURL, apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
		),
		id:      id,
		baseURL: baseURL,
		model:   model,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return p.ChatWithTools(ctx, messages, nil, callback)
}

func (p *OpenAIProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
	modelName := p.GetModel()
	if len(tools) > 0 && !p.skipsInstructions(modelName) {
		messages = withSystemPrompt(nativeToolInstructions(tools), messages)
	}

	params := openai.ChatCompletionNewParams{
		Messages: ConvertToOpenAIMessages(messages),
		Model:    openai.ChatModel(modelName),
	}
	if len(tools) > 0 {
		params.Tools = mcp.ToOpenAITools(tools)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	acc := openai.ChatCompletionAccumulator{}

	var (
		nativeCalls bool
		content     strings.Builder
	)
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if call, ok := acc.JustFinishedToolCall(); ok {
			nativeCalls = true
			if callback != nil {
				tc := model.ToolCall{
					Name:      mcp.DecodeToolName(call.Name),
					Arguments: ParseToolArguments(call.Arguments),
				}
				if err := callback("", []model.ToolCall{tc}); err != nil {
					return err
				}
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			content.WriteString(delta)
			if callback != nil {
				if err := callback(delta, nil); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("%s streaming error: %w", p.id, err)
	}

	if !nativeCalls && len(tools) > 0 && callback != nil {
		if leaked := leakedToolCalls(content.String()); len(leaked) > 0 {
			return callback("", leaked)
		}
	}
	return nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s models: %w", p.id, err)
	}
	result := make([]ollama.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		result = append(result, ollama.ModelInfo{
			Name:         p.displayName(m.ID),
			InternalName: m.ID,
			Provider:     p.id,
		})
	}
	return result, nil
}

func (p *OpenAIProvider) GetModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) GetDisplayName() string {
	return p.displayName(p.GetModel())
}

func (p *OpenAIProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", p.id, err)
	}
	return nil
}

func (p *OpenAIProvider) displayName(id string) string {
	if p.stripPrefix {
		return stripProviderPrefix(id)
	}
	return id
}

func (p *OpenAIProvider) skipsInstructions(modelName string) bool {
	lower := strings.ToLower(modelName)
	for _, s := range p.skipInstructions {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
