package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/mcp"
	"arbor/model"
	"arbor/ollama"
)

const anthropicMaxTokens = 4096

type AnthropicProvider struct {
	client  anthropic.Client
	baseURL string

	mu    sync.RWMutex
	model anthropic.Model
}

// NewAnthropicProvider defaults to the public API and Claude Sonnet 4.5.
func NewAnthropicProvider(baseURL, apiKey, model string) (*AnthropicProvider, error) {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}

	m := anthropic.ModelClaudeSonnet4_5_20250929
	if model != "" {
		m = anthropic.Model(model)
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
		),
		baseURL: baseURL,
		model:   m,
	}, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return p.ChatWithTools(ctx, messages, nil, callback)
}

func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
	msgs, system := convertToAnthropicMessages(messages)
	if len(tools) > 0 {
		// Tool instructions go first, ahead of any caller system prompt.
		system = append([]anthropic.TextBlockParam{{Text: nativeToolInstructions(tools)}}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:     p.currentModel(),
		Messages:  msgs,
		MaxTokens: anthropicMaxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = mcp.ToAnthropicTools(tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	msg := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return fmt.Errorf("error accumulating message: %w", err)
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok || callback == nil {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
			if err := callback(text.Text, nil); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("Anthropic streaming error: %w", err)
	}

	if callback != nil {
		if calls := extractToolCalls(msg.Content); len(calls) > 0 {
			return callback("", calls)
		}
	}
	return nil
}

// ListModels returns a fixed list; the Messages API has no catalogue call
// this client relies on.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	known := []anthropic.Model{
		anthropic.ModelClaudeSonnet4_5_20250929,
		anthropic.ModelClaude3_5Haiku20241022,
		anthropic.ModelClaude_3_Opus_20240229,
		anthropic.ModelClaude_3_Haiku_20240307,
	}
	result := make([]ollama.ModelInfo, 0, len(known))
	for _, m := range known {
		result = append(result, ollama.ModelInfo{
			Name:         string(m),
			InternalName: string(m),
			Provider:     "anthropic",
		})
	}
	return result, nil
}

func (p *AnthropicProvider) GetModel() string {
	return string(p.currentModel())
}

func (p *AnthropicProvider) GetDisplayName() string {
	return p.GetModel()
}

func (p *AnthropicProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = anthropic.Model(model)
}

// Ping sends a one-token request.
func (p *AnthropicProvider) Ping(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.currentModel(),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("Anthropic ping failed: %w", err)
	}
	return nil
}

func (p *AnthropicProvider) currentModel() anthropic.Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// convertToAnthropicMessages splits system messages out into system blocks.
// Tool observations travel as user text.
func convertToAnthropicMessages(messages []model.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out, system
}

func extractToolCalls(content []anthropic.ContentBlockUnion) []model.ToolCall {
	var calls []model.ToolCall
	for _, block := range content {
		use, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal(use.Input, &args); err != nil {
			continue
		}
		calls = append(calls, model.ToolCall{
			Name:      mcp.DecodeToolName(use.Name),
			Arguments: args,
		})
	}
	return calls
}
