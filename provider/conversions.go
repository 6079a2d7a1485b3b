package provider

import (
	"encoding/json"

	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go/v3"

	"arbor/mcp"
	"arbor/model"
)

// ConvertToOllamaMessages maps messages one to one; Ollama understands all
// four roles natively.
func ConvertToOllamaMessages(messages []model.Message) []api.Message {
	result := make([]api.Message, len(messages))
	for i, msg := range messages {
		result[i] = api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return result
}

// ConvertToOpenAIMessages maps messages to OpenAI chat params. Tool
// observations are sent as user messages because the conversation store
// does not keep provider tool-call ids.
func ConvertToOpenAIMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openai.AssistantMessage(msg.Content)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}

// ParseToolArguments decodes a JSON argument string. Malformed input yields
// an empty map.
func ParseToolArguments(argsJSON string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args == nil {
		return make(map[string]any)
	}
	return args
}

// ConvertToProviderToolCalls converts Ollama tool calls. nil in, nil out.
func ConvertToProviderToolCalls(ollamaCalls []api.ToolCall) []model.ToolCall {
	if len(ollamaCalls) == 0 {
		return nil
	}
	result := make([]model.ToolCall, len(ollamaCalls))
	for i, call := range ollamaCalls {
		result[i] = model.ToolCall{
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
	}
	return result
}

// ConvertFromProviderToolCalls is the inverse of ConvertToProviderToolCalls.
func ConvertFromProviderToolCalls(providerCalls []model.ToolCall) []api.ToolCall {
	if len(providerCalls) == 0 {
		return nil
	}
	result := make([]api.ToolCall, len(providerCalls))
	for i, call := range providerCalls {
		result[i] = api.ToolCall{
			Function: api.ToolCallFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		}
	}
	return result
}

// leakedToolCalls recovers tool calls a model wrote into its text instead of
// the native channel, with encoded names decoded.
func leakedToolCalls(text string) []model.ToolCall {
	// The JSON scan would also match the body of a <tool_call> block.
	calls := model.ParseLeakedXMLToolCalls(text)
	if len(calls) == 0 {
		calls = model.ParseLeakedJSONToolCalls(text)
	}
	for i := range calls {
		calls[i].Name = mcp.DecodeToolName(calls[i].Name)
	}
	return calls
}
