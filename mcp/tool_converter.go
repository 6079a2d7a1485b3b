package mcp

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go/v3"
)

// EncodeToolName rewrites a namespaced tool name for APIs that only accept
// ^[a-zA-Z0-9_-]{1,64}$: "fs.read_file" becomes "fs__read_file".
func EncodeToolName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

func DecodeToolName(name string) string {
	return strings.ReplaceAll(name, "__", ".")
}

// ToOllamaTools converts tool descriptors to Ollama's function format. Ollama
// accepts dotted names so they are passed through unchanged.
func ToOllamaTools(tools []mcptypes.Tool) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  ollamaParameters(t.InputSchema),
			},
		})
	}
	return out
}

func ollamaParameters(schema mcptypes.ToolInputSchema) api.ToolFunctionParameters {
	params := api.ToolFunctionParameters{
		Type:       schema.Type,
		Required:   schema.Required,
		Properties: make(map[string]api.ToolProperty, len(schema.Properties)),
	}
	if schema.Defs != nil {
		params.Defs = schema.Defs
	}
	for name, prop := range schema.Properties {
		params.Properties[name] = ollamaProperty(prop)
	}
	return params
}

func ollamaProperty(v any) api.ToolProperty {
	var prop api.ToolProperty

	m, ok := v.(map[string]any)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return prop
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return prop
		}
	}

	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []string:
		prop.Type = api.PropertyType(t)
	case []any:
		types := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				types = append(types, s)
			}
		}
		prop.Type = api.PropertyType(types)
	}
	if desc, ok := m["description"].(string); ok {
		prop.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	if anyOf, ok := m["anyOf"].([]any); ok {
		prop.AnyOf = make([]api.ToolProperty, 0, len(anyOf))
		for _, item := range anyOf {
			prop.AnyOf = append(prop.AnyOf, ollamaProperty(item))
		}
	}
	return prop
}

// ToOpenAITools converts descriptors to OpenAI function tools. Used for
// OpenAI itself and for OpenAI-compatible endpoints such as OpenRouter.
func ToOpenAITools(tools []mcptypes.Tool) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		params := openai.FunctionParameters{
			"type":       t.InputSchema.Type,
			"properties": t.InputSchema.Properties,
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		if t.InputSchema.Defs != nil {
			params["$defs"] = t.InputSchema.Defs
		}
		out[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        EncodeToolName(t.Name),
			Description: openai.String(t.Description),
			Parameters:  params,
		})
	}
	return out
}

func ToAnthropicTools(tools []mcptypes.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.InputSchema.Properties,
		}
		if len(t.InputSchema.Required) > 0 {
			schema.Required = t.InputSchema.Required
		}
		if t.InputSchema.Defs != nil {
			schema.ExtraFields = map[string]any{"$defs": t.InputSchema.Defs}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, EncodeToolName(t.Name))
		if t.Description != "" {
			out[i].OfTool.Description = anthropic.String(t.Description)
		}
	}
	return out
}
