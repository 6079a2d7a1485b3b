package mcp

import (
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTool() mcptypes.Tool {
	return mcptypes.Tool{
		Name:        "fs.search_files",
		Description: "Search for files in a directory",
		InputSchema: mcptypes.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path":      map[string]any{"type": "string", "description": "Directory path to search"},
				"pattern":   map[string]any{"type": "string", "description": "File pattern to match"},
				"recursive": map[string]any{"type": "boolean"},
				"mode":      map[string]any{"type": "string", "enum": []any{"glob", "regex"}},
			},
			Required: []string{"path", "pattern"},
		},
	}
}

func TestToOllamaTools(t *testing.T) {
	assert.Empty(t, ToOllamaTools(nil))

	out := ToOllamaTools([]mcptypes.Tool{searchTool()})
	require.Len(t, out, 1)
	fn := out[0].Function
	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "fs.search_files", fn.Name, "ollama keeps dotted names")
	assert.Equal(t, "object", fn.Parameters.Type)
	assert.Equal(t, []string{"path", "pattern"}, fn.Parameters.Required)
	require.Len(t, fn.Parameters.Properties, 4)
	assert.Equal(t, api.PropertyType{"boolean"}, fn.Parameters.Properties["recursive"].Type)
	assert.Len(t, fn.Parameters.Properties["mode"].Enum, 2)
}

func TestOllamaProperty(t *testing.T) {
	tests := []struct {
		name  string
		input any
		check func(t *testing.T, p api.ToolProperty)
	}{
		{"union type", map[string]any{"type": []any{"string", "number"}}, func(t *testing.T, p api.ToolProperty) {
			assert.Len(t, p.Type, 2)
		}},
		{"items", map[string]any{"type": "array", "items": map[string]any{"type": "string"}}, func(t *testing.T, p api.ToolProperty) {
			assert.NotNil(t, p.Items)
		}},
		{"anyOf", map[string]any{"anyOf": []any{map[string]any{"type": "string"}, map[string]any{"type": "number"}}}, func(t *testing.T, p api.ToolProperty) {
			require.Len(t, p.AnyOf, 2)
			assert.Equal(t, api.PropertyType{"number"}, p.AnyOf[1].Type)
		}},
		{"struct value", struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}{"string", "from struct"}, func(t *testing.T, p api.ToolProperty) {
			assert.Equal(t, "from struct", p.Description)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ollamaProperty(tt.input))
		})
	}
}

func TestToOpenAIToolsEncodesNames(t *testing.T) {
	assert.Nil(t, ToOpenAITools(nil))

	out := ToOpenAITools([]mcptypes.Tool{searchTool()})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfFunction)
	fn := out[0].OfFunction.Function
	assert.Equal(t, "fs__search_files", fn.Name)
	assert.Equal(t, []string{"path", "pattern"}, fn.Parameters["required"])
}

func TestToAnthropicToolsEncodesNames(t *testing.T) {
	out := ToAnthropicTools([]mcptypes.Tool{searchTool()})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "fs__search_files", out[0].OfTool.Name)
	assert.Equal(t, []string{"path", "pattern"}, out[0].OfTool.InputSchema.Required)
}

func TestToolNameEncoding(t *testing.T) {
	for _, name := range []string{"shell.run", "filesystem.read", "server-fs.read_file", "plain"} {
		assert.Equal(t, name, DecodeToolName(EncodeToolName(name)))
	}
	assert.Equal(t, "shell__run", EncodeToolName("shell.run"))
}
