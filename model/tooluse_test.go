package model

import (
	"strings"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolUse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantName string
		wantArgs map[string]any
	}{
		{
			name:     "read",
			text:     `I will look. <use_tool name="filesystem.read" params={"path": "README.md"} />`,
			wantOK:   true,
			wantName: "filesystem.read",
			wantArgs: map[string]any{"path": "README.md"},
		},
		{
			name:     "multiline params",
			text:     "<use_tool name=\"filesystem.write\" params={\n  \"path\": \"a.txt\",\n  \"content\": \"x\\ny\"\n}/>",
			wantOK:   true,
			wantName: "filesystem.write",
			wantArgs: map[string]any{"path": "a.txt", "content": "x\ny"},
		},
		{
			name:     "nested object",
			text:     `<use_tool name="api.call" params={"body": {"k": 1}} />`,
			wantOK:   true,
			wantName: "api.call",
			wantArgs: map[string]any{"body": map[string]any{"k": float64(1)}},
		},
		{
			name:     "no self closing slash",
			text:     `<use_tool name="shell.run" params={"content": "ls -la"}>`,
			wantOK:   true,
			wantName: "shell.run",
			wantArgs: map[string]any{"content": "ls -la"},
		},
		{
			name:     "invalid json keeps name",
			text:     `<use_tool name="shell.run" params={command: ls} />`,
			wantOK:   true,
			wantName: "shell.run",
		},
		{
			name:     "name only",
			text:     `<use_tool name="clock.now" />`,
			wantOK:   true,
			wantName: "clock.now",
			wantArgs: map[string]any{},
		},
		{
			name: "plain answer",
			text: "There are two files.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := ParseToolUse(tt.text)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, call.Name)
			assert.Equal(t, tt.wantArgs, call.Arguments)
		})
	}
}

func TestParseToolUseTakesFirstTag(t *testing.T) {
	text := `<use_tool name="a.one" params={"x": 1} /> then <use_tool name="b.two" params={"y": 2} />`
	call, ok := ParseToolUse(text)
	require.True(t, ok)
	assert.Equal(t, "a.one", call.Name)
}

func TestParseLeakedJSONToolCalls(t *testing.T) {
	text := `Sure: {"name": "fs.read_file", "arguments": {"path": "go.mod"}} and {"other": true} ` +
		`{"name": "shell.run", "parameters": {"command": "echo \"}\""}}`
	calls := ParseLeakedJSONToolCalls(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "fs.read_file", calls[0].Name)
	assert.Equal(t, "go.mod", calls[0].Arguments["path"])
	assert.Equal(t, "shell.run", calls[1].Name)
	assert.Equal(t, `echo "}"`, calls[1].Arguments["command"])

	assert.Empty(t, ParseLeakedJSONToolCalls(`{"name": "just a name"}`))
	assert.Empty(t, ParseLeakedJSONToolCalls(`no json {here`))
}

func TestParseLeakedXMLToolCalls(t *testing.T) {
	text := "<tool_call>\n{\"name\": \"git.status\", \"arguments\": {}}\n</tool_call><tool_call>{bad}</tool_call>"
	calls := ParseLeakedXMLToolCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "git.status", calls[0].Name)
	assert.NotNil(t, calls[0].Arguments)
}

func TestStripDoneMarker(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Two files found.\nDone.", "Two files found."},
		{"Files listed. Done.", "Files listed."},
		{"Finished!  done", "Finished!"},
		{"I am done", "I am done"},
		{"Done.", "Done."},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripDoneMarker(tt.in), tt.in)
	}
}

func TestToolInstructions(t *testing.T) {
	tools := []mcptypes.Tool{
		{Name: "shell.run", Description: "Run a command", InputSchema: mcptypes.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"command": map[string]any{"type": "string"}, "cwd": map[string]any{"type": "string"}},
			Required:   []string{"command"},
		}},
		{Name: "filesystem.read", InputSchema: mcptypes.ToolInputSchema{Type: "object"}},
	}
	got := ToolInstructions(tools)
	assert.Contains(t, got, `<use_tool name="TOOL_NAME"`)
	assert.Contains(t, got, "- shell.run: Run a command (params: command, cwd?)")
	assert.Less(t, strings.Index(got, "filesystem.read"), strings.Index(got, "shell.run"))
}
