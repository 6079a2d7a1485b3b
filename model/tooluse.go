package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

var (
	// The lazy params match stops at the first "}" followed by the tag end,
	// so nested objects work as long as the tag is closed.
	useToolRe = regexp.MustCompile(`(?s)<use_tool\s+name="([^"]+)"\s+params=(\{.*?\})\s*/?>`)

	useToolNameOnlyRe = regexp.MustCompile(`<use_tool\s+name="([^"]+)"\s*/?>`)

	xmlToolCallRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

	doneMarkerRe = regexp.MustCompile(`(?i)(^|[\n.!?])\s*done[.!]?\s*$`)
)

// ParseToolUse extracts the first <use_tool name="..." params={...} /> tag
// from text. ok is false when the text holds no tag. A tag whose params are
// not valid JSON still yields the call with nil arguments so the caller can
// report invalid arguments instead of treating the text as an answer.
func ParseToolUse(text string) (call ToolCall, ok bool) {
	if m := useToolRe.FindStringSubmatch(text); m != nil {
		call.Name = m[1]
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err == nil {
			call.Arguments = args
		}
		return call, true
	}
	if m := useToolNameOnlyRe.FindStringSubmatch(text); m != nil {
		return ToolCall{Name: m[1], Arguments: map[string]any{}}, true
	}
	return ToolCall{}, false
}

// FormatToolUse renders call in the <use_tool> tag form ParseToolUse reads.
func FormatToolUse(call ToolCall) string {
	return fmt.Sprintf(`<use_tool name="%s" params=%s />`, call.Name, ArgumentsJSON(call.Arguments))
}

// ArgumentsJSON encodes tool arguments compactly. nil encodes as {}.
func ArgumentsJSON(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type leakedCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

func (l leakedCall) toolCall() ToolCall {
	args := l.Arguments
	if args == nil {
		args = l.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{Name: l.Name, Arguments: args}
}

// ParseLeakedJSONToolCalls finds tool calls a model wrote as bare JSON
// objects ({"name": ..., "arguments": {...}}) instead of using the native
// tool channel.
func ParseLeakedJSONToolCalls(text string) []ToolCall {
	var calls []ToolCall
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchingBrace(text, start)
		if end < 0 {
			break
		}
		var lc leakedCall
		if err := json.Unmarshal([]byte(text[start:end+1]), &lc); err == nil && lc.Name != "" &&
			(lc.Arguments != nil || lc.Parameters != nil) {
			calls = append(calls, lc.toolCall())
			next := strings.IndexByte(text[end+1:], '{')
			if next < 0 {
				break
			}
			start = end + 1 + next
			continue
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return calls
}

// ParseLeakedXMLToolCalls handles <tool_call>{...}</tool_call> blocks some
// models emit in plain text.
func ParseLeakedXMLToolCalls(text string) []ToolCall {
	var calls []ToolCall
	for _, m := range xmlToolCallRe.FindAllStringSubmatch(text, -1) {
		var lc leakedCall
		if err := json.Unmarshal([]byte(m[1]), &lc); err != nil || lc.Name == "" {
			continue
		}
		calls = append(calls, lc.toolCall())
	}
	return calls
}

// matchingBrace returns the index of the brace closing text[open], skipping
// over JSON strings, or -1.
func matchingBrace(text string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// StripDoneMarker removes a trailing "Done." some prompts ask the model to
// append when it has finished.
func StripDoneMarker(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return trimmed
	}
	stripped := strings.TrimSpace(doneMarkerRe.ReplaceAllString(trimmed, "${1}"))
	if stripped == "" {
		return trimmed
	}
	return stripped
}

// ToolInstructions is the system prompt for the text protocol: the model
// answers directly or emits exactly one <use_tool> tag.
func ToolInstructions(tools []mcptypes.Tool) string {
	sorted := make([]mcptypes.Tool, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("You can use tools. To call one, reply with exactly one tag and nothing after it:\n")
	b.WriteString(`<use_tool name="TOOL_NAME" params={"key": "value"} />`)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range sorted {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		if params := paramList(t.InputSchema); params != "" {
			b.WriteString(" (params: ")
			b.WriteString(params)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nAfter a tool result arrives, either call another tool or give the final answer as plain text.\n")
	b.WriteString("If you already have what you need, do not call the tool again.")
	return b.String()
}

func paramList(schema mcptypes.ToolInputSchema) string {
	if len(schema.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, n := range names {
		if !required[n] {
			names[i] = n + "?"
		}
	}
	return strings.Join(names, ", ")
}
