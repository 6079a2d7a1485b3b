package provider

import (
	"sort"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/mcp"
)

// nativeToolInstructions is the short system prompt sent alongside API tools.
// Names are listed in wire form so they match the tool schema the model sees.
func nativeToolInstructions(tools []mcptypes.Tool) string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, mcp.EncodeToolName(t.Name))
	}
	sort.Strings(names)

	return strings.Join([]string{
		"TOOLS: " + strings.Join(names, ", "),
		"",
		"When a request needs a tool:",
		"1. Pick the tool.",
		"2. If all required parameters are known, call it right away.",
		"3. Otherwise ask only for the missing parameter.",
		"",
		"Do not list the tools or narrate what you are about to do.",
		"After a tool result arrives, either call another tool or answer.",
	}, "\n")
}
