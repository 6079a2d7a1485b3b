package mcp

import (
	"context"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/tool"
)

// RemoteTool adapts one tool of a connected server to tool.Tool.
type RemoteTool struct {
	server    string
	def       mcptypes.Tool
	transport Transport
}

func newRemoteTool(server string, def mcptypes.Tool, t Transport) *RemoteTool {
	namespaced := def
	namespaced.Name = server + "." + def.Name
	return &RemoteTool{server: server, def: namespaced, transport: t}
}

func (r *RemoteTool) Definition() mcptypes.Tool {
	return r.def
}

func (r *RemoteTool) Invoke(ctx context.Context, args map[string]any) tool.Result {
	_, name := parseToolName(r.def.Name)
	if args == nil {
		args = map[string]any{}
	}
	return r.transport.Invoke(ctx, name, args)
}

func (r *RemoteTool) Source() string {
	return "mcp:" + r.server
}

func parseToolName(namespacedName string) (string, string) {
	idx := strings.Index(namespacedName, ".")
	if idx == -1 {
		return "", namespacedName
	}
	return namespacedName[:idx], namespacedName[idx+1:]
}
