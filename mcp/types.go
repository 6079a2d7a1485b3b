// Package mcp connects to Model Context Protocol servers and exposes their
// tools through the tool registry under "<server>.<tool>" names.
package mcp

import (
	"context"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/tool"
)

const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes one server. Command is used for stdio servers, URL
// for remote ones. For remote servers Env entries are sent as HTTP headers.
type ServerConfig struct {
	ID        string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Transport string
}

func (c ServerConfig) transport() string {
	switch {
	case c.Transport != "":
		return c.Transport
	case c.URL != "":
		return TransportSSE
	default:
		return TransportStdio
	}
}

// Transport is one live connection to a server. Invoke follows the tool
// contract: failures come back in the Result, never as a panic.
type Transport interface {
	Discover(ctx context.Context) ([]mcptypes.Tool, error)
	Invoke(ctx context.Context, name string, args map[string]any) tool.Result
	Close() error
}

// Dialer opens a Transport for a server. Tests substitute an in-memory one.
type Dialer func(ctx context.Context, cfg ServerConfig) (Transport, error)
