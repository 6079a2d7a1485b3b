// Package model holds the inference contract shared by providers and their
// callers: messages, tool calls, the streaming Provider interface and the
// text tool-call protocol for models without native tool calling.
package model

import (
	"context"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/ollama"
)

// Provider abstracts an inference backend. It lives here rather than in the
// provider package so callers can depend on it without importing every SDK.
type Provider interface {
	// Chat streams a reply to messages through callback.
	Chat(ctx context.Context, messages []Message, callback StreamCallback) error

	// ChatWithTools is Chat with tool descriptors offered to the model. Tool
	// calls are delivered through the callback's toolCalls argument.
	ChatWithTools(ctx context.Context, messages []Message, tools []mcptypes.Tool, callback StreamCallback) error

	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)

	// GetModel returns the model name used for API calls.
	GetModel() string

	// GetDisplayName returns the model name for display, e.g. without an
	// OpenRouter vendor prefix.
	GetDisplayName() string

	SetModel(model string)

	Ping(ctx context.Context) error
}

// StreamCallback receives each streamed chunk. Returning an error aborts the
// stream.
type StreamCallback func(chunk string, toolCalls []ToolCall) error
