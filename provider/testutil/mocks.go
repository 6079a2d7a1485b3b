// Package testutil provides model.Provider doubles for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/model"
	"arbor/ollama"
)

// MockProvider implements model.Provider with overridable funcs.
type MockProvider struct {
	ChatFunc          func(ctx context.Context, messages []model.Message, callback model.StreamCallback) error
	ChatWithToolsFunc func(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error
	ListModelsFunc    func(ctx context.Context) ([]ollama.ModelInfo, error)
	PingFunc          func(ctx context.Context) error

	mu           sync.RWMutex
	currentModel string
}

func NewMockProvider(modelName string) *MockProvider {
	m := &MockProvider{currentModel: modelName}
	m.ChatFunc = func(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
		if len(messages) > 0 && callback != nil {
			return callback("Mock response", nil)
		}
		return nil
	}
	m.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
		if callback != nil {
			return callback("Mock response with tools", nil)
		}
		return nil
	}
	m.ListModelsFunc = func(ctx context.Context) ([]ollama.ModelInfo, error) {
		return []ollama.ModelInfo{
			{Name: "mock-model-1", InternalName: "mock-model-1", Provider: "mock", Size: 1000},
			{Name: "mock-model-2", InternalName: "mock-model-2", Provider: "mock", Size: 2000},
		}, nil
	}
	m.PingFunc = func(ctx context.Context) error { return nil }
	return m
}

func (m *MockProvider) Chat(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
	return m.ChatFunc(ctx, messages, callback)
}

func (m *MockProvider) ChatWithTools(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
	return m.ChatWithToolsFunc(ctx, messages, tools, callback)
}

func (m *MockProvider) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return m.ListModelsFunc(ctx)
}

func (m *MockProvider) GetModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentModel
}

func (m *MockProvider) GetDisplayName() string {
	return m.GetModel()
}

func (m *MockProvider) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentModel = model
}

func (m *MockProvider) Ping(ctx context.Context) error {
	return m.PingFunc(ctx)
}

// Reply is one scripted model turn. Chunks are streamed in order, then Calls
// are delivered, then Err is returned.
type Reply struct {
	Chunks []string
	Calls  []model.ToolCall
	Err    error
	// Block makes the turn wait for context cancellation.
	Block bool
}

// Text is a Reply streaming s as a single chunk.
func Text(s string) Reply {
	return Reply{Chunks: []string{s}}
}

// Request is what the provider received for one turn.
type Request struct {
	Messages []model.Message
	Tools    []mcptypes.Tool
}

// ScriptedProvider replays Replies in order and records each request. Once
// the script is exhausted every further call fails.
type ScriptedProvider struct {
	*MockProvider

	mu       sync.Mutex
	replies  []Reply
	requests []Request
}

func NewScriptedProvider(replies ...Reply) *ScriptedProvider {
	s := &ScriptedProvider{
		MockProvider: NewMockProvider("scripted"),
		replies:      replies,
	}
	s.ChatFunc = func(ctx context.Context, messages []model.Message, callback model.StreamCallback) error {
		return s.play(ctx, messages, nil, callback)
	}
	s.ChatWithToolsFunc = s.play
	return s
}

func (s *ScriptedProvider) play(ctx context.Context, messages []model.Message, tools []mcptypes.Tool, callback model.StreamCallback) error {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Messages: append([]model.Message(nil), messages...),
		Tools:    append([]mcptypes.Tool(nil), tools...),
	})
	if len(s.replies) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("scripted provider: no reply left")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	s.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, c := range r.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if callback != nil {
			if err := callback(c, nil); err != nil {
				return err
			}
		}
	}
	if len(r.Calls) > 0 && callback != nil {
		if err := callback("", r.Calls); err != nil {
			return err
		}
	}
	return r.Err
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedProvider) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining is the number of unplayed replies.
func (s *ScriptedProvider) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
