package model

// Roles understood by every provider. "tool" carries a tool observation back
// to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the provider-agnostic chat message.
type Message struct {
	Role    string
	Content string
}

// ToolCall is a tool request emitted by a model, either natively or through
// the text protocol.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}
