package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"arbor/conversation"
	"arbor/model"
)

// Request is the context handed to the inference client for one step.
type Request struct {
	History  []conversation.Message
	Steps    []Step
	Step     int
	MaxSteps int
	// Summary is the branch's rolling summary, if any.
	Summary string
}

// InferenceClient turns the run context into the next decision. onToken
// receives streamed text as it arrives; the decision is only made once the
// stream has finished.
type InferenceClient interface {
	Reason(ctx context.Context, req Request, onToken func(string)) (Decision, error)
}

// ToolSource supplies the descriptors offered to the model.
type ToolSource interface {
	Definitions() []mcptypes.Tool
}

// ProviderClient adapts a model.Provider to InferenceClient. Native tool
// calls win; otherwise a <use_tool> tag in the finished reply is the call;
// otherwise the reply is the final answer.
type ProviderClient struct {
	provider     model.Provider
	tools        ToolSource
	systemPrompt string
}

func NewProviderClient(p model.Provider, tools ToolSource, systemPrompt string) *ProviderClient {
	return &ProviderClient{provider: p, tools: tools, systemPrompt: systemPrompt}
}

func (c *ProviderClient) Reason(ctx context.Context, req Request, onToken func(string)) (Decision, error) {
	messages := PromptMessages(c.systemPrompt, req.Summary, req.History)
	messages = append(messages, pendingSteps(req.History, req.Steps)...)
	messages = append(messages, model.Message{
		Role:    model.RoleSystem,
		Content: stepNote(req.Step, req.MaxSteps),
	})

	var (
		text  strings.Builder
		calls []model.ToolCall
	)
	err := c.provider.ChatWithTools(ctx, messages, c.tools.Definitions(), func(chunk string, tc []model.ToolCall) error {
		if chunk != "" {
			text.WriteString(chunk)
			if onToken != nil {
				onToken(chunk)
			}
		}
		calls = append(calls, tc...)
		return nil
	})
	if err != nil {
		return Decision{}, classify(ctx, err)
	}
	return decide(text.String(), calls)
}

func decide(text string, calls []model.ToolCall) (Decision, error) {
	reasoning := strings.TrimSpace(text)

	if len(calls) > 0 {
		call := calls[0]
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		return Decision{Reasoning: reasoning, Action: &call}, nil
	}

	if call, ok := model.ParseToolUse(text); ok {
		d := Decision{Action: &call}
		if i := strings.Index(text, "<use_tool"); i >= 0 {
			d.Reasoning = strings.TrimSpace(text[:i])
		}
		if call.Arguments == nil {
			d.InvalidArguments = "params are not valid JSON"
		}
		return d, nil
	}

	final := model.StripDoneMarker(text)
	if final == "" {
		return Decision{}, fmt.Errorf("%w: empty response", ErrModelError)
	}
	return Decision{Reasoning: reasoning, Final: final}, nil
}

// classify maps a provider error onto the engine taxonomy. Cancellation is
// passed through untouched.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}
	var (
		netErr net.Error
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.As(err, &urlErr),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrModelError, err)
	}
}

func stepNote(step, max int) string {
	if max <= 0 {
		return "Work on the task. Call a tool or give the final answer."
	}
	remaining := max - step
	return fmt.Sprintf("Agent step %d of %d (%d left after this one). Call one tool, or give the final answer as plain text.", step, max, remaining)
}

// PromptMessages converts branch history to provider messages. The system
// prompt and branch summary come first. A tool result becomes the assistant
// turn that asked for it followed by the output under a [Tool: ...] header.
func PromptMessages(systemPrompt, summary string, history []conversation.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+4)
	if systemPrompt != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Content: systemPrompt})
	}
	if summary != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Content: "Summary of the earlier conversation:\n" + summary})
	}
	for _, m := range history {
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, model.Message{Role: model.RoleUser, Content: m.Content})
		case conversation.RoleAssistant:
			out = append(out, model.Message{Role: model.RoleAssistant, Content: m.Content})
		case conversation.RoleToolResult:
			if m.Tool == nil {
				out = append(out, model.Message{Role: model.RoleTool, Content: m.Content})
				continue
			}
			call := model.ToolCall{Name: m.Tool.Name, Arguments: m.Tool.Arguments}
			out = append(out, callMessage(m.Tool.Reasoning, call), resultMessage(call, m.Content))
		}
	}
	return out
}

// pendingSteps renders the steps of the run whose trace is not on the
// history path yet.
func pendingSteps(history []conversation.Message, steps []Step) []model.Message {
	seen := make(map[conversation.MessageID]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
	}
	var out []model.Message
	for _, s := range steps {
		if s.Action == nil || seen[s.MessageID] {
			continue
		}
		out = append(out, callMessage(s.Reasoning, *s.Action), resultMessage(*s.Action, s.Observation))
	}
	return out
}

func callMessage(reasoning string, call model.ToolCall) model.Message {
	content := model.FormatToolUse(call)
	if reasoning != "" {
		content = reasoning + "\n" + content
	}
	return model.Message{Role: model.RoleAssistant, Content: content}
}

func resultMessage(call model.ToolCall, output string) model.Message {
	return model.Message{
		Role:    model.RoleTool,
		Content: fmt.Sprintf("[Tool: %s %s]\n%s", call.Name, model.ArgumentsJSON(call.Arguments), output),
	}
}
