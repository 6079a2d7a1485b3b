// Package tool defines the contract every agent tool implements and the
// process-wide registry the agent resolves tool names against.
//
// Invoke never panics or returns a Go error: every failure is carried in the
// Result, so a caller only has to inspect one value to decide what to feed
// back to the model.
package tool

import (
	"context"
	"fmt"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Tool is a named capability with a JSON schema for its arguments. The
// descriptor reuses the MCP tool type so built-in and remote tools look the
// same to providers.
type Tool interface {
	Definition() mcptypes.Tool
	Invoke(ctx context.Context, args map[string]any) Result
}

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	Timeout          ErrorKind = "timeout"
	NonZeroExit      ErrorKind = "non_zero_exit"
	InvalidArguments ErrorKind = "invalid_arguments"
	TransportError   ErrorKind = "transport_error"
	Unavailable      ErrorKind = "unavailable"
)

// Error is the failure half of a Result.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Result is either Ok (Err == nil) or Err. A failed result may still carry
// partial Output, e.g. what a command printed before exiting non-zero.
type Result struct {
	Output string
	Err    *Error
}

func OK(output string) Result {
	return Result{Output: output}
}

func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// Observation renders the result as text for the model.
func (r Result) Observation() string {
	if r.Err == nil {
		return r.Output
	}
	var b strings.Builder
	fmt.Fprintf(&b, "error (%s): %s", r.Err.Kind, r.Err.Message)
	if r.Output != "" {
		b.WriteString("\n")
		b.WriteString(r.Output)
	}
	return b.String()
}

// Truncate caps s at limit bytes without splitting a UTF-8 sequence and
// reports whether anything was cut.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func stringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func definition(name, description string, props map[string]any, required ...string) mcptypes.Tool {
	if required == nil {
		required = []string{}
	}
	return mcptypes.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcptypes.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
