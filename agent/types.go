// Package agent runs the bounded Reason-Act-Observe loop.
//
// A run belongs to one (session, branch). Each step asks the inference client
// for a decision, either a final answer or a tool call; tool calls are
// executed through the tool registry and their observations are appended to
// the branch as tool-result messages, so the conversation tree is the run's
// working memory and survives it. Runs end Done, Failed, Aborted or with the
// step limit reached; in every case the trace written so far stays in the
// tree.
package agent

import (
	"errors"
	"fmt"

	"arbor/conversation"
	"arbor/model"
	"arbor/tool"
)

// State is a position in the run state machine.
type State string

const (
	// StatePending is a started run that has not reasoned yet.
	StatePending   State = "pending"
	StateReasoning State = "reasoning"
	StateActing    State = "acting"
	StateObserving State = "observing"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
	// StateStepLimit is terminal but neither success nor failure.
	StateStepLimit State = "step-limit-reached"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateAborted, StateStepLimit:
		return true
	}
	return false
}

// Status is the run outcome as shown to users.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusStepLimit Status = "step-limit-reached"
)

func statusOf(s State) Status {
	switch s {
	case StateDone:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateAborted:
		return StatusAborted
	case StateStepLimit:
		return StatusStepLimit
	default:
		return StatusRunning
	}
}

// Step records one Reason-Act-Observe cycle.
type Step struct {
	Number      int
	Reasoning   string
	Action      *model.ToolCall
	Observation string
	// ErrorKind is set when the tool call did not succeed.
	ErrorKind tool.ErrorKind
	Failed    bool
	MessageID conversation.MessageID
}

// Decision is what the inference client concluded from one model turn.
// Exactly one of Final or Action is meaningful: Action is nil for a final
// answer.
type Decision struct {
	Reasoning string
	Final     string
	Action    *model.ToolCall
	// InvalidArguments is set when the model named a tool but its arguments
	// could not be decoded.
	InvalidArguments string
}

func (d Decision) IsFinal() bool {
	return d.Action == nil
}

var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrModelError       = errors.New("model error")
	ErrStepLimitReached = errors.New("step limit reached")
	ErrAborted          = errors.New("run aborted")
	ErrToolUnavailable  = errors.New("tool unavailable")
	ErrStore            = errors.New("conversation store failure")

	ErrUnknownRun = errors.New("unknown run")
	ErrBranchBusy = errors.New("an agent run is already active on this branch")
)

// EngineError is the terminal error of a run. Err wraps one of the
// sentinels above, possibly together with its cause.
type EngineError struct {
	RunID string
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("agent run %s: %v", e.RunID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
