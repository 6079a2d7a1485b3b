package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbor/conversation"
	"arbor/event"
	"arbor/tool"
)

// Run is the handle of one agent run. Fields are fixed at start; the
// accessors are safe to call while the run is executing.
type Run struct {
	ID          string
	SessionID   string
	Branch      string
	Instruction string
	// PromptID is the user message the run was started from.
	PromptID  conversation.MessageID
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	state State
	steps []Step
	final string
	err   error
	head  conversation.MessageID
}

func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Run) Status() Status {
	return statusOf(r.State())
}

// Steps returns a copy of the steps recorded so far.
func (r *Run) Steps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Final is the answer of a completed run.
func (r *Run) Final() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.final
}

// Err is nil while running and for completed runs.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done is closed once the run is terminal and its closing message written.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is terminal and returns its error.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Abort() {
	r.cancel()
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) addStep(s Step) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

func (r *Run) stepCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

func (r *Run) currentHead() conversation.MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

func (r *Run) moveHead(id conversation.MessageID) {
	r.mu.Lock()
	r.head = id
	r.mu.Unlock()
}

// execute is the Reason-Act-Observe loop. Each iteration records exactly
// one step.
func (e *Engine) execute(ctx context.Context, client InferenceClient, r *Run) {
	defer close(r.done)
	defer e.finish(r)
	defer e.release(r)
	defer r.cancel()

	log := e.logger.With(zap.String("run_id", r.ID), zap.String("session_id", r.SessionID), zap.String("branch", r.Branch))

	for n := 1; n <= e.cfg.MaxSteps; n++ {
		e.enter(r, StateReasoning)
		if ctx.Err() != nil {
			e.abort(r, log)
			return
		}

		history, err := e.store.History(r.SessionID, r.Branch)
		if err != nil {
			e.fail(r, log, fmt.Errorf("%w: %w", ErrStore, err))
			return
		}
		var summary string
		if info, err := e.store.Session(r.SessionID); err == nil {
			if b, ok := info.Branch(r.Branch); ok {
				summary = b.Summary
			}
		}

		dec, err := e.reason(ctx, client, r, Request{
			History:  history,
			Steps:    r.Steps(),
			Step:     n,
			MaxSteps: e.cfg.MaxSteps,
			Summary:  summary,
		}, log)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(r, log)
				return
			}
			e.fail(r, log, err)
			return
		}

		if dec.IsFinal() {
			msg, err := e.appendTrace(r, conversation.Draft{Role: conversation.RoleAssistant, Content: dec.Final})
			if err != nil {
				e.fail(r, log, fmt.Errorf("%w: %w", ErrStore, err))
				return
			}
			r.addStep(Step{Number: n, Reasoning: dec.Reasoning, MessageID: msg.ID})
			r.mu.Lock()
			r.final = dec.Final
			r.mu.Unlock()
			e.enter(r, StateDone)
			log.Info("agent run completed", zap.Int("steps", n))
			return
		}

		e.enter(r, StateActing)
		res, fatal := e.act(ctx, dec, log)

		e.enter(r, StateObserving)
		obs, cut := tool.Truncate(res.Observation(), e.cfg.ObservationLimit)
		if cut {
			obs += "\n[output truncated]"
		}
		msg, err := e.appendTrace(r, conversation.Draft{
			Role:    conversation.RoleToolResult,
			Content: obs,
			Tool: &conversation.ToolInvocation{
				Name:      dec.Action.Name,
				Arguments: dec.Action.Arguments,
				Reasoning: dec.Reasoning,
				Failed:    res.Failed(),
			},
		})
		if err != nil {
			e.fail(r, log, fmt.Errorf("%w: %w", ErrStore, err))
			return
		}

		step := Step{
			Number:      n,
			Reasoning:   dec.Reasoning,
			Action:      dec.Action,
			Observation: obs,
			Failed:      res.Failed(),
			MessageID:   msg.ID,
		}
		if res.Err != nil {
			step.ErrorKind = res.Err.Kind
		}
		r.addStep(step)

		if fatal {
			e.fail(r, log, fmt.Errorf("%w: %s: %s", ErrToolUnavailable, dec.Action.Name, res.Err.Message))
			return
		}
	}

	if ctx.Err() != nil {
		e.abort(r, log)
		return
	}
	e.terminate(r, log, StateStepLimit, ErrStepLimitReached, fmt.Sprintf(
		"The task was not completed within the limit of %d steps. The steps taken so far are kept above on branch %q.",
		e.cfg.MaxSteps, r.Branch))
}

// reason asks the client for a decision, retrying failed calls. Cancellation
// is never retried.
func (e *Engine) reason(ctx context.Context, client InferenceClient, r *Run, req Request, log *zap.Logger) (Decision, error) {
	onToken := func(s string) {
		e.pub.Publish(event.Event{
			Kind:      event.RunToken,
			SessionID: r.SessionID,
			Branch:    r.Branch,
			RunID:     r.ID,
			Text:      s,
		})
	}

	var err error
	for attempt := 0; attempt <= e.cfg.ModelRetries; attempt++ {
		if attempt > 0 {
			log.Warn("retrying inference", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		var dec Decision
		dec, err = client.Reason(ctx, req, onToken)
		if err == nil {
			return dec, nil
		}
		if ctx.Err() != nil {
			return Decision{}, err
		}
	}
	if !errors.Is(err, ErrModelUnavailable) && !errors.Is(err, ErrModelError) {
		err = fmt.Errorf("%w: %w", ErrModelError, err)
	}
	return Decision{}, err
}

// act resolves and invokes the tool. fatal reports a tool that could not be
// run at all, as opposed to one that ran and failed.
func (e *Engine) act(ctx context.Context, dec Decision, log *zap.Logger) (res tool.Result, fatal bool) {
	call := dec.Action
	if dec.InvalidArguments != "" {
		return tool.Fail(tool.InvalidArguments, "%s: %s", call.Name, dec.InvalidArguments), false
	}
	t, ok := e.tools.Lookup(call.Name)
	if !ok {
		log.Warn("tool not found", zap.String("tool", call.Name))
		return tool.Fail(tool.Unavailable, "tool not found: %s", call.Name), false
	}

	start := time.Now()
	res = t.Invoke(ctx, call.Arguments)
	fields := []zap.Field{zap.String("tool", call.Name), zap.Duration("duration", time.Since(start))}
	if res.Err != nil {
		fields = append(fields, zap.String("error_kind", string(res.Err.Kind)))
		log.Info("tool failed", fields...)
		return res, res.Err.Kind == tool.Unavailable
	}
	log.Debug("tool finished", fields...)
	return res, false
}

// appendTrace appends at the run's last known head. If something else
// moved the branch in the meantime the append is retried against the new
// head.
func (e *Engine) appendTrace(r *Run, d conversation.Draft) (conversation.Message, error) {
	expected := r.currentHead()
	var err error
	for attempt := 0; attempt <= e.cfg.StaleRetries; attempt++ {
		var msg conversation.Message
		msg, err = e.store.AppendIfHead(r.SessionID, r.Branch, expected, d)
		if err == nil {
			r.moveHead(msg.ID)
			return msg, nil
		}
		if !errors.Is(err, conversation.ErrStaleHead) {
			return conversation.Message{}, err
		}
		if expected, err = e.store.Head(r.SessionID, r.Branch); err != nil {
			return conversation.Message{}, err
		}
	}
	return conversation.Message{}, err
}

func (e *Engine) finish(r *Run) {
	if e.onFinish != nil {
		e.onFinish(r)
	}
}

func (e *Engine) enter(r *Run, s State) {
	if r.State() == s {
		return
	}
	r.setState(s)
	e.publishState(r, s)
}

func (e *Engine) fail(r *Run, log *zap.Logger, cause error) {
	e.terminate(r, log, StateFailed, cause, fmt.Sprintf(
		"The agent run failed: %v. %d step(s) were recorded on branch %q.",
		cause, r.stepCount(), r.Branch))
}

func (e *Engine) abort(r *Run, log *zap.Logger) {
	e.terminate(r, log, StateAborted, ErrAborted, fmt.Sprintf(
		"The agent run was aborted after %d step(s). The partial trace is kept on branch %q.",
		r.stepCount(), r.Branch))
}

// terminate records the closing assistant message. A failure to write it is
// logged; the run still ends in s.
func (e *Engine) terminate(r *Run, log *zap.Logger, s State, cause error, text string) {
	if _, err := e.appendTrace(r, conversation.Draft{Role: conversation.RoleAssistant, Content: text}); err != nil {
		log.Error("failed to record run outcome", zap.Error(err))
	}
	r.mu.Lock()
	r.err = &EngineError{RunID: r.ID, Err: cause}
	r.mu.Unlock()
	e.enter(r, s)

	fields := []zap.Field{zap.String("state", string(s)), zap.Int("steps", r.stepCount())}
	if s == StateFailed {
		log.Warn("agent run failed", append(fields, zap.Error(cause))...)
		return
	}
	log.Info("agent run ended", fields...)
}
