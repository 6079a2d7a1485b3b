package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/conversation"
	"arbor/event"
	"arbor/model"
	"arbor/provider/testutil"
	"arbor/tool"
)

type fakeTool struct {
	name  string
	mu    sync.Mutex
	calls []map[string]any
	reply func(args map[string]any) tool.Result
}

func (f *fakeTool) Definition() mcptypes.Tool {
	return mcptypes.Tool{Name: f.name, Description: "fake " + f.name}
}

func (f *fakeTool) Invoke(ctx context.Context, args map[string]any) tool.Result {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.reply(args)
}

func (f *fakeTool) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// clientFunc is a scripted inference client.
type clientFunc func(ctx context.Context, req Request, onToken func(string)) (Decision, error)

func (f clientFunc) Reason(ctx context.Context, req Request, onToken func(string)) (Decision, error) {
	return f(ctx, req, onToken)
}

func call(name string, args map[string]any) Decision {
	return Decision{Reasoning: "use " + name, Action: &model.ToolCall{Name: name, Arguments: args}}
}

type harness struct {
	store   *conversation.Store
	tools   *tool.Registry
	session string
}

func newHarness(t *testing.T, tools ...tool.Tool) *harness {
	t.Helper()
	h := &harness{
		store: conversation.NewStore(),
		tools: tool.NewRegistry(nil),
	}
	for _, tl := range tools {
		h.tools.Register(tl)
	}
	h.session = h.store.CreateSession().ID
	return h
}

func (h *harness) engine(client InferenceClient, opts ...Option) *Engine {
	return NewEngine(h.store, h.tools, client, opts...)
}

func (h *harness) history(t *testing.T, branch string) []conversation.Message {
	t.Helper()
	msgs, err := h.store.History(h.session, branch)
	require.NoError(t, err)
	return msgs
}

func wait(t *testing.T, r *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return err
}

func TestRunWithToolThenAnswer(t *testing.T) {
	shell := &fakeTool{name: "shell.run", reply: func(map[string]any) tool.Result {
		return tool.OK("a.txt\nb.txt")
	}}
	h := newHarness(t, shell)

	sp := testutil.NewScriptedProvider(
		testutil.Reply{Chunks: []string{"Let me look."}, Calls: []model.ToolCall{{Name: "shell.run", Arguments: map[string]any{"command": "ls"}}}},
		testutil.Text("There are two files: a.txt and b.txt.\nDone."),
	)
	bus := event.NewBus(nil)
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	e := h.engine(NewProviderClient(sp, h.tools, "be brief"), WithPublisher(bus))
	r, err := e.Start(context.Background(), h.session, conversation.MainBranch, "list files")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	assert.Equal(t, StatusCompleted, r.Status())
	assert.Equal(t, "There are two files: a.txt and b.txt.", r.Final())
	assert.Equal(t, 1, shell.Calls())

	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "list files", msgs[0].Content)
	assert.Equal(t, conversation.RoleToolResult, msgs[1].Role)
	assert.Equal(t, "a.txt\nb.txt", msgs[1].Content)
	require.NotNil(t, msgs[1].Tool)
	assert.Equal(t, "shell.run", msgs[1].Tool.Name)
	assert.Equal(t, "Let me look.", msgs[1].Tool.Reasoning)
	assert.Equal(t, conversation.RoleAssistant, msgs[2].Role)

	steps := r.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "shell.run", steps[0].Action.Name)
	assert.Equal(t, msgs[1].ID, steps[0].MessageID)
	assert.Nil(t, steps[1].Action)

	reqs := sp.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, model.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "be brief", reqs[0].Messages[0].Content)
	last := reqs[1].Messages[len(reqs[1].Messages)-2]
	assert.Equal(t, model.RoleTool, last.Role)

	var states []string
	var tokens strings.Builder
	for len(events) > 0 {
		ev := <-events
		switch ev.Kind {
		case event.RunState:
			assert.Equal(t, r.ID, ev.RunID)
			states = append(states, ev.State)
		case event.RunToken:
			tokens.WriteString(ev.Text)
		}
	}
	assert.Equal(t, []string{"reasoning", "acting", "observing", "reasoning", "done"}, states)
	assert.Contains(t, tokens.String(), "Let me look.")

	_, active := e.Run(r.ID)
	assert.False(t, active)
}

func TestNextStepSeesPreviousCall(t *testing.T) {
	list := &fakeTool{name: "filesystem.list", reply: func(map[string]any) tool.Result {
		return tool.OK("a.txt\nb.txt")
	}}
	h := newHarness(t, list)
	sp := testutil.NewScriptedProvider(
		testutil.Reply{Calls: []model.ToolCall{{Name: "filesystem.list", Arguments: map[string]any{"path": "/secret-dir"}}}},
		testutil.Text("Two files."),
	)

	r, err := h.engine(NewProviderClient(sp, h.tools, "")).Start(context.Background(), h.session, conversation.MainBranch, "what is there")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	reqs := sp.Requests()
	require.Len(t, reqs, 2)
	var prompt strings.Builder
	for _, m := range reqs[1].Messages {
		fmt.Fprintf(&prompt, "%s: %s\n", m.Role, m.Content)
	}
	assert.Contains(t, prompt.String(), `assistant: <use_tool name="filesystem.list" params={"path":"/secret-dir"} />`)
	assert.Contains(t, prompt.String(), "tool: [Tool: filesystem.list {\"path\":\"/secret-dir\"}]\na.txt\nb.txt")
}

func runStates(events <-chan event.Event, runID string) []string {
	var states []string
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == event.RunState && ev.RunID == runID {
			states = append(states, ev.State)
		}
	}
	return states
}

func TestEveryTransitionIsPublished(t *testing.T) {
	tests := []struct {
		name   string
		tool   tool.Result
		client func(ctx context.Context, n int) (Decision, error)
		abort  bool
		want   []string
	}{
		{
			name: "answer",
			client: func(context.Context, int) (Decision, error) {
				return Decision{Final: "done"}, nil
			},
			want: []string{"reasoning", "done"},
		},
		{
			name: "step limit",
			tool: tool.OK("again"),
			client: func(context.Context, int) (Decision, error) {
				return call("echo", nil), nil
			},
			want: []string{"reasoning", "acting", "observing", "reasoning", "acting", "observing", "step-limit-reached"},
		},
		{
			name: "model failure",
			client: func(context.Context, int) (Decision, error) {
				return Decision{}, fmt.Errorf("%w: bad reply", ErrModelError)
			},
			want: []string{"reasoning", "failed"},
		},
		{
			name: "tool unavailable",
			tool: tool.Fail(tool.Unavailable, "gone"),
			client: func(context.Context, int) (Decision, error) {
				return call("echo", nil), nil
			},
			want: []string{"reasoning", "acting", "observing", "failed"},
		},
		{
			name: "abort",
			client: func(ctx context.Context, _ int) (Decision, error) {
				<-ctx.Done()
				return Decision{}, ctx.Err()
			},
			abort: true,
			want:  []string{"reasoning", "aborted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echo := &fakeTool{name: "echo", reply: func(map[string]any) tool.Result { return tt.tool }}
			h := newHarness(t, echo)
			bus := event.NewBus(nil)
			events, unsubscribe := bus.Subscribe(256)
			defer unsubscribe()

			var mu sync.Mutex
			n := 0
			client := clientFunc(func(ctx context.Context, _ Request, _ func(string)) (Decision, error) {
				mu.Lock()
				n++
				step := n
				mu.Unlock()
				return tt.client(ctx, step)
			})
			e := h.engine(client, WithPublisher(bus), WithConfig(Config{MaxSteps: 2}))
			r, err := e.Start(context.Background(), h.session, conversation.MainBranch, "go")
			require.NoError(t, err)
			if tt.abort {
				require.Eventually(t, func() bool { return r.State() == StateReasoning }, time.Second, 5*time.Millisecond)
				r.Abort()
			}
			_ = wait(t, r)

			assert.Equal(t, tt.want, runStates(events, r.ID))
		})
	}
}

// recordingStore remembers the outcome of every conditional append made
// against a given expected head.
type recordingStore struct {
	*conversation.Store
	mu      sync.Mutex
	results map[conversation.MessageID][]error
}

func (s *recordingStore) AppendIfHead(sessionID, branch string, expected conversation.MessageID, d conversation.Draft) (conversation.Message, error) {
	msg, err := s.Store.AppendIfHead(sessionID, branch, expected, d)
	s.mu.Lock()
	s.results[expected] = append(s.results[expected], err)
	s.mu.Unlock()
	return msg, err
}

func TestConcurrentAppendWithRunAtSameHead(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := &recordingStore{Store: conversation.NewStore(), results: make(map[conversation.MessageID][]error)}
		session := store.CreateSession().ID

		reasoning := make(chan struct{})
		release := make(chan struct{})
		client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
			close(reasoning)
			<-release
			return Decision{Final: "answer"}, nil
		})
		e := NewEngine(store, tool.NewRegistry(nil), client)
		r, err := e.Start(context.Background(), session, conversation.MainBranch, "question")
		require.NoError(t, err)
		<-reasoning

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_, _ = store.AppendIfHead(session, conversation.MainBranch, r.PromptID, conversation.Draft{
				Role:    conversation.RoleUser,
				Content: "from chat",
			})
		}()
		close(release)
		wg.Wait()
		require.NoError(t, wait(t, r))

		store.mu.Lock()
		atPrompt := store.results[r.PromptID]
		store.mu.Unlock()
		require.Len(t, atPrompt, 2)
		var ok, stale int
		for _, err := range atPrompt {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, conversation.ErrStaleHead):
				stale++
			}
		}
		assert.Equal(t, 1, ok, "exactly one append at the same head succeeds")
		assert.Equal(t, 1, stale)

		msgs, err := store.History(session, conversation.MainBranch)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "question", msgs[0].Content)
		assert.ElementsMatch(t, []string{"from chat", "answer"}, []string{msgs[1].Content, msgs[2].Content})
	}
}

func TestStepLimit(t *testing.T) {
	echo := &fakeTool{name: "echo", reply: func(map[string]any) tool.Result { return tool.OK("again") }}
	h := newHarness(t, echo)

	var calls int
	client := clientFunc(func(ctx context.Context, req Request, _ func(string)) (Decision, error) {
		calls++
		assert.Equal(t, calls, req.Step)
		assert.Len(t, req.Steps, calls-1)
		return call("echo", nil), nil
	})

	r, err := h.engine(client).Start(context.Background(), h.session, conversation.MainBranch, "loop forever")
	require.NoError(t, err)
	err = wait(t, r)

	require.ErrorIs(t, err, ErrStepLimitReached)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, r.ID, ee.RunID)
	assert.Equal(t, StatusStepLimit, r.Status())
	assert.Len(t, r.Steps(), DefaultMaxSteps)
	assert.Equal(t, DefaultMaxSteps, calls)

	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 1+DefaultMaxSteps+1)
	closing := msgs[len(msgs)-1]
	assert.Equal(t, conversation.RoleAssistant, closing.Role)
	assert.Contains(t, closing.Content, "limit of 5 steps")
}

func TestConfiguredStepLimit(t *testing.T) {
	echo := &fakeTool{name: "echo", reply: func(map[string]any) tool.Result { return tool.OK("") }}
	h := newHarness(t, echo)
	client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return call("echo", nil), nil
	})

	e := h.engine(client, WithConfig(Config{MaxSteps: 2}))
	r, err := e.Start(context.Background(), h.session, conversation.MainBranch, "go")
	require.NoError(t, err)
	require.ErrorIs(t, wait(t, r), ErrStepLimitReached)
	assert.Len(t, r.Steps(), 2)

	assert.Equal(t, DefaultMaxSteps, Config{MaxSteps: 50}.normalized().MaxSteps)
}

func TestModelRetriesAreCapped(t *testing.T) {
	assert.Equal(t, MaxModelRetries, Config{ModelRetries: 9}.normalized().ModelRetries)
	assert.Zero(t, Config{ModelRetries: -2}.normalized().ModelRetries)

	h := newHarness(t)
	var calls int
	client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		calls++
		return Decision{}, fmt.Errorf("%w: overloaded", ErrModelError)
	})
	r, err := h.engine(client, WithConfig(Config{ModelRetries: 9})).Start(context.Background(), h.session, conversation.MainBranch, "hi")
	require.NoError(t, err)
	require.ErrorIs(t, wait(t, r), ErrModelError)
	assert.Equal(t, 1+MaxModelRetries, calls)
}

func TestToolErrorsBecomeObservations(t *testing.T) {
	tests := []struct {
		name   string
		result tool.Result
		kind   tool.ErrorKind
	}{
		{"timeout", tool.Fail(tool.Timeout, "command timed out after 30s"), tool.Timeout},
		{"non-zero exit", tool.Result{Output: "partial", Err: &tool.Error{Kind: tool.NonZeroExit, Message: "exit status 2"}}, tool.NonZeroExit},
		{"invalid arguments", tool.Fail(tool.InvalidArguments, "missing command"), tool.InvalidArguments},
		{"transport", tool.Fail(tool.TransportError, "connection reset"), tool.TransportError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &fakeTool{name: "flaky", reply: func(map[string]any) tool.Result { return tt.result }}
			h := newHarness(t, flaky)

			var n int
			client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
				n++
				if n == 1 {
					return call("flaky", map[string]any{}), nil
				}
				return Decision{Final: "gave up gracefully"}, nil
			})

			r, err := h.engine(client).Start(context.Background(), h.session, conversation.MainBranch, "try")
			require.NoError(t, err)
			require.NoError(t, wait(t, r))

			assert.Equal(t, StatusCompleted, r.Status())
			steps := r.Steps()
			require.Len(t, steps, 2)
			assert.True(t, steps[0].Failed)
			assert.Equal(t, tt.kind, steps[0].ErrorKind)
			assert.Contains(t, steps[0].Observation, string(tt.kind))

			msgs := h.history(t, conversation.MainBranch)
			require.Len(t, msgs, 3)
			assert.True(t, msgs[1].Tool.Failed)
		})
	}
}

func TestUnknownToolIsObserved(t *testing.T) {
	h := newHarness(t)
	var seen []Step
	var n int
	client := clientFunc(func(_ context.Context, req Request, _ func(string)) (Decision, error) {
		n++
		if n == 1 {
			return call("nope.missing", nil), nil
		}
		seen = req.Steps
		return Decision{Final: "no such tool"}, nil
	})

	r, err := h.engine(client).Start(context.Background(), h.session, conversation.MainBranch, "do it")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Failed)
	assert.Contains(t, seen[0].Observation, "tool not found: nope.missing")
	assert.Equal(t, StatusCompleted, r.Status())
	assert.Len(t, r.Steps(), 2)
}

func TestUnavailableToolFailsRun(t *testing.T) {
	broken := &fakeTool{name: "shell.run", reply: func(map[string]any) tool.Result {
		return tool.Fail(tool.Unavailable, "could not start process")
	}}
	h := newHarness(t, broken)
	client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return call("shell.run", map[string]any{"command": "ls"}), nil
	})

	r, err := h.engine(client).Start(context.Background(), h.session, conversation.MainBranch, "list")
	require.NoError(t, err)
	err = wait(t, r)

	require.ErrorIs(t, err, ErrToolUnavailable)
	assert.Equal(t, StatusFailed, r.Status())
	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleToolResult, msgs[1].Role)
	assert.Contains(t, msgs[2].Content, "failed")
	assert.Contains(t, msgs[2].Content, "1 step(s)")
}

func TestInvalidToolArguments(t *testing.T) {
	shell := &fakeTool{name: "shell.run", reply: func(map[string]any) tool.Result { return tool.OK("ran") }}
	h := newHarness(t, shell)
	sp := testutil.NewScriptedProvider(
		testutil.Text(`<use_tool name="shell.run" params={"command": ls} />`),
		testutil.Text("sorry"),
	)

	r, err := h.engine(NewProviderClient(sp, h.tools, "")).Start(context.Background(), h.session, conversation.MainBranch, "list")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	assert.Zero(t, shell.Calls())
	steps := r.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, tool.InvalidArguments, steps[0].ErrorKind)
}

func TestModelRetry(t *testing.T) {
	h := newHarness(t)
	sp := testutil.NewScriptedProvider(
		testutil.Reply{Err: errors.New("overloaded")},
		testutil.Text("fine"),
	)

	r, err := h.engine(NewProviderClient(sp, h.tools, "")).Start(context.Background(), h.session, conversation.MainBranch, "hi")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))
	assert.Equal(t, "fine", r.Final())
	assert.Len(t, sp.Requests(), 2)
}

func TestModelFailureAfterRetry(t *testing.T) {
	h := newHarness(t)
	sp := testutil.NewScriptedProvider(
		testutil.Reply{Err: errors.New("overloaded")},
		testutil.Reply{Err: errors.New("overloaded")},
		testutil.Text("never reached"),
	)

	r, err := h.engine(NewProviderClient(sp, h.tools, "")).Start(context.Background(), h.session, conversation.MainBranch, "hi")
	require.NoError(t, err)
	err = wait(t, r)

	require.ErrorIs(t, err, ErrModelError)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Equal(t, 1, sp.Remaining())

	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "overloaded")
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	sp := testutil.NewScriptedProvider(testutil.Reply{Block: true})
	e := h.engine(NewProviderClient(sp, h.tools, ""))

	r, err := e.Start(context.Background(), h.session, conversation.MainBranch, "think hard")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sp.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Abort(r.ID))
	err = wait(t, r)

	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StatusAborted, r.Status())
	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "aborted after 0 step(s)")

	assert.ErrorIs(t, e.Abort(r.ID), ErrUnknownRun)
}

func TestAbortKeepsPartialTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := &fakeTool{name: "slow", reply: func(map[string]any) tool.Result {
		cancel()
		return tool.Fail(tool.Timeout, "interrupted")
	}}
	h := newHarness(t, slow)
	client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return call("slow", nil), nil
	})

	r, err := h.engine(client).Start(ctx, h.session, conversation.MainBranch, "wait")
	require.NoError(t, err)
	require.ErrorIs(t, wait(t, r), ErrAborted)

	assert.Len(t, r.Steps(), 1)
	msgs := h.history(t, conversation.MainBranch)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleToolResult, msgs[1].Role)
	assert.Contains(t, msgs[2].Content, "after 1 step(s)")
}

func TestOneRunPerBranch(t *testing.T) {
	h := newHarness(t)
	client := clientFunc(func(ctx context.Context, _ Request, _ func(string)) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	e := h.engine(client)

	first, err := e.Start(context.Background(), h.session, conversation.MainBranch, "one")
	require.NoError(t, err)

	_, err = e.Start(context.Background(), h.session, conversation.MainBranch, "two")
	require.ErrorIs(t, err, ErrBranchBusy)

	_, err = h.store.Fork(h.session, conversation.MainBranch, conversation.RootID, "side")
	require.NoError(t, err)
	second, err := e.Start(context.Background(), h.session, "side", "three")
	require.NoError(t, err)

	active := e.Active()
	require.Len(t, active, 2)
	got, ok := e.ActiveOn(h.session, "side")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, StatusAborted, first.Status())
	assert.Equal(t, StatusAborted, second.Status())
	assert.Empty(t, e.Active())

	_, err = e.Start(context.Background(), h.session, "side", "four")
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestOnFinishRunsBeforeWaitReturns(t *testing.T) {
	h := newHarness(t)
	finished := make(chan State, 2)
	onFinish := WithOnFinish(func(r *Run) { finished <- r.State() })

	done := h.engine(clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return Decision{Final: "ok"}, nil
	}), onFinish)
	r, err := done.Start(context.Background(), h.session, conversation.MainBranch, "hi")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))
	require.Len(t, finished, 1)
	assert.Equal(t, StateDone, <-finished)

	blocked := h.engine(clientFunc(func(ctx context.Context, _ Request, _ func(string)) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}), onFinish)
	r, err = blocked.Start(context.Background(), h.session, conversation.MainBranch, "wait")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, blocked.Close(ctx))
	require.Len(t, finished, 1)
	assert.Equal(t, StateAborted, <-finished)
}

func TestStartUnknownBranch(t *testing.T) {
	h := newHarness(t)
	e := h.engine(clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return Decision{Final: "x"}, nil
	}))
	_, err := e.Start(context.Background(), h.session, "nope", "hi")
	assert.ErrorIs(t, err, conversation.ErrUnknownBranch)
	_, err = e.Start(context.Background(), "missing", conversation.MainBranch, "hi")
	assert.ErrorIs(t, err, conversation.ErrUnknownSession)
}

// racingStore appends a foreign message right before the run's first
// trace append, as a concurrent chat turn on the same branch would.
type racingStore struct {
	*conversation.Store
	once sync.Once
}

func (s *racingStore) AppendIfHead(sessionID, branch string, expected conversation.MessageID, d conversation.Draft) (conversation.Message, error) {
	s.once.Do(func() {
		_, _ = s.Store.Append(sessionID, branch, conversation.RoleUser, "interleaved")
	})
	return s.Store.AppendIfHead(sessionID, branch, expected, d)
}

func TestStaleHeadIsRetried(t *testing.T) {
	store := &racingStore{Store: conversation.NewStore()}
	session := store.CreateSession().ID
	client := clientFunc(func(context.Context, Request, func(string)) (Decision, error) {
		return Decision{Final: "answer"}, nil
	})

	e := NewEngine(store, tool.NewRegistry(nil), client)
	r, err := e.Start(context.Background(), session, conversation.MainBranch, "question")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	msgs, err := store.History(session, conversation.MainBranch)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "interleaved", msgs[1].Content)
	assert.Equal(t, "answer", msgs[2].Content)
	assert.Equal(t, msgs[2].ID, r.Steps()[0].MessageID)
}

func TestSummaryReachesClient(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetSummary(h.session, conversation.MainBranch, "we talked about files"))

	var got string
	client := clientFunc(func(_ context.Context, req Request, _ func(string)) (Decision, error) {
		got = req.Summary
		return Decision{Final: "ok"}, nil
	})
	r, err := h.engine(client).Start(context.Background(), h.session, conversation.MainBranch, "continue")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))
	assert.Equal(t, "we talked about files", got)
}
