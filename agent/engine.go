package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbor/conversation"
	"arbor/event"
	"arbor/tool"
)

// DefaultMaxSteps is the hard ceiling on recorded steps per run.
const DefaultMaxSteps = 5

// MaxModelRetries caps the repeats of a failed inference call.
const MaxModelRetries = 1

// Store is the part of the conversation store a run writes its trace into.
type Store interface {
	Session(id string) (conversation.SessionInfo, error)
	History(sessionID, branch string) ([]conversation.Message, error)
	Head(sessionID, branch string) (conversation.MessageID, error)
	AppendDraft(sessionID, branch string, d conversation.Draft) (conversation.Message, error)
	AppendIfHead(sessionID, branch string, expected conversation.MessageID, d conversation.Draft) (conversation.Message, error)
}

// Tools resolves tool names.
type Tools interface {
	Lookup(name string) (tool.Tool, bool)
}

type Config struct {
	// MaxSteps is clamped to 1..DefaultMaxSteps.
	MaxSteps int
	// ModelRetries is how many times a failed inference call is repeated
	// before the run fails. Clamped to 0..MaxModelRetries.
	ModelRetries int
	// StaleRetries bounds how often an append is retried against a branch
	// head that moved underneath the run.
	StaleRetries int
	// ObservationLimit caps the bytes of tool output recorded per step.
	ObservationLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:         DefaultMaxSteps,
		ModelRetries:     1,
		StaleRetries:     3,
		ObservationLimit: tool.DefaultOutputLimit,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 || c.MaxSteps > DefaultMaxSteps {
		c.MaxSteps = d.MaxSteps
	}
	c.ModelRetries = min(max(c.ModelRetries, 0), MaxModelRetries)
	if c.StaleRetries <= 0 {
		c.StaleRetries = d.StaleRetries
	}
	if c.ObservationLimit <= 0 {
		c.ObservationLimit = d.ObservationLimit
	}
	return c
}

type Option func(*Engine)

func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c.normalized() }
}

func WithPublisher(p event.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.pub = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithOnFinish sets a hook called once per run after it reaches a terminal
// state and before Wait returns.
func WithOnFinish(fn func(*Run)) Option {
	return func(e *Engine) { e.onFinish = fn }
}

// WithClient swaps the inference client, e.g. after the user picks another
// model.
func WithClient(c InferenceClient) Option {
	return func(e *Engine) { e.client = c }
}

var ErrEngineClosed = errors.New("agent engine closed")

type branchKey struct {
	session string
	branch  string
}

// Engine starts and tracks agent runs. Runs on different branches execute
// concurrently; a branch carries at most one run at a time.
type Engine struct {
	store  Store
	tools  Tools
	client InferenceClient
	pub    event.Publisher
	logger *zap.Logger
	cfg    Config

	onFinish func(*Run)

	mu     sync.Mutex
	runs   map[string]*Run
	busy   map[branchKey]string
	closed bool
	wg     sync.WaitGroup
}

func NewEngine(store Store, tools Tools, client InferenceClient, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		tools:  tools,
		client: client,
		pub:    event.Discard,
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		runs:   make(map[string]*Run),
		busy:   make(map[branchKey]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetClient replaces the inference client for runs started afterwards.
func (e *Engine) SetClient(c InferenceClient) {
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()
}

// Start appends instruction to the branch as a user message and launches a
// run on it. ctx bounds the whole run; cancelling it aborts the run like
// Abort does.
func (e *Engine) Start(ctx context.Context, sessionID, branch, instruction string) (*Run, error) {
	if _, err := e.store.Head(sessionID, branch); err != nil {
		return nil, err
	}

	key := branchKey{sessionID, branch}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if id, ok := e.busy[key]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s on %s", ErrBranchBusy, id, branch)
	}
	client := e.client

	prompt, err := e.store.AppendDraft(sessionID, branch, conversation.Draft{
		Role:    conversation.RoleUser,
		Content: instruction,
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Branch:      branch,
		Instruction: instruction,
		PromptID:    prompt.ID,
		StartedAt:   time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StatePending,
		head:        prompt.ID,
	}
	e.runs[r.ID] = r
	e.busy[key] = r.ID
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("agent run started",
		zap.String("run_id", r.ID),
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.Int("max_steps", e.cfg.MaxSteps))

	go func() {
		defer e.wg.Done()
		e.execute(runCtx, client, r)
	}()
	return r, nil
}

// Abort requests cancellation. The run observes it at its next suspension
// point and reports StatusAborted.
func (e *Engine) Abort(runID string) error {
	r, ok := e.Run(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.Abort()
	return nil
}

// Run returns an active run by id.
func (e *Engine) Run(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// ActiveOn returns the run currently working on the branch, if any.
func (e *Engine) ActiveOn(sessionID, branch string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.busy[branchKey{sessionID, branch}]
	if !ok {
		return nil, false
	}
	return e.runs[id], true
}

// Active lists running runs, oldest first.
func (e *Engine) Active() []*Run {
	e.mu.Lock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close aborts every run and waits for them to record their terminal
// message, or for ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.Abort()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release(r *Run) {
	e.mu.Lock()
	delete(e.runs, r.ID)
	key := branchKey{r.SessionID, r.Branch}
	if e.busy[key] == r.ID {
		delete(e.busy, key)
	}
	e.mu.Unlock()
}

func (e *Engine) publishState(r *Run, s State) {
	e.pub.Publish(event.Event{
		Kind:      event.RunState,
		SessionID: r.SessionID,
		Branch:    r.Branch,
		RunID:     r.ID,
		State:     string(s),
	})
}
