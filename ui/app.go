// Package ui is the interactive terminal front-end. It sends every input
// line through a command.Dispatcher and redraws from the conversation store
// whenever the event bus reports a change.
package ui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"arbor/command"
	"arbor/conversation"
	"arbor/event"
)

const inputHeight = 3

// Options wires the App to the rest of the program.
type Options struct {
	Dispatcher *command.Dispatcher
	Store      *conversation.Store
	// Events should be a subscription on the bus the store, chat service and
	// agent engine publish to.
	Events <-chan event.Event
	// Model reports the current model's display name for the status bar.
	Model  func() string
	Logger *zap.Logger
}

type note struct {
	text string
	err  bool
}

// renderKey identifies a rendered message; ids repeat across sessions.
type renderKey struct {
	session string
	id      conversation.MessageID
}

type runView struct {
	branch string
	state  string
	text   strings.Builder
}

type (
	eventMsg        event.Event
	eventsClosedMsg struct{}
	commandDoneMsg  struct {
		line string
		res  command.Result
		err  error
	}
)

// App is the bubbletea model of the chat screen.
type App struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool

	// busy is set while a command or chat turn is executing.
	busy      bool
	cmdCancel context.CancelFunc
	streaming strings.Builder

	runs  map[string]*runView
	notes []note

	rendered    map[renderKey]string
	renderWidth int
}

func NewApp(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Model == nil {
		opts.Model = func() string { return "" }
	}

	ta := textarea.New()
	ta.Placeholder = "Type a message, or /help for commands..."
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.SetWidth(80)
	// Enter submits; Alt+Enter inserts a newline.
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))
	ta.SetPromptFunc(2, func(lineIdx int) string {
		if lineIdx == 0 {
			return "> "
		}
		return "| "
	})

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = AssistantStyle

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		viewport: viewport.New(0, 0),
		textarea: ta,
		spinner:  sp,
		runs:     make(map[string]*runView),
		rendered: make(map[renderKey]string),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, a.spinner.Tick, a.waitForEvent())
}

func (a *App) waitForEvent() tea.Cmd {
	ch := a.opts.Events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// execute runs line on the dispatcher off the UI goroutine.
func (a *App) execute(line string) tea.Cmd {
	ctx, cancel := context.WithCancel(a.ctx)
	a.cmdCancel = cancel
	a.busy = true
	a.streaming.Reset()
	d := a.opts.Dispatcher
	return func() tea.Msg {
		res, err := d.Execute(ctx, line)
		return commandDoneMsg{line: line, res: res, err: err}
	}
}

// Close cancels in-flight commands. Agent runs are not owned by the UI.
func (a *App) Close() {
	a.cancel()
}

func (a *App) addNote(text string, isErr bool) {
	if text == "" {
		return
	}
	a.notes = append(a.notes, note{text: text, err: isErr})
}
