package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"arbor/agent"
	"arbor/event"
)

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.resize(msg.Width, msg.Height)
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		if a.busy || len(a.runs) > 0 {
			a.refresh(false)
		}
		return a, cmd

	case eventMsg:
		a.handleEvent(event.Event(msg))
		return a, a.waitForEvent()

	case eventsClosedMsg:
		return a, nil

	case commandDoneMsg:
		return a, a.handleDone(msg)

	case editorContentMsg:
		a.textarea.SetValue(msg.content)
		return a, nil

	case editorErrorMsg:
		a.addNote("editor: "+msg.err.Error(), true)
		a.refresh(true)
		return a, nil
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

func (a *App) resize(width, height int) {
	if width != a.renderWidth {
		clear(a.rendered)
		a.renderWidth = width
	}
	a.width, a.height = width, height
	a.textarea.SetWidth(width)
	a.viewport.Width = width
	// status line, input, footer
	a.viewport.Height = max(height-inputHeight-3, 1)
	a.ready = true
	a.refresh(true)
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		a.Close()
		return a, tea.Quit

	case "esc":
		if a.busy && a.cmdCancel != nil {
			a.cmdCancel()
		}
		return a, nil

	case "enter":
		line := strings.TrimSpace(a.textarea.Value())
		if line == "" || a.busy {
			return a, nil
		}
		a.textarea.Reset()
		return a, tea.Batch(a.execute(line), a.spinner.Tick)

	case "alt+i":
		return a, openEditor(a.textarea.Value())

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

func (a *App) handleEvent(ev event.Event) {
	sessionID, branch := a.opts.Dispatcher.Current()
	if ev.SessionID != "" && ev.SessionID != sessionID {
		return
	}

	switch ev.Kind {
	case event.ChatToken:
		if ev.Branch == branch {
			a.streaming.WriteString(ev.Text)
		}

	case event.RunToken:
		a.run(ev).text.WriteString(ev.Text)

	case event.RunState:
		rv := a.run(ev)
		rv.state = ev.State
		rv.text.Reset()
		if agent.State(ev.State).Terminal() {
			delete(a.runs, ev.RunID)
		}

	case event.MessageAppended:
		a.streaming.Reset()

	case event.SessionDeleted, event.SessionRestored:
		clear(a.rendered)

	case event.ToolCollision:
		a.addNote(ev.Text, false)
	}
	a.refresh(true)
}

func (a *App) run(ev event.Event) *runView {
	rv, ok := a.runs[ev.RunID]
	if !ok {
		rv = &runView{branch: ev.Branch}
		a.runs[ev.RunID] = rv
	}
	return rv
}

func (a *App) handleDone(msg commandDoneMsg) tea.Cmd {
	a.busy = false
	if a.cmdCancel != nil {
		a.cmdCancel()
		a.cmdCancel = nil
	}
	a.streaming.Reset()

	if msg.res.Changed {
		a.notes = nil
	}
	if msg.err != nil {
		a.opts.Logger.Debug("input failed", zap.String("line", msg.line), zap.Error(msg.err))
		a.addNote(msg.err.Error(), true)
	}
	a.addNote(msg.res.Output, false)
	if r := msg.res.Run; r != nil && !r.State().Terminal() {
		if _, ok := a.runs[r.ID]; !ok {
			a.runs[r.ID] = &runView{branch: r.Branch, state: string(r.State())}
		}
	}
	a.refresh(true)

	if msg.res.Quit {
		a.Close()
		return tea.Quit
	}
	return nil
}
