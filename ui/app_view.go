package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"arbor/conversation"
)

// toolPreviewLines caps how much of a tool observation the chat shows.
const toolPreviewLines = 12

func (a *App) View() string {
	if !a.ready {
		return "Initializing..."
	}
	footer := FormatFooter("Enter", "Send", "Alt+Enter", "Newline", "Alt+I", "Editor", "PgUp/PgDn", "Scroll", "Esc", "Cancel", "/help", "Commands", "Ctrl+C", "Quit")
	return strings.Join([]string{
		a.viewport.View(),
		a.statusLine(),
		a.textarea.View(),
		HelpStyle.Render(footer),
	}, "\n")
}

func (a *App) statusLine() string {
	sessionID, branch := a.opts.Dispatcher.Current()
	name := sessionID
	if info, err := a.opts.Store.Session(sessionID); err == nil && info.Name != "" {
		name = info.Name
	}
	parts := []string{runewidth.Truncate(name, 32, "..."), "branch " + branch}
	if m := a.opts.Model(); m != "" {
		parts = append(parts, m)
	}
	for _, rv := range a.runs {
		if rv.branch == branch {
			parts = append(parts, "agent: "+rv.state)
		}
	}
	return StatusStyle.Render(strings.Join(parts, " · "))
}

func (a *App) refresh(gotoBottom bool) {
	if !a.ready {
		return
	}
	a.viewport.SetContent(a.renderConversation())
	if gotoBottom {
		a.viewport.GotoBottom()
	}
}

func (a *App) renderConversation() string {
	sessionID, branch := a.opts.Dispatcher.Current()
	history, err := a.opts.Store.History(sessionID, branch)
	if err != nil {
		return ErrorStyle.Render(err.Error())
	}

	var b strings.Builder
	if len(history) == 0 && a.streaming.Len() == 0 {
		b.WriteString(DimStyle.Render("No messages yet. Start chatting, or give the agent a task with /agent."))
		b.WriteString("\n\n")
	}
	for _, m := range history {
		b.WriteString(a.renderMessage(sessionID, m))
	}

	switch {
	case a.streaming.Len() > 0:
		fmt.Fprintf(&b, "%s\n%s▋\n\n", AssistantStyle.Render("Assistant"), a.streaming.String())
	case a.busy && !a.runningOn(branch):
		fmt.Fprintf(&b, "%s %s\n\n", a.spinner.View(), DimStyle.Render("Waiting for response..."))
	}

	for _, rv := range a.runs {
		if rv.branch != branch {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s\n", a.spinner.View(), ToolStyle.Render("Agent"), DimStyle.Render(rv.state))
		if rv.text.Len() > 0 {
			b.WriteString(DimStyle.Render(rv.text.String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	for _, n := range a.notes {
		style := DimStyle
		if n.err {
			style = ErrorStyle
		}
		b.WriteString(style.Render(n.text))
		b.WriteString("\n\n")
	}
	return b.String()
}

func (a *App) runningOn(branch string) bool {
	for _, rv := range a.runs {
		if rv.branch == branch {
			return true
		}
	}
	return false
}

func (a *App) renderMessage(sessionID string, m conversation.Message) string {
	header := DimStyle.Render(fmt.Sprintf("#%d %s", m.ID, m.CreatedAt.Format("[15:04]")))
	switch m.Role {
	case conversation.RoleUser:
		return formatUserMessage(header, UserStyle.Render("You"), m.Content)

	case conversation.RoleToolResult:
		label := "Tool"
		if m.Tool != nil {
			label = "Tool " + m.Tool.Name
		}
		title := ToolStyle.Render(label)
		if m.Tool != nil && m.Tool.Failed {
			title += " " + ErrorStyle.Render("failed")
		}
		return fmt.Sprintf("%s %s\n%s\n\n", header, title, DimStyle.Render(headLines(m.Content, toolPreviewLines)))

	default:
		k := renderKey{sessionID, m.ID}
		out, ok := a.rendered[k]
		if !ok {
			out = renderMarkdown(m.Content, a.width)
			a.rendered[k] = out
		}
		return fmt.Sprintf("%s %s\n%s\n\n", header, AssistantStyle.Render("Assistant"), out)
	}
}

func formatUserMessage(header, role, content string) string {
	bar := lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("┃")
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", bar, header, role)
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(&b, "%s %s\n", bar, line)
	}
	b.WriteString("\n")
	return b.String()
}

func headLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-n)
}
