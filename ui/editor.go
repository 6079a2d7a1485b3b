package ui

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

type (
	editorContentMsg struct{ content string }
	editorErrorMsg   struct{ err error }
)

// defaultEditor prefers ARBOR_EDITOR, then EDITOR and VISUAL, then the
// first common editor found on PATH.
func defaultEditor() string {
	for _, env := range []string{"ARBOR_EDITOR", "EDITOR", "VISUAL"} {
		if e := os.Getenv(env); e != "" {
			return e
		}
	}
	if runtime.GOOS == "windows" {
		return "notepad"
	}
	for _, ed := range []string{"nano", "nvim", "vim", "vi", "emacs"} {
		if _, err := exec.LookPath(ed); err == nil {
			return ed
		}
	}
	return "vi"
}

// openEditor suspends the UI and edits current in an external editor. The
// temp file is removed once its content has been read back.
func openEditor(current string) tea.Cmd {
	f, err := os.CreateTemp("", "arbor-prompt-*.md")
	if err != nil {
		return func() tea.Msg { return editorErrorMsg{err} }
	}
	path := f.Name()
	_, err = f.WriteString(current)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return func() tea.Msg { return editorErrorMsg{err} }
	}

	// EDITOR may carry flags, e.g. "code --wait".
	words := strings.Fields(defaultEditor())
	cmd := exec.Command(words[0], append(words[1:], path)...)
	return tea.ExecProcess(cmd, func(err error) tea.Msg {
		defer os.Remove(path)
		if err != nil {
			return editorErrorMsg{err}
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return editorErrorMsg{err}
		}
		return editorContentMsg{strings.TrimRight(string(content), "\n")}
	})
}
