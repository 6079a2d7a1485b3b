package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// ModalType picks the title color.
type ModalType int

const (
	ModalTypeInfo ModalType = iota
	ModalTypeWarning
	ModalTypeError
)

// RenderThreeSectionModal draws a borderless modal: title, message lines
// under a rule, footer under a rule, centered in a width x height screen.
func RenderThreeSectionModal(title string, messageLines []string, footer string, modalType ModalType, desiredWidth, width, height int) string {
	if width < 20 || height < 10 {
		return "Terminal too small"
	}
	modalWidth := desiredWidth
	if modalWidth == 0 {
		modalWidth = 60
	}
	if width < modalWidth+10 {
		modalWidth = max(width-10, 10)
	}

	titleColor := accentColor
	switch modalType {
	case ModalTypeWarning:
		titleColor = warningColor
	case ModalTypeError:
		titleColor = dangerColor
	}

	leftPad := max((modalWidth-runewidth.StringWidth(title))/2, 0)
	titleSection := lipgloss.NewStyle().
		Bold(true).
		Foreground(titleColor).
		Render(strings.Repeat(" ", leftPad) + title)

	blank := strings.Repeat(" ", modalWidth)
	lines := append([]string{blank}, messageLines...)
	lines = append(lines, blank)
	messageSection := lipgloss.NewStyle().
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimColor).
		Width(modalWidth).
		Render(strings.Join(lines, "\n"))

	footerSection := lipgloss.NewStyle().
		Foreground(dimColor).
		Align(lipgloss.Center).
		Width(modalWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimColor).
		Render(footer)

	content := strings.Join([]string{titleSection, messageSection, footerSection}, "\n")
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

func centeredLines(text string, width int) []string {
	style := lipgloss.NewStyle().Width(width).Align(lipgloss.Center)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, style.Render(line))
	}
	return out
}

// ErrorModal is shown before the main UI starts, e.g. for a broken config.
type ErrorModal struct {
	title   string
	message string
	width   int
	height  int
}

func NewErrorModal(title, message string) ErrorModal {
	return ErrorModal{title: title, message: message}
}

func (m ErrorModal) Init() tea.Cmd { return nil }

func (m ErrorModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		if msg.String() == "enter" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m ErrorModal) View() string {
	return RenderThreeSectionModal(m.title, centeredLines(m.message, 60), "Press Enter to quit", ModalTypeError, 60, m.width, m.height)
}

// PassphraseModal asks for the passphrase of the SSH key that encrypts the
// data directory.
type PassphraseModal struct {
	keyPath   string
	input     textinput.Model
	err       string
	width     int
	height    int
	cancelled bool
}

func NewPassphraseModal(keyPath, errMsg string) PassphraseModal {
	input := textinput.New()
	input.Placeholder = "Enter passphrase"
	input.Width = 50
	input.CharLimit = 200
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '•'
	input.Focus()
	return PassphraseModal{keyPath: keyPath, input: input, err: errMsg}
}

func (m PassphraseModal) Init() tea.Cmd { return textinput.Blink }

func (m PassphraseModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "enter":
			if m.input.Value() == "" {
				m.err = "Passphrase cannot be empty"
				return m, nil
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m PassphraseModal) View() string {
	const width = 70
	lines := centeredLines(fmt.Sprintf(
		"The SSH key is encrypted with a passphrase.\nKey: %s\nPlease enter the passphrase:", m.keyPath), width)
	lines = append(lines, "", lipgloss.PlaceHorizontal(width, lipgloss.Center, m.input.View()))
	if m.err != "" {
		lines = append(lines, "", lipgloss.PlaceHorizontal(width, lipgloss.Center, ErrorStyle.Render("⚠ "+m.err)))
	}
	return RenderThreeSectionModal("SSH Key Passphrase Required", lines, "Enter Continue  |  Esc Cancel", ModalTypeInfo, width, m.width, m.height)
}

// Passphrase returns the entered passphrase, or "" if cancelled.
func (m PassphraseModal) Passphrase() string {
	if m.cancelled {
		return ""
	}
	return m.input.Value()
}

// InstanceLockedModal is shown when another process holds the instance lock.
// The user can exit or force-delete the lock.
type InstanceLockedModal struct {
	pid         int
	width       int
	height      int
	forceDelete bool
}

func NewInstanceLockedModal(pid int) InstanceLockedModal {
	return InstanceLockedModal{pid: pid}
}

func (m InstanceLockedModal) Init() tea.Cmd { return nil }

func (m InstanceLockedModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "ctrl+c":
			return m, tea.Quit
		case "d", "D":
			m.forceDelete = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// ForceDelete reports whether the user chose to remove the lock file.
func (m InstanceLockedModal) ForceDelete() bool {
	return m.forceDelete
}

func (m InstanceLockedModal) View() string {
	msg := fmt.Sprintf("Another arbor instance is using this data directory (PID %d).\n\n"+
		"Close it, or point ARBOR_DATA_DIR somewhere else.\n\n"+
		"If that process is gone, press D to delete the lock file\n"+
		"and open arbor anyway.", m.pid)
	return RenderThreeSectionModal("arbor is already running", centeredLines(msg, 60), "Enter Exit │ D Force delete lock file", ModalTypeError, 60, m.width, m.height)
}
