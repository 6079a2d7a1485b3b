// Package command implements the slash-command surface shared by the
// interactive UI and the headless CLI. A Dispatcher owns the notion of the
// current session; the current branch is always the session's active branch
// in the store.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	"arbor/agent"
	"arbor/chat"
	"arbor/conversation"
	"arbor/model"
	"arbor/storage"
)

// Chat is the plain-turn service.
type Chat interface {
	Send(ctx context.Context, sessionID, branch, text string) (chat.Turn, error)
	Edit(ctx context.Context, sessionID, branch string, id conversation.MessageID, content string) (chat.Turn, error)
	Summarize(ctx context.Context, sessionID, branch string) (string, error)
	Provider() model.Provider
}

// Agent starts and finds agent runs.
type Agent interface {
	Start(ctx context.Context, sessionID, branch, instruction string) (*agent.Run, error)
	ActiveOn(sessionID, branch string) (*agent.Run, bool)
}

// ToolServers is the MCP side of the tool registry.
type ToolServers interface {
	Discover(ctx context.Context) map[string]error
	Servers() []string
	Failed() map[string]error
}

// ToolCatalog lists registered tool names.
type ToolCatalog interface {
	Names() []string
}

// Env is everything commands act on. Servers and Library may be nil.
type Env struct {
	Store   *conversation.Store
	Library *storage.Library
	Chat    Chat
	Agent   Agent
	Tools   ToolCatalog
	Servers ToolServers
	Logger  *zap.Logger

	// Clipboard defaults to the system clipboard.
	Clipboard func(string) error
	// Autosave persists the session after every command that changes it.
	Autosave bool
	Now      func() time.Time
}

// Result is what a command produced. Output is a human-readable status; Turn
// and Run are set for chat turns and agent starts.
type Result struct {
	Output string
	Turn   *chat.Turn
	Run    *agent.Run
	Quit   bool
	// Changed reports that the current session or branch moved.
	Changed bool
}

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, args...)...)
}

type handler func(ctx context.Context, d *Dispatcher, args []string, raw string) (Result, error)

type spec struct {
	name    string
	args    string
	summary string
	run     handler
}

// Dispatcher parses and executes input lines.
type Dispatcher struct {
	env      Env
	commands map[string]spec
	order    []string

	mu      sync.RWMutex
	current string
}

// New creates a dispatcher on sessionID, which must be loaded in the store.
func New(env Env, sessionID string) *Dispatcher {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Clipboard == nil {
		env.Clipboard = clipboard.WriteAll
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	d := &Dispatcher{env: env, current: sessionID, commands: make(map[string]spec)}
	for _, s := range []spec{
		{"help", "", "show this help", cmdHelp},
		{"new", "", "start a new session", cmdNew},
		{"session", "list|current|switch <id>|delete <id>|rename <name>|clear", "manage sessions", cmdSession},
		{"branch", "new <name>|switch <name>|list|current|delete <name>|rename <old> <new>|clear", "manage branches", cmdBranch},
		{"history", "", "show the current branch with message ids", cmdHistory},
		{"edit", "<message-id> <text>", "rewrite a past prompt on a new branch", cmdEdit},
		{"agent", "<instruction>", "run the instruction as an agent task", cmdAgent},
		{"abort", "", "abort the agent run on this branch", cmdAbort},
		{"save", "", "save the current session", cmdSave},
		{"load", "<id>", "load a session from disk", cmdLoad},
		{"summary", "[now]", "show or refresh the branch summary", cmdSummary},
		{"search", "<text>", "search all saved sessions", cmdSearch},
		{"export", "[json|yaml|md|html] [path]", "export the current branch", cmdExport},
		{"copy", "", "copy the last reply to the clipboard", cmdCopy},
		{"models", "", "list models of the current provider", cmdModels},
		{"model", "<name>", "switch model", cmdModel},
		{"tools", "", "list available tools", cmdTools},
		{"mcp", "list|refresh", "inspect or rediscover MCP servers", cmdMCP},
		{"quit", "", "exit", cmdQuit},
	} {
		d.commands[s.name] = s
		d.order = append(d.order, s.name)
	}
	d.commands["exit"] = d.commands["quit"]
	return d
}

// Current returns the current session and its active branch.
func (d *Dispatcher) Current() (sessionID, branch string) {
	d.mu.RLock()
	sessionID = d.current
	d.mu.RUnlock()
	branch, err := d.env.Store.ActiveBranch(sessionID)
	if err != nil {
		branch = conversation.MainBranch
	}
	return sessionID, branch
}

func (d *Dispatcher) setCurrent(id string) {
	d.mu.Lock()
	prev := d.current
	d.current = id
	d.mu.Unlock()

	if d.env.Library == nil || prev == id {
		return
	}
	files := d.env.Library.Files()
	_ = files.UnlockSession(prev)
	_ = files.LockSession(id)
	_ = files.SaveCurrentSessionID(id)
}

// Execute runs one input line. Lines not starting with "/" are chat turns.
func (d *Dispatcher) Execute(ctx context.Context, line string) (Result, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return d.send(ctx, line)
	}

	name, raw, _ := strings.Cut(line[1:], " ")
	raw = strings.TrimSpace(raw)
	s, ok := d.commands[strings.ToLower(name)]
	if !ok {
		return Result{}, fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, name)
	}

	res, err := s.run(ctx, d, strings.Fields(raw), raw)
	if errors.Is(err, ErrUsage) && s.args != "" {
		err = fmt.Errorf("%w\nusage: /%s %s", err, s.name, s.args)
	}
	if err != nil {
		d.env.Logger.Debug("command failed", zap.String("command", s.name), zap.Error(err))
	}
	return res, err
}

func (d *Dispatcher) send(ctx context.Context, text string) (Result, error) {
	sessionID, branch := d.Current()
	d.nameSession(sessionID, text)
	turn, err := d.env.Chat.Send(ctx, sessionID, branch, text)
	d.autosave(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	return Result{Turn: &turn}, nil
}

// nameSession names an unnamed session after its first prompt.
func (d *Dispatcher) nameSession(sessionID, text string) {
	info, err := d.env.Store.Session(sessionID)
	if err != nil || info.Name != "" {
		return
	}
	_ = d.env.Store.RenameSession(sessionID, conversation.SessionName(text))
}

// Save persists the session if a library is configured.
func (d *Dispatcher) Save(ctx context.Context, sessionID string) error {
	if d.env.Library == nil {
		return nil
	}
	return d.env.Library.Save(ctx, sessionID)
}

func (d *Dispatcher) autosave(ctx context.Context, sessionID string) {
	if !d.env.Autosave {
		return
	}
	if err := d.Save(ctx, sessionID); err != nil {
		d.env.Logger.Warn("autosave failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Help lists the commands in registration order.
func (d *Dispatcher) Help() string {
	var b strings.Builder
	b.WriteString("Type a message to chat, or a command:\n")
	for _, name := range d.order {
		s := d.commands[name]
		usage := "/" + s.name
		if s.args != "" {
			usage += " " + s.args
		}
		fmt.Fprintf(&b, "  %s\n      %s\n", usage, s.summary)
	}
	return b.String()
}

func cmdHelp(_ context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	return Result{Output: d.Help()}, nil
}

func cmdQuit(context.Context, *Dispatcher, []string, string) (Result, error) {
	return Result{Quit: true}, nil
}
