package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"

	"arbor/conversation"
	"arbor/provider"
	"arbor/storage"
)

const searchLimit = 20

func cmdSearch(ctx context.Context, d *Dispatcher, _ []string, raw string) (Result, error) {
	if raw == "" {
		return Result{}, usage("missing search text")
	}
	if d.env.Library == nil {
		return Result{}, errors.New("search needs session storage")
	}
	matches, err := d.env.Library.Search(ctx, raw, searchLimit)
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{Output: fmt.Sprintf("No messages match %q", raw)}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d match(es) for %q:\n", len(matches), raw)
	for _, m := range matches {
		name := m.SessionName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "%s %s #%d %s\n    %s\n",
			short(m.SessionID), runewidth.Truncate(name, 24, "..."), m.MessageID, m.Role, m.Preview)
	}
	return Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func cmdExport(_ context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	format := storage.FormatMarkdown
	if len(args) > 0 {
		f, err := storage.ParseFormat(args[0])
		if err != nil {
			return Result{}, usage("%v", err)
		}
		format = f
	}
	sessionID, branch := d.Current()
	info, err := d.env.Store.Session(sessionID)
	if err != nil {
		return Result{}, err
	}
	history, err := d.env.Store.History(sessionID, branch)
	if err != nil {
		return Result{}, err
	}
	now := d.env.Now()
	data, err := storage.NewExport(info, branch, history, now).Render(format)
	if err != nil {
		return Result{}, err
	}

	path := storage.GenerateExportPath(info.Name, branch, format, now)
	if len(args) > 1 {
		path = args[1]
	}
	if err := storage.WriteExport(path, data); err != nil {
		return Result{}, err
	}
	return Result{Output: "Exported to " + path}, nil
}

// cmdCopy copies the newest assistant message on the branch.
func cmdCopy(_ context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	sessionID, branch := d.Current()
	history, err := d.env.Store.History(sessionID, branch)
	if err != nil {
		return Result{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != conversation.RoleAssistant {
			continue
		}
		if err := d.env.Clipboard(history[i].Content); err != nil {
			return Result{}, fmt.Errorf("copy to clipboard: %w", err)
		}
		return Result{Output: "Copied the last reply to the clipboard"}, nil
	}
	return Result{Output: "Nothing to copy"}, nil
}

func cmdModels(ctx context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	p := d.env.Chat.Provider()
	models, err := provider.Check(ctx, p)
	if err != nil {
		return Result{}, err
	}
	current := p.GetModel()
	var b strings.Builder
	b.WriteString("Models:\n")
	for _, m := range models {
		mark := " "
		if m.InternalName == current || m.Name == current {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, m.InternalName)
	}
	return Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func cmdModel(ctx context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	p := d.env.Chat.Provider()
	if len(args) == 0 {
		return Result{Output: "Current model: " + p.GetDisplayName()}, nil
	}
	// an unreachable provider does not block the switch
	models, err := provider.Check(ctx, p)
	if err == nil && !provider.HasModel(models, args[0]) {
		return Result{}, fmt.Errorf("model %q is not offered by the provider (see /models)", args[0])
	}
	p.SetModel(args[0])
	d.env.Logger.Info("model switched", zap.String("model", args[0]), zap.Bool("verified", err == nil))
	return Result{Output: "Switched model to " + p.GetDisplayName()}, nil
}

func cmdTools(_ context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	if d.env.Tools == nil {
		return Result{Output: "(no tools)"}, nil
	}
	names := d.env.Tools.Names()
	if len(names) == 0 {
		return Result{Output: "(no tools)"}, nil
	}
	return Result{Output: "Tools:\n  " + strings.Join(names, "\n  ")}, nil
}

func cmdMCP(ctx context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	if d.env.Servers == nil {
		return Result{Output: "No MCP servers configured"}, nil
	}
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		return Result{Output: serverReport(d.env.Servers.Servers(), d.env.Servers.Failed())}, nil
	case "refresh":
		failed := d.env.Servers.Failed()
		for id, err := range d.env.Servers.Discover(ctx) {
			failed[id] = err
		}
		return Result{Output: serverReport(d.env.Servers.Servers(), failed)}, nil
	default:
		return Result{}, usage("unknown subcommand %q", sub)
	}
}

func serverReport(servers []string, failed map[string]error) string {
	var b strings.Builder
	b.WriteString("MCP servers:\n")
	if len(servers) == 0 && len(failed) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, id := range servers {
		if _, bad := failed[id]; !bad {
			fmt.Fprintf(&b, "  %s  ok\n", id)
		}
	}
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s  unavailable: %v\n", id, failed[id])
	}
	return strings.TrimRight(b.String(), "\n")
}
