package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"arbor/conversation"
)

func cmdNew(ctx context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	prev, _ := d.Current()
	d.autosave(ctx, prev)
	info := d.env.Store.CreateSession()
	d.setCurrent(info.ID)
	return Result{Output: fmt.Sprintf("Started session %s", short(info.ID)), Changed: true}, nil
}

func cmdSession(ctx context.Context, d *Dispatcher, args []string, raw string) (Result, error) {
	if len(args) == 0 {
		return Result{}, usage("missing subcommand")
	}
	switch args[0] {
	case "list":
		return sessionList(ctx, d)
	case "current":
		id, branch := d.Current()
		info, err := d.env.Store.Session(id)
		if err != nil {
			return Result{}, err
		}
		return Result{Output: fmt.Sprintf("Session %s %q on branch %s (%d messages)", id, info.Name, branch, info.MessageCount)}, nil
	case "switch":
		if len(args) < 2 {
			return Result{}, usage("missing session id")
		}
		return sessionSwitch(ctx, d, args[1])
	case "delete":
		if len(args) < 2 {
			return Result{}, usage("missing session id")
		}
		return sessionDelete(ctx, d, args[1])
	case "rename":
		name := strings.TrimSpace(strings.TrimPrefix(raw, "rename"))
		if name == "" {
			return Result{}, usage("missing name")
		}
		id, _ := d.Current()
		if err := d.env.Store.RenameSession(id, name); err != nil {
			return Result{}, err
		}
		d.autosave(ctx, id)
		return Result{Output: fmt.Sprintf("Session renamed to %q", name)}, nil
	case "clear":
		return sessionClear(ctx, d)
	default:
		return Result{}, usage("unknown subcommand %q", args[0])
	}
}

type sessionRow struct {
	id       string
	name     string
	branches int
	messages int
}

// sessions merges the loaded sessions with the catalog. Loaded state wins.
func (d *Dispatcher) sessions(ctx context.Context) ([]sessionRow, error) {
	rows := make(map[string]sessionRow)
	if d.env.Library != nil {
		entries, err := d.env.Library.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			rows[e.ID] = sessionRow{e.ID, e.Name, e.Branches, e.Messages}
		}
	}
	for _, s := range d.env.Store.ListSessions() {
		rows[s.ID] = sessionRow{s.ID, s.Name, len(s.Branches), s.MessageCount}
	}
	out := make([]sessionRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func sessionList(ctx context.Context, d *Dispatcher) (Result, error) {
	rows, err := d.sessions(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{Output: "(no sessions)"}, nil
	}
	current, _ := d.Current()
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, r := range rows {
		mark := " "
		if r.id == current {
			mark = "*"
		}
		name := r.name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "%s %s  %s  %d branches, %d messages\n",
			mark, short(r.id), runewidth.FillRight(runewidth.Truncate(name, 32, "..."), 32), r.branches, r.messages)
	}
	return Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}

// resolve finds a session by id or unique id prefix.
func (d *Dispatcher) resolve(ctx context.Context, prefix string) (string, error) {
	rows, err := d.sessions(ctx)
	if err != nil {
		return "", err
	}
	if d.env.Library != nil {
		ids, err := d.env.Library.Files().IDs()
		if err == nil {
			for _, id := range ids {
				rows = append(rows, sessionRow{id: id})
			}
		}
	}
	matches := make(map[string]bool)
	for _, r := range rows {
		if r.id == prefix {
			return r.id, nil
		}
		if strings.HasPrefix(r.id, prefix) {
			matches[r.id] = true
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", conversation.ErrUnknownSession, prefix)
	case 1:
		for id := range matches {
			return id, nil
		}
	}
	return "", fmt.Errorf("session id %q is ambiguous (%d matches)", prefix, len(matches))
}

func sessionSwitch(ctx context.Context, d *Dispatcher, prefix string) (Result, error) {
	id, err := d.resolve(ctx, prefix)
	if err != nil {
		return Result{}, err
	}
	prev, _ := d.Current()
	if d.env.Library != nil && id != prev {
		if err := d.checkLock(id); err != nil {
			return Result{}, err
		}
	}
	if _, err := d.env.Store.Session(id); err != nil {
		if d.env.Library == nil {
			return Result{}, err
		}
		if _, err := d.env.Library.Load(ctx, id); err != nil {
			return Result{}, err
		}
	}
	d.autosave(ctx, prev)
	d.setCurrent(id)
	_, branch := d.Current()
	return Result{Output: fmt.Sprintf("Switched to session %s (branch %s)", short(id), branch), Changed: true}, nil
}

func (d *Dispatcher) checkLock(id string) error {
	pid, err := d.env.Library.Files().CheckSessionLock(id)
	if err != nil {
		return err
	}
	if pid != 0 {
		return fmt.Errorf("session %s is open in another arbor process (pid %d)", short(id), pid)
	}
	return nil
}

func sessionDelete(ctx context.Context, d *Dispatcher, prefix string) (Result, error) {
	id, err := d.resolve(ctx, prefix)
	if err != nil {
		return Result{}, err
	}
	if err := d.deleteSession(ctx, id); err != nil {
		return Result{}, err
	}
	current, _ := d.Current()
	if id != current {
		return Result{Output: fmt.Sprintf("Deleted session %s", short(id))}, nil
	}
	info := d.env.Store.CreateSession()
	d.setCurrent(info.ID)
	return Result{
		Output:  fmt.Sprintf("Deleted current session. Switched to new session %s", short(info.ID)),
		Changed: true,
	}, nil
}

func (d *Dispatcher) deleteSession(ctx context.Context, id string) error {
	if d.env.Library != nil {
		return d.env.Library.Delete(ctx, id)
	}
	return d.env.Store.DeleteSession(id)
}

// sessionClear deletes every session except the current one.
func sessionClear(ctx context.Context, d *Dispatcher) (Result, error) {
	rows, err := d.sessions(ctx)
	if err != nil {
		return Result{}, err
	}
	current, _ := d.Current()
	var (
		n    int
		errs []error
	)
	for _, r := range rows {
		if r.id == current {
			continue
		}
		if err := d.deleteSession(ctx, r.id); err != nil && !errors.Is(err, conversation.ErrUnknownSession) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return Result{Output: fmt.Sprintf("Deleted %d session(s)", n)}, errors.Join(errs...)
}

func cmdSave(ctx context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	if d.env.Library == nil {
		return Result{}, errors.New("no session storage configured")
	}
	id, _ := d.Current()
	if err := d.Save(ctx, id); err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("Saved session %s", short(id))}, nil
}

// cmdLoad re-reads a session from disk, replacing the loaded copy.
func cmdLoad(ctx context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	if d.env.Library == nil {
		return Result{}, errors.New("no session storage configured")
	}
	if len(args) == 0 {
		return Result{}, usage("missing session id")
	}
	id, err := d.resolve(ctx, args[0])
	if err != nil {
		return Result{}, err
	}
	current, _ := d.Current()
	if id != current {
		if err := d.checkLock(id); err != nil {
			return Result{}, err
		}
	}
	info, err := d.env.Library.Load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	d.setCurrent(info.ID)
	return Result{
		Output:  fmt.Sprintf("Loaded session %s %q, branch %s", short(info.ID), info.Name, info.ActiveBranch),
		Changed: true,
	}, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
