package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"arbor/conversation"
	"arbor/storage"
)

func cmdBranch(ctx context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	if len(args) == 0 {
		return Result{}, usage("missing subcommand")
	}
	sessionID, branch := d.Current()
	store := d.env.Store

	var (
		res Result
		err error
	)
	switch args[0] {
	case "new":
		if len(args) < 2 {
			return Result{}, usage("missing branch name")
		}
		res, err = branchNew(d, sessionID, branch, args[1])
	case "switch":
		if len(args) < 2 {
			return Result{}, usage("missing branch name")
		}
		if err = store.SwitchBranch(sessionID, args[1]); err == nil {
			res = Result{Output: fmt.Sprintf("Switched to %s", args[1]), Changed: true}
		}
	case "list":
		return branchList(d, sessionID, branch)
	case "current":
		return Result{Output: "Current branch: " + branch}, nil
	case "delete":
		if len(args) < 2 {
			return Result{}, usage("missing branch name")
		}
		res, err = branchDelete(d, sessionID, branch, args[1])
	case "rename":
		if len(args) < 3 {
			return Result{}, usage("need old and new name")
		}
		if err = d.idle(sessionID, args[1]); err != nil {
			return Result{}, err
		}
		if err = store.RenameBranch(sessionID, args[1], args[2]); err == nil {
			res = Result{Output: fmt.Sprintf("Renamed %s to %s", args[1], args[2]), Changed: args[1] == branch}
		}
	case "clear":
		var removed []string
		if removed, err = store.ClearBranches(sessionID); err == nil {
			res = Result{Output: fmt.Sprintf("Removed %d branch(es), kept main", len(removed)), Changed: branch != conversation.MainBranch}
		}
	default:
		return Result{}, usage("unknown subcommand %q", args[0])
	}
	if err != nil {
		return Result{}, err
	}
	d.autosave(ctx, sessionID)
	return res, nil
}

// branchNew forks at the current head and switches to the new branch.
func branchNew(d *Dispatcher, sessionID, from, name string) (Result, error) {
	head, err := d.env.Store.Head(sessionID, from)
	if err != nil {
		return Result{}, err
	}
	if _, err := d.env.Store.Fork(sessionID, from, head, name); err != nil {
		return Result{}, err
	}
	if err := d.env.Store.SwitchBranch(sessionID, name); err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("Created and switched to %s", name), Changed: true}, nil
}

func branchDelete(d *Dispatcher, sessionID, current, name string) (Result, error) {
	if err := d.idle(sessionID, name); err != nil {
		return Result{}, err
	}
	if err := d.env.Store.DeleteBranch(sessionID, name); err != nil {
		return Result{}, err
	}
	if name == current {
		return Result{Output: fmt.Sprintf("Deleted %s, switched back to main", name), Changed: true}, nil
	}
	return Result{Output: "Deleted " + name}, nil
}

// idle refuses metadata changes to a branch an agent is writing to.
func (d *Dispatcher) idle(sessionID, branch string) error {
	if d.env.Agent == nil {
		return nil
	}
	if r, ok := d.env.Agent.ActiveOn(sessionID, branch); ok {
		return fmt.Errorf("branch %s has a running agent task (%s); /abort it first", branch, short(r.ID))
	}
	return nil
}

func branchList(d *Dispatcher, sessionID, current string) (Result, error) {
	branches, err := d.env.Store.Branches(sessionID)
	if err != nil {
		return Result{}, err
	}
	width := 0
	for _, b := range branches {
		width = max(width, runewidth.StringWidth(b.Name))
	}

	var sb strings.Builder
	sb.WriteString("Branches:\n")
	for _, b := range branches {
		mark := " "
		if b.Name == current {
			mark = "*"
		}
		history, err := d.env.Store.History(sessionID, b.Name)
		if err != nil {
			return Result{}, err
		}
		line := fmt.Sprintf("%s %s  %3d messages", mark, runewidth.FillRight(b.Name, width), len(history))
		if n := len(history); n > 0 {
			line += "  " + storage.Preview(history[n-1].Content, "", 40)
		}
		if d.env.Agent != nil {
			if _, running := d.env.Agent.ActiveOn(sessionID, b.Name); running {
				line += "  [agent running]"
			}
		}
		sb.WriteString(line + "\n")
	}
	return Result{Output: strings.TrimRight(sb.String(), "\n")}, nil
}
