package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"arbor/conversation"
	"arbor/storage"
)

const historyPreviewWidth = 72

func cmdHistory(_ context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	sessionID, branch := d.Current()
	history, err := d.env.Store.History(sessionID, branch)
	if err != nil {
		return Result{}, err
	}
	if len(history) == 0 {
		return Result{Output: fmt.Sprintf("Branch %s is empty", branch)}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Branch %s:\n", branch)
	for _, m := range history {
		label := string(m.Role)
		if m.Tool != nil {
			label = fmt.Sprintf("%s %s", m.Role, m.Tool.Name)
			if m.Tool.Failed {
				label += " (failed)"
			}
		}
		fmt.Fprintf(&b, "%4d  %-24s %s\n", m.ID, label, storage.Preview(m.Content, "", historyPreviewWidth))
	}
	return Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}

// cmdEdit forks at a past user prompt with new content and replies there.
func cmdEdit(ctx context.Context, d *Dispatcher, args []string, raw string) (Result, error) {
	if len(args) < 2 {
		return Result{}, usage("need a message id and the new text")
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return Result{}, usage("bad message id %q", args[0])
	}
	content := strings.TrimSpace(strings.TrimPrefix(raw, args[0]))
	sessionID, branch := d.Current()
	if err := d.idle(sessionID, branch); err != nil {
		return Result{}, err
	}
	turn, err := d.env.Chat.Edit(ctx, sessionID, branch, conversation.MessageID(n), content)
	d.autosave(ctx, sessionID)
	if err != nil {
		if turn.Branch != "" {
			return Result{Output: "Forked to " + turn.Branch, Changed: true}, err
		}
		return Result{}, err
	}
	return Result{Output: "Forked to " + turn.Branch, Turn: &turn, Changed: true}, nil
}

func cmdAgent(ctx context.Context, d *Dispatcher, _ []string, raw string) (Result, error) {
	if d.env.Agent == nil {
		return Result{}, fmt.Errorf("agent mode is not available")
	}
	if raw == "" {
		return Result{}, usage("missing instruction")
	}
	sessionID, branch := d.Current()
	d.nameSession(sessionID, raw)
	// The run outlives this command; it is bounded by its own step limit and
	// by /abort rather than by the caller's context.
	run, err := d.env.Agent.Start(context.WithoutCancel(ctx), sessionID, branch, raw)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("Agent run %s started on %s", short(run.ID), branch), Run: run}, nil
}

func cmdAbort(_ context.Context, d *Dispatcher, _ []string, _ string) (Result, error) {
	if d.env.Agent == nil {
		return Result{}, fmt.Errorf("agent mode is not available")
	}
	sessionID, branch := d.Current()
	run, ok := d.env.Agent.ActiveOn(sessionID, branch)
	if !ok {
		return Result{Output: "No agent run on " + branch}, nil
	}
	run.Abort()
	return Result{Output: fmt.Sprintf("Aborting agent run %s", short(run.ID)), Run: run}, nil
}

func cmdSummary(ctx context.Context, d *Dispatcher, args []string, _ string) (Result, error) {
	sessionID, branch := d.Current()
	if len(args) > 0 {
		if args[0] != "now" {
			return Result{}, usage("unknown argument %q", args[0])
		}
		summary, err := d.env.Chat.Summarize(ctx, sessionID, branch)
		if err != nil {
			return Result{}, err
		}
		d.autosave(ctx, sessionID)
		return Result{Output: "Summary:\n" + summary}, nil
	}
	info, err := d.env.Store.Session(sessionID)
	if err != nil {
		return Result{}, err
	}
	b, _ := info.Branch(branch)
	if b.Summary == "" {
		return Result{Output: fmt.Sprintf("Branch %s has no summary yet", branch)}, nil
	}
	return Result{Output: "Summary:\n" + b.Summary}, nil
}
