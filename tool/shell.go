package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	ShellToolName = "shell.run"

	DefaultShellTimeout = 30 * time.Second
	DefaultOutputLimit  = 16 * 1024
)

var defaultShellPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// ShellConfig bounds a shell invocation. Zero values fall back to the
// defaults above; there is no way to ask for an unbounded timeout.
type ShellConfig struct {
	Timeout     time.Duration
	OutputLimit int
	WorkingDir  string
	// InheritEnv names variables copied from the parent environment.
	InheritEnv []string
	// Env is appended after inherited variables.
	Env []string
}

// ShellTool runs a command string through sh -c.
type ShellTool struct {
	cfg    ShellConfig
	logger *zap.Logger
}

func NewShellTool(cfg ShellConfig, logger *zap.Logger) *ShellTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShellTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellTool{cfg: cfg, logger: logger}
}

func (t *ShellTool) Definition() mcptypes.Tool {
	return definition(ShellToolName,
		"Run a shell command and return its stdout and stderr.",
		map[string]any{
			"command": stringProp("Command line passed to sh -c"),
		}, "command")
}

func (t *ShellTool) Invoke(ctx context.Context, args map[string]any) Result {
	command, ok := stringArg(args, "command", "content")
	if !ok {
		return Fail(InvalidArguments, "missing 'command' for %s", ShellToolName)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.cfg.WorkingDir
	cmd.Env = t.environment()
	cmd.Stdin = nil
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, max: t.cfg.OutputLimit}
	errW := &limitedWriter{w: &stderr, max: t.cfg.OutputLimit}
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := formatOutput(command, stdout.String(), stderr.String(), outW.truncated || errW.truncated)

	switch {
	case err == nil:
		t.logger.Debug("shell command finished", zap.String("command", command), zap.Duration("duration", elapsed))
		return OK(output)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		t.logger.Warn("shell command timed out", zap.String("command", command), zap.Duration("timeout", t.cfg.Timeout))
		return Result{Output: output, Err: &Error{Kind: Timeout, Message: fmt.Sprintf("command timed out after %s", t.cfg.Timeout)}}
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{Output: output, Err: &Error{Kind: Timeout, Message: "command cancelled"}}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		t.logger.Debug("shell command exited non-zero", zap.String("command", command), zap.Int("exit_code", exitErr.ExitCode()))
		return Result{Output: output, Err: &Error{Kind: NonZeroExit, Message: fmt.Sprintf("exit status %d", exitErr.ExitCode())}}
	}
	t.logger.Error("shell command failed to start", zap.String("command", command), zap.Error(err))
	return Fail(Unavailable, "cannot run command: %v", err)
}

func (t *ShellTool) environment() []string {
	env := make([]string, 0, len(t.cfg.InheritEnv)+len(t.cfg.Env)+1)
	hasPath := false
	for _, key := range t.cfg.InheritEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
			if key == "PATH" {
				hasPath = true
			}
		}
	}
	for _, kv := range t.cfg.Env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		env = append(env, kv)
	}
	if !hasPath {
		env = append(env, defaultShellPath)
	}
	return env
}

func formatOutput(command, stdout, stderr string, truncated bool) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Command `%s` executed.\nSTDOUT:\n%s\nSTDERR:\n%s", command, stdout, stderr)
	if truncated {
		b.WriteString("\n[output truncated]")
	}
	return b.String()
}

// limitedWriter keeps the first max bytes and silently discards the rest so
// a chatty command never fails with a short write.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.max - lw.w.Len()
	if remaining <= 0 {
		lw.truncated = len(p) > 0 || lw.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		lw.truncated = true
		lw.w.Write(p[:remaining])
		return len(p), nil
	}
	return lw.w.Write(p)
}
