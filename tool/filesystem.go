package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	ReadToolName  = "filesystem.read"
	WriteToolName = "filesystem.write"
	ListToolName  = "filesystem.list"

	DefaultFileSizeLimit = 256 * 1024
)

// FileConfig is shared by the filesystem tools. Relative paths resolve
// against Root.
type FileConfig struct {
	Root      string
	SizeLimit int64
}

func (c FileConfig) resolve(args map[string]any, tool string) (string, *Error) {
	p, ok := stringArg(args, "path")
	if !ok {
		return "", &Error{Kind: InvalidArguments, Message: fmt.Sprintf("missing 'path' for %s", tool)}
	}
	if !filepath.IsAbs(p) && c.Root != "" {
		p = filepath.Join(c.Root, p)
	}
	return filepath.Clean(p), nil
}

func (c FileConfig) limit() int64 {
	if c.SizeLimit <= 0 {
		return DefaultFileSizeLimit
	}
	return c.SizeLimit
}

type ReadFileTool struct {
	cfg    FileConfig
	logger *zap.Logger
}

func NewReadFileTool(cfg FileConfig, logger *zap.Logger) *ReadFileTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadFileTool{cfg: cfg, logger: logger}
}

func (t *ReadFileTool) Definition() mcptypes.Tool {
	return definition(ReadToolName, "Read a text file and return its content.",
		map[string]any{"path": stringProp("File path, absolute or relative to the working directory")},
		"path")
}

func (t *ReadFileTool) Invoke(ctx context.Context, args map[string]any) Result {
	path, perr := t.cfg.resolve(args, ReadToolName)
	if perr != nil {
		return Result{Err: perr}
	}
	if err := ctx.Err(); err != nil {
		return Fail(Timeout, "read cancelled: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fileError("read", path, err)
	}
	defer f.Close()

	limit := t.cfg.limit()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return fileError("read", path, err)
	}
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}
	t.logger.Debug("file read", zap.String("path", path), zap.Int("bytes", len(data)), zap.Bool("truncated", truncated))

	out := fmt.Sprintf("Read file '%s' (%d bytes). Content:\n%s", path, len(data), data)
	if truncated {
		out += fmt.Sprintf("\n[truncated at %d bytes]", limit)
	}
	return OK(out)
}

type WriteFileTool struct {
	cfg    FileConfig
	logger *zap.Logger
}

func NewWriteFileTool(cfg FileConfig, logger *zap.Logger) *WriteFileTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteFileTool{cfg: cfg, logger: logger}
}

func (t *WriteFileTool) Definition() mcptypes.Tool {
	return definition(WriteToolName, "Write text content to a file, creating parent directories.",
		map[string]any{
			"path":    stringProp("File path, absolute or relative to the working directory"),
			"content": stringProp("Text to write"),
		},
		"path", "content")
}

func (t *WriteFileTool) Invoke(ctx context.Context, args map[string]any) Result {
	path, perr := t.cfg.resolve(args, WriteToolName)
	if perr != nil {
		return Result{Err: perr}
	}
	raw, ok := args["content"].(string)
	if !ok {
		return Fail(InvalidArguments, "missing 'content' for %s", WriteToolName)
	}
	if err := ctx.Err(); err != nil {
		return Fail(Timeout, "write cancelled: %v", err)
	}

	data := NormalizeEscapes(raw)
	if int64(len(data)) > t.cfg.limit() {
		return Fail(InvalidArguments, "content is %d bytes, limit is %d", len(data), t.cfg.limit())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError("write", path, err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fileError("write", path, err)
	}
	t.logger.Debug("file written", zap.String("path", path), zap.Int("bytes", len(data)))
	return OK(fmt.Sprintf("Wrote %d bytes to '%s'.", len(data), path))
}

type ListDirTool struct {
	cfg    FileConfig
	logger *zap.Logger
}

func NewListDirTool(cfg FileConfig, logger *zap.Logger) *ListDirTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListDirTool{cfg: cfg, logger: logger}
}

func (t *ListDirTool) Definition() mcptypes.Tool {
	return definition(ListToolName, "List the entries of a directory.",
		map[string]any{"path": stringProp("Directory path, absolute or relative to the working directory")},
		"path")
}

func (t *ListDirTool) Invoke(ctx context.Context, args map[string]any) Result {
	if _, ok := args["path"]; !ok {
		args = map[string]any{"path": "."}
	}
	path, perr := t.cfg.resolve(args, ListToolName)
	if perr != nil {
		return Result{Err: perr}
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fileError("list", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return OK(strings.Join(names, "\n"))
}

// NormalizeEscapes turns literal escape sequences a model tends to emit
// inside JSON strings (\n, \t, \r, \\, \", \') into the characters they
// name. Unknown sequences are kept verbatim.
func NormalizeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case '\'':
			b.WriteByte('\'')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}

func fileError(op, path string, err error) Result {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
		return Fail(InvalidArguments, "%s %s: %v", op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return Fail(InvalidArguments, "%s %s: permission denied", op, path)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return Fail(InvalidArguments, "%s %s: %v", op, path, pathErr.Err)
	}
	return Fail(Unavailable, "%s %s: %v", op, path, err)
}

// Builtins returns the built-in tool set.
func Builtins(shell ShellConfig, files FileConfig, logger *zap.Logger) []Tool {
	if files.Root == "" {
		files.Root = shell.WorkingDir
	}
	return []Tool{
		NewShellTool(shell, logger),
		NewReadFileTool(files, logger),
		NewWriteFileTool(files, logger),
		NewListDirTool(files, logger),
	}
}
