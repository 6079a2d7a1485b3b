package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/tool"
)

type fakeTransport struct {
	mu       sync.Mutex
	tools    []mcptypes.Tool
	calls    []string
	closed   bool
	listErr  error
	response tool.Result
}

func (f *fakeTransport) Discover(context.Context) ([]mcptypes.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.listErr
}

func (f *fakeTransport) Invoke(_ context.Context, name string, _ map[string]any) tool.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.response
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setTools(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = nil
	for _, n := range names {
		f.tools = append(f.tools, mcptypes.Tool{Name: n, InputSchema: mcptypes.ToolInputSchema{Type: "object"}})
	}
}

func fakeDialer(servers map[string]*fakeTransport) Dialer {
	return func(_ context.Context, cfg ServerConfig) (Transport, error) {
		t, ok := servers[cfg.ID]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return t, nil
	}
}

func TestManagerStartRegistersNamespacedTools(t *testing.T) {
	fs := &fakeTransport{response: tool.OK("contents")}
	fs.setTools("read_file", "list_dir")
	git := &fakeTransport{}
	git.setTools("status")

	reg := tool.NewRegistry(nil)
	m := NewManager(fakeDialer(map[string]*fakeTransport{"fs": fs, "git": git}), reg, nil)

	failed := m.Start(context.Background(), []ServerConfig{
		{ID: "fs", Command: "fs-server"},
		{ID: "git", Command: "git-server"},
		{ID: "broken", URL: "http://127.0.0.1:1"},
	})

	require.Len(t, failed, 1)
	assert.Contains(t, failed, "broken")
	assert.Equal(t, []string{"fs", "git"}, m.Servers())
	assert.Equal(t, []string{"fs.list_dir", "fs.read_file", "git.status"}, reg.Names())

	rt, ok := reg.Lookup("fs.read_file")
	require.True(t, ok)
	res := rt.Invoke(context.Background(), nil)
	assert.Equal(t, "contents", res.Output)
	assert.Equal(t, []string{"read_file"}, fs.calls, "server sees the bare tool name")
}

func TestManagerDiscoverDropsStaleTools(t *testing.T) {
	fs := &fakeTransport{}
	fs.setTools("a", "b")
	reg := tool.NewRegistry(nil)
	m := NewManager(fakeDialer(map[string]*fakeTransport{"fs": fs}), reg, nil)
	m.Start(context.Background(), []ServerConfig{{ID: "fs", Command: "x"}})
	require.Equal(t, []string{"fs.a", "fs.b"}, reg.Names())

	fs.setTools("b", "c")
	assert.Empty(t, m.Discover(context.Background()))
	assert.Equal(t, []string{"fs.b", "fs.c"}, reg.Names())
}

func TestManagerDiscoverFailureKeepsPreviousTools(t *testing.T) {
	fs := &fakeTransport{}
	fs.setTools("a")
	reg := tool.NewRegistry(nil)
	m := NewManager(fakeDialer(map[string]*fakeTransport{"fs": fs}), reg, nil)
	m.Start(context.Background(), []ServerConfig{{ID: "fs", Command: "x"}})

	fs.mu.Lock()
	fs.listErr = errors.New("pipe closed")
	fs.mu.Unlock()

	failed := m.Discover(context.Background())
	require.Contains(t, failed, "fs")
	assert.Equal(t, []string{"fs.a"}, reg.Names())
}

func TestManagerRemoteToolWinsCollision(t *testing.T) {
	reg := tool.NewRegistry(nil)
	reg.Register(tool.NewShellTool(tool.ShellConfig{}, nil))

	remote := &fakeTransport{response: tool.OK("remote")}
	remote.setTools("run")
	m := NewManager(fakeDialer(map[string]*fakeTransport{"shell": remote}), reg, nil)
	m.Start(context.Background(), []ServerConfig{{ID: "shell", Command: "x"}})

	got, ok := reg.Lookup("shell.run")
	require.True(t, ok)
	assert.Equal(t, "mcp:shell", got.(*RemoteTool).Source())
}

func TestManagerRestoresShadowedBuiltin(t *testing.T) {
	reg := tool.NewRegistry(nil)
	builtin := tool.NewShellTool(tool.ShellConfig{}, nil)
	reg.Register(builtin)

	remote := &fakeTransport{}
	remote.setTools("run", "stop")
	m := NewManager(fakeDialer(map[string]*fakeTransport{"shell": remote}), reg, nil)
	m.Start(context.Background(), []ServerConfig{{ID: "shell", Command: "x"}})
	got, ok := reg.Lookup(tool.ShellToolName)
	require.True(t, ok)
	require.IsType(t, &RemoteTool{}, got)

	remote.setTools("stop")
	assert.Empty(t, m.Discover(context.Background()))
	got, ok = reg.Lookup(tool.ShellToolName)
	require.True(t, ok)
	assert.Same(t, builtin, got)

	remote.setTools("run")
	m.Discover(context.Background())
	require.NoError(t, m.Shutdown(context.Background()))
	got, ok = reg.Lookup(tool.ShellToolName)
	require.True(t, ok)
	assert.Same(t, builtin, got)
	assert.Equal(t, 1, reg.Len())
}

func TestManagerStartManyServersWithMixedFailures(t *testing.T) {
	var configs []ServerConfig
	for i := 0; i < 50; i++ {
		configs = append(configs,
			ServerConfig{ID: fmt.Sprintf("refused-%d", i), URL: "http://127.0.0.1:1"},
			ServerConfig{ID: fmt.Sprintf("unset-%d", i), Command: "x", Env: map[string]string{"TOKEN": "${ARBOR_TEST_SURELY_UNSET}"}},
		)
	}
	m := NewManager(fakeDialer(nil), tool.NewRegistry(nil), nil)

	failed := m.Start(context.Background(), configs)
	assert.Len(t, failed, 100)
	assert.ErrorContains(t, failed["refused-7"], "connection refused")
	assert.ErrorContains(t, failed["unset-7"], "ARBOR_TEST_SURELY_UNSET")
	assert.Len(t, m.Failed(), 100)
}

func TestManagerShutdown(t *testing.T) {
	fs := &fakeTransport{}
	fs.setTools("a")
	reg := tool.NewRegistry(nil)
	m := NewManager(fakeDialer(map[string]*fakeTransport{"fs": fs}), reg, nil)
	m.Start(context.Background(), []ServerConfig{{ID: "fs", Command: "x"}})

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, fs.closed)
	assert.Empty(t, m.Servers())
	assert.Zero(t, reg.Len())
}

func TestManagerRejectsUnnamedServer(t *testing.T) {
	m := NewManager(fakeDialer(nil), tool.NewRegistry(nil), nil)
	failed := m.Start(context.Background(), []ServerConfig{{Command: "x"}})
	assert.Len(t, failed, 1)
}

func TestResultFromCall(t *testing.T) {
	ok := resultFromCall(&mcptypes.CallToolResult{
		Content: []mcptypes.Content{mcptypes.TextContent{Type: "text", Text: "line 1"}, mcptypes.TextContent{Type: "text", Text: "line 2"}},
	})
	assert.False(t, ok.Failed())
	assert.Equal(t, "line 1\nline 2", ok.Output)

	failed := resultFromCall(&mcptypes.CallToolResult{
		Content: []mcptypes.Content{mcptypes.TextContent{Type: "text", Text: "no such file"}},
		IsError: true,
	})
	require.True(t, failed.Failed())
	assert.Equal(t, tool.NonZeroExit, failed.Err.Kind)
	assert.Equal(t, "no such file", failed.Output)
}

func TestServerConfigTransport(t *testing.T) {
	assert.Equal(t, TransportStdio, ServerConfig{Command: "x"}.transport())
	assert.Equal(t, TransportSSE, ServerConfig{URL: "http://x"}.transport())
	assert.Equal(t, TransportStreamableHTTP, ServerConfig{URL: "http://x", Transport: TransportStreamableHTTP}.transport())
}

func TestManagerStartExpandsPlaceholders(t *testing.T) {
	t.Setenv("ARBOR_TEST_FS_ROOT", "/srv/data")
	fs := &fakeTransport{}
	fs.setTools("a")

	var seen ServerConfig
	dial := func(_ context.Context, cfg ServerConfig) (Transport, error) {
		if cfg.ID == "fs" {
			seen = cfg
			return fs, nil
		}
		return nil, errors.New("unexpected dial")
	}
	m := NewManager(dial, tool.NewRegistry(nil), nil)
	failed := m.Start(context.Background(), []ServerConfig{
		{ID: "fs", Command: "fs-server", Args: []string{"${ARBOR_TEST_FS_ROOT}"}},
		{ID: "gh", Command: "gh-server", Env: map[string]string{"TOKEN": "${ARBOR_TEST_SURELY_UNSET}"}},
	})

	assert.Equal(t, []string{"/srv/data"}, seen.Args)
	require.Contains(t, failed, "gh")
	assert.ErrorContains(t, failed["gh"], "ARBOR_TEST_SURELY_UNSET")
	assert.Contains(t, m.Failed(), "gh")
}
