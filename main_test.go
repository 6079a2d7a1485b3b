package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/agent"
	"arbor/command"
	"arbor/config"
	"arbor/model"
	"arbor/provider/testutil"
	"arbor/tool"
)

func newComponents(t *testing.T, dir string) *components {
	t.Helper()
	for _, k := range []string{"ARBOR_PROVIDER", "ARBOR_MODEL", "ARBOR_BASE_URL", "ARBOR_DEBUG"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFrom(dir)
	require.NoError(t, err)
	cfg.Tools.WorkingDir = dir

	c, err := bootstrap(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.close(ctx)
	})
	return c
}

func TestBootstrapRegistersBuiltins(t *testing.T) {
	c := newComponents(t, t.TempDir())
	names := c.tools.Names()
	assert.Contains(t, names, tool.ShellToolName)
	assert.Contains(t, names, tool.ReadToolName)
	assert.NotNil(t, c.index)
	assert.Empty(t, c.servers.Servers())
}

func TestResumeReopensLastSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newComponents(t, dir)
	id := first.resume(ctx)
	d := command.New(first.env(), id)
	_, err := d.Execute(ctx, "/branch new idea")
	require.NoError(t, err)

	saved, err := first.files.LoadCurrentSessionID()
	require.NoError(t, err)
	assert.Equal(t, id, saved)

	second := newComponents(t, dir)
	assert.Equal(t, id, second.resume(ctx))
	active, err := second.store.ActiveBranch(id)
	require.NoError(t, err)
	assert.Equal(t, "idea", active)
}

func TestResumeStartsFreshWithoutHistory(t *testing.T) {
	c := newComponents(t, t.TempDir())
	id := c.resume(context.Background())
	_, err := c.store.Session(id)
	require.NoError(t, err)
	pid, err := c.files.CheckSessionLock(id)
	require.NoError(t, err)
	assert.Zero(t, pid, "own lock is not reported")
}

func TestAskChat(t *testing.T) {
	c := newComponents(t, t.TempDir())
	c.chat.SetProvider(testutil.NewScriptedProvider(testutil.Text("pong")))
	d := command.New(c.env(), c.resume(context.Background()))

	var out bytes.Buffer
	require.NoError(t, ask(context.Background(), &out, d, "ping"))
	assert.Equal(t, "pong\n", out.String())
}

func TestAskAgent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("42"), 0600))
	c := newComponents(t, dir)

	sp := testutil.NewScriptedProvider(
		testutil.Reply{Calls: []model.ToolCall{{Name: tool.ReadToolName, Arguments: map[string]any{"path": "note.txt"}}}},
		testutil.Text("The note says 42."),
	)
	c.engine.SetClient(agent.NewProviderClient(sp, c.tools, ""))
	d := command.New(c.env(), c.resume(context.Background()))

	useAgent = true
	t.Cleanup(func() { useAgent = false })

	var out bytes.Buffer
	require.NoError(t, ask(context.Background(), &out, d, "what does note.txt say"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "step 1: "+tool.ReadToolName+" (ok)", lines[0])
	assert.Equal(t, "The note says 42.", lines[1])
	assert.Equal(t, "[done after 2 step(s)]", lines[2])
}

func TestFinishedRunIsSaved(t *testing.T) {
	c := newComponents(t, t.TempDir())
	sp := testutil.NewScriptedProvider(testutil.Text("All done."))
	c.engine.SetClient(agent.NewProviderClient(sp, c.tools, ""))
	id := c.resume(context.Background())

	r, err := c.engine.Start(context.Background(), id, "main", "tidy up")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	require.True(t, c.files.Exists(id))
	data, err := c.files.Load(id)
	require.NoError(t, err)
	assert.Contains(t, string(data), "All done.")
}

func TestAbortedRunIsSavedOnClose(t *testing.T) {
	c := newComponents(t, t.TempDir())
	sp := testutil.NewScriptedProvider(testutil.Reply{Block: true})
	c.engine.SetClient(agent.NewProviderClient(sp, c.tools, ""))
	id := c.resume(context.Background())

	_, err := c.engine.Start(context.Background(), id, "main", "think forever")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sp.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.engine.Close(ctx))

	data, err := c.files.Load(id)
	require.NoError(t, err)
	assert.Contains(t, string(data), "aborted after 0 step(s)")
}

func TestReadKey(t *testing.T) {
	key, err := readKey(strings.NewReader("  sk-test \n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	_, err = readKey(strings.NewReader("\n"))
	assert.Error(t, err)
}

func TestUnlockWithoutEncryption(t *testing.T) {
	enc := config.NewEncryptionManager(config.EncryptionNone, "", nil)
	called := false
	err := unlock(enc, func(string, string) (string, error) {
		called = true
		return "", nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}
