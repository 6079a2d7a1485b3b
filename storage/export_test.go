package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"arbor/conversation"
)

func exportFixture(t *testing.T) Export {
	t.Helper()
	store := conversation.NewStore()
	info := store.CreateSession()
	require.NoError(t, store.RenameSession(info.ID, "files"))
	_, err := store.Append(info.ID, conversation.MainBranch, conversation.RoleUser, "list files")
	require.NoError(t, err)
	_, err = store.AppendDraft(info.ID, conversation.MainBranch, conversation.Draft{
		Role:    conversation.RoleToolResult,
		Content: "a.txt\n```\nb.txt",
		Tool:    &conversation.ToolInvocation{Name: "shell.run", Arguments: map[string]any{"command": "ls"}},
	})
	require.NoError(t, err)
	_, err = store.Append(info.ID, conversation.MainBranch, conversation.RoleAssistant, "Two **files**.")
	require.NoError(t, err)
	require.NoError(t, store.SetSummary(info.ID, conversation.MainBranch, "listing"))

	info, err = store.Session(info.ID)
	require.NoError(t, err)
	history, err := store.History(info.ID, conversation.MainBranch)
	require.NoError(t, err)
	return NewExport(info, conversation.MainBranch, history, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{
		"":         FormatJSON,
		"JSON":     FormatJSON,
		".yml":     FormatYAML,
		"markdown": FormatMarkdown,
		"html":     FormatHTML,
	}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}

func TestExportJSONAndYAML(t *testing.T) {
	e := exportFixture(t)
	require.Len(t, e.Messages, 3)
	assert.Equal(t, "listing", e.Summary)

	data, err := e.Render(FormatJSON)
	require.NoError(t, err)
	var fromJSON Export
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.Equal(t, "shell.run", fromJSON.Messages[1].Tool)
	assert.Equal(t, "ls", fromJSON.Messages[1].Arguments["command"])

	data, err = e.Render(FormatYAML)
	require.NoError(t, err)
	var fromYAML Export
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, e.Branch, fromYAML.Branch)
	assert.Equal(t, e.Messages[2].Content, fromYAML.Messages[2].Content)
	assert.Contains(t, string(data), "session_id:")
}

func TestExportMarkdownAndHTML(t *testing.T) {
	e := exportFixture(t)

	md, err := e.Render(FormatMarkdown)
	require.NoError(t, err)
	text := string(md)
	assert.True(t, strings.HasPrefix(text, "# files\n"))
	assert.Contains(t, text, "## Tool `shell.run`")
	assert.Contains(t, text, "````\na.txt\n```\nb.txt\n````")

	html, err := e.Render(FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<h1")
	assert.Contains(t, string(html), "<strong>files</strong>")
}

func TestWriteExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteExport(path, []byte("{}")))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestExportNaming(t *testing.T) {
	assert.Equal(t, "a-b-c", SanitizeFilename("a/b:c"))
	assert.Equal(t, "session", SanitizeFilename(" ..."))

	p := GenerateExportPath("my chat", "main", FormatMarkdown, time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC))
	assert.Equal(t, "arbor-my-chat-main-20260506-070809.md", filepath.Base(p))
}
