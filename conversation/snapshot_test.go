package conversation

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flatMessage struct {
	ID       MessageID
	ParentID MessageID
	Role     Role
	Content  string
	ToolName string
}

func flatten(t *testing.T, s *Store, sid string) (map[string]MessageID, []flatMessage) {
	t.Helper()
	branches, err := s.Branches(sid)
	require.NoError(t, err)
	heads := make(map[string]MessageID, len(branches))
	for _, b := range branches {
		heads[b.Name] = b.Head
	}
	msgs, err := s.Messages(sid)
	require.NoError(t, err)
	flat := make([]flatMessage, len(msgs))
	for i, m := range msgs {
		flat[i] = flatMessage{ID: m.ID, ParentID: m.ParentID, Role: m.Role, Content: m.Content}
		if m.Tool != nil {
			flat[i].ToolName = m.Tool.Name
		}
	}
	return heads, flat
}

func buildTree(t *testing.T) (*Store, string) {
	t.Helper()
	s, sid := newTestStore(t)
	u1 := mustAppend(t, s, sid, MainBranch, RoleUser, "list files")
	_, err := s.AppendDraft(sid, MainBranch, Draft{
		Role:    RoleToolResult,
		Content: "a.txt\nb.txt",
		Tool:    &ToolInvocation{Name: "shell.run", Arguments: map[string]any{"command": "ls"}, Reasoning: "look first"},
	})
	require.NoError(t, err)
	mustAppend(t, s, sid, MainBranch, RoleAssistant, "two files")
	_, err = s.Fork(sid, MainBranch, u1.ID, "alt")
	require.NoError(t, err)
	mustAppend(t, s, sid, "alt", RoleAssistant, "alternative")
	_, _, err = s.EditAndFork(sid, MainBranch, u1.ID, "list all files")
	require.NoError(t, err)
	require.NoError(t, s.SetSummary(sid, MainBranch, "user wants a listing"))
	return s, sid
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	s, sid := buildTree(t)
	wantHeads, wantMsgs := flatten(t, s, sid)
	wantInfo, err := s.Session(sid)
	require.NoError(t, err)

	data, err := s.Persist(sid)
	require.NoError(t, err)

	restored := NewStore()
	info, err := restored.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, sid, info.ID)
	assert.Equal(t, wantInfo.ActiveBranch, info.ActiveBranch)
	assert.Equal(t, wantInfo.Name, info.Name)

	gotHeads, gotMsgs := flatten(t, restored, sid)
	if diff := cmp.Diff(wantHeads, gotHeads); diff != "" {
		t.Errorf("branch heads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantMsgs, gotMsgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	for name := range wantHeads {
		want, err := s.History(sid, name)
		require.NoError(t, err)
		got, err := restored.History(sid, name)
		require.NoError(t, err)
		assert.Equal(t, contents(want), contents(got), "history of %s", name)
	}

	b, ok := info.Branch(MainBranch)
	require.True(t, ok)
	assert.Equal(t, "user wants a listing", b.Summary)

	// ids keep increasing after a restore
	next, err := restored.Append(sid, MainBranch, RoleAssistant, "after restore")
	require.NoError(t, err)
	assert.Greater(t, next.ID, wantMsgs[len(wantMsgs)-1].ID)
}

func TestRestoreReplacesLoadedSession(t *testing.T) {
	s, sid := newTestStore(t)
	mustAppend(t, s, sid, MainBranch, RoleUser, "saved")
	data, err := s.Persist(sid)
	require.NoError(t, err)

	mustAppend(t, s, sid, MainBranch, RoleAssistant, "unsaved")

	_, err = s.Restore(data)
	require.NoError(t, err)
	h, err := s.History(sid, MainBranch)
	require.NoError(t, err)
	assert.Equal(t, []string{"saved"}, contents(h))
}

func TestRestoreRejectsCorruptData(t *testing.T) {
	s, sid := buildTree(t)
	good, err := s.Persist(sid)
	require.NoError(t, err)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(good, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}
	messages := func(m map[string]any) []any { return m["messages"].([]any) }

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not json", []byte("{nope")},
		{"wrong version", mutate(func(m map[string]any) { m["version"] = 7 })},
		{"missing id", mutate(func(m map[string]any) { delete(m, "id") })},
		{"no messages", mutate(func(m map[string]any) { m["messages"] = []any{} })},
		{"dangling parent", mutate(func(m map[string]any) {
			msgs := messages(m)
			msgs[len(msgs)-1].(map[string]any)["parent_id"] = 500
		})},
		{"second root", mutate(func(m map[string]any) {
			msgs := messages(m)
			last := msgs[len(msgs)-1].(map[string]any)
			last["parent_id"] = nil
			last["role"] = "root"
		})},
		{"duplicate id", mutate(func(m map[string]any) {
			msgs := messages(m)
			m["messages"] = append(msgs, msgs[len(msgs)-1])
		})},
		{"head points nowhere", mutate(func(m map[string]any) {
			m["branches"].([]any)[0].(map[string]any)["head_id"] = 404
		})},
		{"missing main", mutate(func(m map[string]any) {
			var keep []any
			for _, b := range m["branches"].([]any) {
				if b.(map[string]any)["name"] != MainBranch {
					keep = append(keep, b)
				}
			}
			m["branches"] = keep
		})},
		{"unknown active branch", mutate(func(m map[string]any) { m["active_branch"] = "ghost" })},
		{"bad role", mutate(func(m map[string]any) {
			msgs := messages(m)
			msgs[len(msgs)-1].(map[string]any)["role"] = "system"
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := NewStore()
			_, err := fresh.Restore(tt.data)
			require.ErrorIs(t, err, ErrCorruptData)

			var perr *PersistenceError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "restore", perr.Op)
			assert.Empty(t, fresh.ListSessions(), "failed restore must not load a session")
		})
	}
}

func TestInspect(t *testing.T) {
	s, sid := buildTree(t)
	data, err := s.Persist(sid)
	require.NoError(t, err)

	info, err := Inspect(data)
	require.NoError(t, err)
	assert.Equal(t, sid, info.ID)
	assert.Len(t, info.Branches, 3)
	assert.Equal(t, 5, info.MessageCount)
}

func TestPersistEncodeFailureIsIOFailure(t *testing.T) {
	s, sid := newTestStore(t)
	_, err := s.AppendDraft(sid, MainBranch, Draft{
		Role: RoleToolResult,
		Tool: &ToolInvocation{Name: "echo", Arguments: map[string]any{"ch": make(chan int)}},
	})
	require.NoError(t, err)

	_, err = s.Persist(sid)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrIOFailure, perr.Kind)
	assert.Equal(t, sid, perr.SessionID)
}
