package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/conversation"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seed(t *testing.T, store *conversation.Store, name string, turns ...string) conversation.SessionInfo {
	t.Helper()
	info := store.CreateSession()
	require.NoError(t, store.RenameSession(info.ID, name))
	for i, content := range turns {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		_, err := store.Append(info.ID, conversation.MainBranch, role, content)
		require.NoError(t, err)
	}
	info, err := store.Session(info.ID)
	require.NoError(t, err)
	return info
}

func index(t *testing.T, idx *Index, store *conversation.Store, info conversation.SessionInfo) {
	t.Helper()
	msgs, err := store.Messages(info.ID)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(context.Background(), info, msgs))
}

func TestIndexSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := conversation.NewStore(conversation.WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))
	idx := openIndex(t)

	older := seed(t, store, "older", "hello", "hi")
	newer := seed(t, store, "newer", "one", "two", "three")
	index(t, idx, store, older)
	index(t, idx, store, newer)

	entries, err := idx.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer.ID, entries[0].ID)
	assert.Equal(t, "newer", entries[0].Name)
	assert.Equal(t, 1, entries[0].Branches)
	assert.Equal(t, newer.MessageCount, entries[0].Messages)
	assert.True(t, entries[0].UpdatedAt.Equal(newer.UpdatedAt))

	require.NoError(t, idx.Remove(ctx, newer.ID))
	entries, err = idx.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, older.ID, entries[0].ID)
}

func TestIndexSearch(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore()
	idx := openIndex(t)

	a := seed(t, store, "go questions", "How do goroutines work?", "Goroutines are cheap threads.")
	b := seed(t, store, "cooking", "A recipe for bread", "Flour, water, salt, yeast.")
	index(t, idx, store, a)
	index(t, idx, store, b)

	hits, err := idx.Search(ctx, "GOROUTINES", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, a.ID, h.SessionID)
		assert.Equal(t, "go questions", h.SessionName)
		assert.Contains(t, strings.ToLower(h.Content), "goroutines")
	}

	hits, err = idx.Search(ctx, "yeast", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, conversation.RoleAssistant, hits[0].Role)

	hits, err = idx.Search(ctx, "goroutines", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = idx.Search(ctx, "  ", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// re-indexing replaces rather than duplicates
	index(t, idx, store, a)
	hits, err = idx.Search(ctx, "goroutines", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short text", Preview("short\n  text", "text", 80))

	long := strings.Repeat("lorem ipsum ", 20) + "needle " + strings.Repeat("dolor ", 20)
	p := Preview(long, "needle", 40)
	assert.Contains(t, p, "needle")
	assert.LessOrEqual(t, len([]rune(p)), 40)
	assert.True(t, strings.HasPrefix(p, "..."))
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore()
	files, err := NewSessionStorage(t.TempDir(), nil, nil)
	require.NoError(t, err)

	info := seed(t, store, "persisted", "find me please", "found")
	data, err := store.Persist(info.ID)
	require.NoError(t, err)
	require.NoError(t, files.Save(info.ID, data))
	require.NoError(t, files.Save("junk", []byte("not json")))

	idx := openIndex(t)
	n, err := idx.Rebuild(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := idx.Search(ctx, "find me", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, info.ID, hits[0].SessionID)
}
