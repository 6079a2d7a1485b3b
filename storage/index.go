package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	_ "modernc.org/sqlite"

	"arbor/conversation"
)

// PreviewWidth is the display width of search previews.
const PreviewWidth = 80

// SessionEntry is a catalog row.
type SessionEntry struct {
	ID           string
	Name         string
	ActiveBranch string
	Branches     int
	Messages     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Match is a message found by Search.
type Match struct {
	SessionID   string
	SessionName string
	MessageID   conversation.MessageID
	Role        conversation.Role
	Content     string
	Preview     string
	Timestamp   time.Time
	Score       int
}

// Index is the sqlite catalog of stored sessions and their message text. It
// is derived data: losing it only costs a Rebuild.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database. Use ":memory:" in tests.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return idx, nil
}

func (idx *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active_branch TEXT NOT NULL,
		branch_count INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		message_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := idx.db.Exec(schema)
	return err
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert replaces everything indexed for the session.
func (idx *Index) Upsert(ctx context.Context, info conversation.SessionInfo, messages []conversation.Message) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO sessions (id, name, active_branch, branch_count, message_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Name, info.ActiveBranch, len(info.Branches), info.MessageCount,
		info.CreatedAt.UTC(), info.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, info.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO messages (session_id, message_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range messages {
		if m.IsRoot() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, info.ID, int64(m.ID), string(m.Role), m.Content, m.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to index message %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (idx *Index) Remove(ctx context.Context, sessionID string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Sessions lists catalog entries, most recently updated first.
func (idx *Index) Sessions(ctx context.Context) ([]SessionEntry, error) {
	rows, err := idx.db.QueryContext(ctx, `
	SELECT id, name, active_branch, branch_count, message_count, created_at, updated_at
	FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEntry
	for rows.Next() {
		var e SessionEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.ActiveBranch, &e.Branches, &e.Messages, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Search finds messages containing query across all indexed sessions. Hits
// are ranked with fuzzy matching so tighter matches come first.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Match{}, nil
	}

	rows, err := idx.db.QueryContext(ctx, `
	SELECT m.session_id, s.name, m.message_id, m.role, m.content, m.created_at
	FROM messages m JOIN sessions s ON s.id = m.session_id
	WHERE instr(lower(m.content), lower(?)) > 0
	ORDER BY m.created_at DESC`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Match
	for rows.Next() {
		var (
			m    Match
			id   int64
			role string
		)
		if err := rows.Scan(&m.SessionID, &m.SessionName, &id, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.MessageID = conversation.MessageID(id)
		m.Role = conversation.Role(role)
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranked := rank(query, candidates)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

type matchSource []Match

func (s matchSource) String(i int) string { return s[i].Content }
func (s matchSource) Len() int            { return len(s) }

func rank(query string, candidates []Match) []Match {
	found := fuzzy.FindFrom(query, matchSource(candidates))
	scores := make(map[int]int, len(found))
	for _, f := range found {
		scores[f.Index] = f.Score
	}

	out := make([]Match, len(candidates))
	for i, c := range candidates {
		c.Score = scores[i]
		c.Preview = Preview(c.Content, query, PreviewWidth)
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Preview returns a single line of at most width display cells around the
// first occurrence of query.
func Preview(content, query string, width int) string {
	line := strings.Join(strings.Fields(content), " ")
	if runewidth.StringWidth(line) <= width {
		return line
	}

	if i := strings.Index(strings.ToLower(line), strings.ToLower(query)); i > 0 {
		lead := runewidth.StringWidth(line[:i])
		if lead > width/3 {
			skip := lead - width/3
			line = "..." + runewidth.TruncateLeft(line, skip+3, "")
		}
	}
	return runewidth.Truncate(line, width, "...")
}

// Rebuild indexes every session in files, skipping ones that fail to load.
// It returns how many sessions were indexed.
func (idx *Index) Rebuild(ctx context.Context, files *SessionStorage) (int, error) {
	ids, err := files.IDs()
	if err != nil {
		return 0, err
	}
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM messages; DELETE FROM sessions;`); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		data, err := files.Load(id)
		if err != nil {
			continue
		}
		scratch := conversation.NewStore()
		info, err := scratch.Restore(data)
		if err != nil {
			continue
		}
		msgs, err := scratch.Messages(info.ID)
		if err != nil {
			continue
		}
		if err := idx.Upsert(ctx, info, msgs); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
