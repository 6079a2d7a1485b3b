package conversation

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"arbor/event"
)

const snapshotVersion = 1

// snapshot is the on-disk shape of one session: the whole message arena plus
// the branch mapping.
type snapshot struct {
	Version      int             `json:"version"`
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	ActiveBranch string          `json:"active_branch"`
	NextID       MessageID       `json:"next_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Branches     []branchRecord  `json:"branches"`
	Messages     []messageRecord `json:"messages"`
}

type branchRecord struct {
	Name      string    `json:"name"`
	Head      MessageID `json:"head_id"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type messageRecord struct {
	ID        MessageID   `json:"id"`
	ParentID  *MessageID  `json:"parent_id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Tool      *toolRecord `json:"tool,omitempty"`
}

type toolRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
}

// Persist encodes the full session. The result either describes the whole
// session at a single instant or an error is returned.
func (s *Store) Persist(sessionID string) ([]byte, error) {
	sess, err := s.lookup("persist", sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.RLock()
	snap := sess.snapshot()
	sess.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, &PersistenceError{Op: "persist", SessionID: sessionID, Kind: ErrIOFailure, Err: err}
	}
	return data, nil
}

// Restore loads a persisted session, replacing any loaded session with the
// same id. Invalid input never yields a session.
func (s *Store) Restore(data []byte) (SessionInfo, error) {
	sess, err := decodeSnapshot(data)
	if err != nil {
		return SessionInfo{}, err
	}

	s.mu.Lock()
	_, replaced := s.sessions[sess.id]
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug("session restored",
		zap.String("session_id", sess.id),
		zap.Int("messages", len(sess.messages)),
		zap.Int("branches", len(sess.branches)),
		zap.Bool("replaced", replaced))
	s.emit(event.Event{Kind: event.SessionRestored, SessionID: sess.id, Branch: sess.active})

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.info(), nil
}

// Inspect validates a persisted session and returns its metadata without
// loading it.
func Inspect(data []byte) (SessionInfo, error) {
	sess, err := decodeSnapshot(data)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

func (sess *session) snapshot() snapshot {
	snap := snapshot{
		Version:      snapshotVersion,
		ID:           sess.id,
		Name:         sess.name,
		ActiveBranch: sess.active,
		NextID:       sess.nextID,
		CreatedAt:    sess.createdAt,
		UpdatedAt:    sess.updatedAt,
	}
	for _, b := range sess.sortedBranches() {
		snap.Branches = append(snap.Branches, branchRecord{
			Name:      b.Name,
			Head:      b.Head,
			Summary:   b.Summary,
			CreatedAt: b.CreatedAt,
		})
	}
	for id := RootID; id < sess.nextID; id++ {
		m, ok := sess.messages[id]
		if !ok {
			continue
		}
		rec := messageRecord{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		}
		if !m.IsRoot() {
			parent := m.ParentID
			rec.ParentID = &parent
		}
		if m.Tool != nil {
			rec.Tool = &toolRecord{
				Name:      m.Tool.Name,
				Arguments: m.Tool.Arguments,
				Reasoning: m.Tool.Reasoning,
				Failed:    m.Tool.Failed,
			}
		}
		snap.Messages = append(snap.Messages, rec)
	}
	return snap
}

func decodeSnapshot(data []byte) (*session, error) {
	const op = "restore"
	if len(data) == 0 {
		return nil, corrupt(op, "", "empty snapshot")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, corrupt(op, "", "malformed json at offset %d: %v", syntaxErr.Offset, err)
		}
		return nil, corrupt(op, "", "decode: %v", err)
	}
	if snap.Version != snapshotVersion {
		return nil, corrupt(op, snap.ID, "unsupported snapshot version %d", snap.Version)
	}
	if snap.ID == "" {
		return nil, corrupt(op, "", "missing session id")
	}

	sess := &session{
		id:        snap.ID,
		name:      snap.Name,
		createdAt: snap.CreatedAt,
		updatedAt: snap.UpdatedAt,
		messages:  make(map[MessageID]Message, len(snap.Messages)),
		branches:  make(map[string]*Branch, len(snap.Branches)),
		active:    snap.ActiveBranch,
	}

	roots := 0
	var maxID MessageID
	for _, rec := range snap.Messages {
		if rec.ID == NoParent {
			return nil, corrupt(op, snap.ID, "message with zero id")
		}
		if _, dup := sess.messages[rec.ID]; dup {
			return nil, corrupt(op, snap.ID, "duplicate message id %d", rec.ID)
		}
		m := Message{ID: rec.ID, Role: rec.Role, Content: rec.Content, CreatedAt: rec.Timestamp}
		if rec.ParentID == nil {
			if rec.Role != RoleRoot {
				return nil, corrupt(op, snap.ID, "message %d has no parent", rec.ID)
			}
			roots++
		} else {
			if !rec.Role.appendable() {
				return nil, corrupt(op, snap.ID, "message %d has invalid role %q", rec.ID, rec.Role)
			}
			m.ParentID = *rec.ParentID
		}
		if rec.Tool != nil {
			m.Tool = &ToolInvocation{
				Name:      rec.Tool.Name,
				Arguments: rec.Tool.Arguments,
				Reasoning: rec.Tool.Reasoning,
				Failed:    rec.Tool.Failed,
			}
		}
		sess.messages[m.ID] = m
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	if roots != 1 {
		return nil, corrupt(op, snap.ID, "expected one root message, found %d", roots)
	}

	// Parents must exist and precede their children, which also rules out cycles.
	for _, m := range sess.messages {
		if m.IsRoot() {
			continue
		}
		if _, ok := sess.messages[m.ParentID]; !ok || m.ParentID >= m.ID {
			return nil, corrupt(op, snap.ID, "message %d has invalid parent %d", m.ID, m.ParentID)
		}
	}

	for _, rec := range snap.Branches {
		if !validName(rec.Name) {
			return nil, corrupt(op, snap.ID, "invalid branch name %q", rec.Name)
		}
		if _, dup := sess.branches[rec.Name]; dup {
			return nil, corrupt(op, snap.ID, "duplicate branch %q", rec.Name)
		}
		if _, ok := sess.messages[rec.Head]; !ok {
			return nil, corrupt(op, snap.ID, "branch %q points at missing message %d", rec.Name, rec.Head)
		}
		sess.branches[rec.Name] = &Branch{
			Name:      rec.Name,
			Head:      rec.Head,
			Summary:   rec.Summary,
			CreatedAt: rec.CreatedAt,
		}
	}
	if _, ok := sess.branches[MainBranch]; !ok {
		return nil, corrupt(op, snap.ID, "branch main missing")
	}
	if _, ok := sess.branches[sess.active]; !ok {
		return nil, corrupt(op, snap.ID, "active branch %q missing", sess.active)
	}

	sess.nextID = snap.NextID
	if sess.nextID <= maxID {
		sess.nextID = maxID + 1
	}
	return sess, nil
}
