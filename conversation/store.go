package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbor/event"
)

type session struct {
	mu        sync.RWMutex
	id        string
	name      string
	createdAt time.Time
	updatedAt time.Time
	messages  map[MessageID]Message
	branches  map[string]*Branch
	active    string
	nextID    MessageID
}

// Store owns every loaded session. All methods are safe for concurrent use;
// each session is guarded by its own lock, so activity in one session never
// waits on another.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	pub    event.Publisher
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

func WithPublisher(p event.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.pub = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*session),
		pub:      event.Discard,
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession allocates a session holding only the synthetic root, with
// branch main pointing at it.
func (s *Store) CreateSession() SessionInfo {
	now := s.now()
	sess := &session{
		id:        s.newID(),
		createdAt: now,
		updatedAt: now,
		messages: map[MessageID]Message{
			RootID: {ID: RootID, ParentID: NoParent, Role: RoleRoot, CreatedAt: now},
		},
		branches: map[string]*Branch{
			MainBranch: {Name: MainBranch, Head: RootID, CreatedAt: now},
		},
		active: MainBranch,
		nextID: RootID + 1,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", sess.id))
	s.emit(event.Event{Kind: event.SessionCreated, SessionID: sess.id, Branch: MainBranch})

	return sess.info()
}

func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return storeErr("delete session", id, "", 0, ErrUnknownSession)
	}
	s.emit(event.Event{Kind: event.SessionDeleted, SessionID: id})
	return nil
}

// ListSessions returns every loaded session, most recently updated first.
func (s *Store) ListSessions() []SessionInfo {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		sess.mu.RLock()
		infos = append(infos, sess.info())
		sess.mu.RUnlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

func (s *Store) Session(id string) (SessionInfo, error) {
	sess, err := s.lookup("session", id)
	if err != nil {
		return SessionInfo{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.info(), nil
}

func (s *Store) RenameSession(id, name string) error {
	sess, err := s.lookup("rename session", id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.name = name
	sess.updatedAt = s.now()
	sess.mu.Unlock()
	return nil
}

// Append adds a message after the branch head and advances the head to it.
func (s *Store) Append(sessionID, branch string, role Role, content string) (Message, error) {
	return s.AppendDraft(sessionID, branch, Draft{Role: role, Content: content})
}

// AppendDraft is Append with tool metadata.
func (s *Store) AppendDraft(sessionID, branch string, d Draft) (Message, error) {
	return s.appendMessage("append", sessionID, branch, nil, d)
}

// AppendIfHead appends only if the branch head is still expected. Otherwise
// it fails with ErrStaleHead and the caller should re-read the head and retry.
func (s *Store) AppendIfHead(sessionID, branch string, expected MessageID, d Draft) (Message, error) {
	return s.appendMessage("append", sessionID, branch, &expected, d)
}

func (s *Store) appendMessage(op, sessionID, branch string, expected *MessageID, d Draft) (Message, error) {
	if !d.Role.appendable() {
		return Message{}, storeErr(op, sessionID, branch, 0, ErrInvalidRole)
	}
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return Message{}, err
	}

	sess.mu.Lock()
	b, ok := sess.branches[branch]
	if !ok {
		sess.mu.Unlock()
		return Message{}, storeErr(op, sessionID, branch, 0, ErrUnknownBranch)
	}
	if expected != nil && b.Head != *expected {
		head := b.Head
		sess.mu.Unlock()
		s.logger.Debug("stale head",
			zap.String("session_id", sessionID),
			zap.String("branch", branch),
			zap.Uint64("expected", uint64(*expected)),
			zap.Uint64("head", uint64(head)))
		return Message{}, storeErr(op, sessionID, branch, *expected, ErrStaleHead)
	}
	msg := sess.appendLocked(b, d, s.now())
	sess.mu.Unlock()

	s.emitAppend(sessionID, branch, msg.ID)
	return msg, nil
}

// Head returns the id the branch currently points at.
func (s *Store) Head(sessionID, branch string) (MessageID, error) {
	sess, err := s.lookup("head", sessionID)
	if err != nil {
		return 0, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	b, ok := sess.branches[branch]
	if !ok {
		return 0, storeErr("head", sessionID, branch, 0, ErrUnknownBranch)
	}
	return b.Head, nil
}

func (s *Store) Message(sessionID string, id MessageID) (Message, error) {
	sess, err := s.lookup("message", sessionID)
	if err != nil {
		return Message{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	m, ok := sess.messages[id]
	if !ok {
		return Message{}, storeErr("message", sessionID, "", id, ErrUnknownMessage)
	}
	return copyMessage(m), nil
}

// Messages returns every non-root message of the session in id order,
// regardless of which branch can see it.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	sess, err := s.lookup("messages", sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	out := make([]Message, 0, len(sess.messages))
	for _, m := range sess.messages {
		if m.IsRoot() {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// History is the path from the root (exclusive) to the branch head.
func (s *Store) History(sessionID, branch string) ([]Message, error) {
	sess, err := s.lookup("history", sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	b, ok := sess.branches[branch]
	if !ok {
		return nil, storeErr("history", sessionID, branch, 0, ErrUnknownBranch)
	}
	return sess.path(b.Head), nil
}

func (s *Store) lookup(op, id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storeErr(op, id, "", 0, ErrUnknownSession)
	}
	return sess, nil
}

func (s *Store) emit(events ...event.Event) {
	for _, e := range events {
		s.pub.Publish(e)
	}
}

func (s *Store) emitAppend(sessionID, branch string, id MessageID) {
	s.emit(
		event.Event{Kind: event.MessageAppended, SessionID: sessionID, Branch: branch, MessageID: uint64(id)},
		event.Event{Kind: event.HeadMoved, SessionID: sessionID, Branch: branch, MessageID: uint64(id)},
	)
}

// appendLocked requires sess.mu held for writing.
func (sess *session) appendLocked(b *Branch, d Draft, now time.Time) Message {
	msg := Message{
		ID:        sess.nextID,
		ParentID:  b.Head,
		Role:      d.Role,
		Content:   d.Content,
		Tool:      cloneTool(d.Tool),
		CreatedAt: now,
	}
	sess.nextID++
	sess.messages[msg.ID] = msg
	b.Head = msg.ID
	sess.updatedAt = now
	if sess.name == "" && d.Role == RoleUser {
		sess.name = SessionName(d.Content)
	}
	return copyMessage(msg)
}

// path requires sess.mu held.
func (sess *session) path(head MessageID) []Message {
	var rev []Message
	for id := head; id != NoParent; {
		m, ok := sess.messages[id]
		if !ok || m.IsRoot() {
			break
		}
		rev = append(rev, copyMessage(m))
		id = m.ParentID
	}
	out := make([]Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// onPath reports whether target is head or one of its ancestors.
func (sess *session) onPath(head, target MessageID) bool {
	for id := head; id != NoParent; {
		if id == target {
			return true
		}
		m, ok := sess.messages[id]
		if !ok {
			return false
		}
		id = m.ParentID
	}
	return false
}

// info requires sess.mu held.
func (sess *session) info() SessionInfo {
	return SessionInfo{
		ID:           sess.id,
		Name:         sess.name,
		ActiveBranch: sess.active,
		Branches:     sess.sortedBranches(),
		MessageCount: len(sess.messages) - 1,
		CreatedAt:    sess.createdAt,
		UpdatedAt:    sess.updatedAt,
	}
}

func (sess *session) sortedBranches() []Branch {
	out := make([]Branch, 0, len(sess.branches))
	for _, b := range sess.branches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Name == MainBranch) != (out[j].Name == MainBranch) {
			return out[i].Name == MainBranch
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func copyMessage(m Message) Message {
	m.Tool = cloneTool(m.Tool)
	return m
}
