package conversation

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"arbor/event"
)

// Fork creates newName pointing at at, which must be the head of source or
// one of its ancestors.
func (s *Store) Fork(sessionID, source string, at MessageID, newName string) (Branch, error) {
	const op = "fork"
	if !validName(newName) {
		return Branch{}, storeErr(op, sessionID, newName, 0, ErrInvalidName)
	}
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return Branch{}, err
	}

	sess.mu.Lock()
	b, err := sess.forkLocked(sessionID, source, at, newName, s.now)
	sess.mu.Unlock()
	if err != nil {
		return Branch{}, err
	}

	s.logger.Debug("branch forked",
		zap.String("session_id", sessionID),
		zap.String("source", source),
		zap.String("branch", newName),
		zap.Uint64("at", uint64(at)))
	s.emit(event.Event{Kind: event.BranchCreated, SessionID: sessionID, Branch: newName, MessageID: uint64(at)})
	return b, nil
}

// EditAndFork replaces a past user message without touching it: it forks a
// branch named "<branch>-edit-N" at the message's parent, appends the new
// content there and makes that branch active.
func (s *Store) EditAndFork(sessionID, branch string, id MessageID, content string) (Branch, Message, error) {
	const op = "edit"
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return Branch{}, Message{}, err
	}

	sess.mu.Lock()
	src, ok := sess.branches[branch]
	if !ok {
		sess.mu.Unlock()
		return Branch{}, Message{}, storeErr(op, sessionID, branch, 0, ErrUnknownBranch)
	}
	target, ok := sess.messages[id]
	if !ok || !sess.onPath(src.Head, id) {
		sess.mu.Unlock()
		return Branch{}, Message{}, storeErr(op, sessionID, branch, id, ErrMessageNotOnBranch)
	}
	if target.Role != RoleUser {
		sess.mu.Unlock()
		return Branch{}, Message{}, storeErr(op, sessionID, branch, id, ErrNotUserMessage)
	}

	name := sess.editBranchName(branch)
	if _, err := sess.forkLocked(sessionID, branch, target.ParentID, name, s.now); err != nil {
		sess.mu.Unlock()
		return Branch{}, Message{}, err
	}
	nb := sess.branches[name]
	msg := sess.appendLocked(nb, Draft{Role: RoleUser, Content: content}, s.now())
	sess.active = name
	created := *nb
	sess.mu.Unlock()

	s.logger.Debug("message edited",
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.String("new_branch", name),
		zap.Uint64("message_id", uint64(id)))
	s.emit(event.Event{Kind: event.BranchCreated, SessionID: sessionID, Branch: name, MessageID: uint64(target.ParentID)})
	s.emitAppend(sessionID, name, msg.ID)
	s.emit(event.Event{Kind: event.BranchSwitched, SessionID: sessionID, Branch: name})
	return created, msg, nil
}

func (sess *session) forkLocked(sessionID, source string, at MessageID, name string, now func() time.Time) (Branch, error) {
	src, ok := sess.branches[source]
	if !ok {
		return Branch{}, storeErr("fork", sessionID, source, 0, ErrUnknownBranch)
	}
	if _, exists := sess.branches[name]; exists {
		return Branch{}, storeErr("fork", sessionID, name, 0, ErrBranchExists)
	}
	if !sess.onPath(src.Head, at) {
		return Branch{}, storeErr("fork", sessionID, source, at, ErrMessageNotOnBranch)
	}
	t := now()
	b := &Branch{Name: name, Head: at, CreatedAt: t}
	sess.branches[name] = b
	sess.updatedAt = t
	return *b, nil
}

func (sess *session) editBranchName(branch string) string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s-edit-%d", branch, n)
		if _, exists := sess.branches[name]; !exists {
			return name
		}
	}
}

// Branches lists the session's branches, main first.
func (s *Store) Branches(sessionID string) ([]Branch, error) {
	sess, err := s.lookup("branches", sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.sortedBranches(), nil
}

func (s *Store) ActiveBranch(sessionID string) (string, error) {
	sess, err := s.lookup("active branch", sessionID)
	if err != nil {
		return "", err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.active, nil
}

func (s *Store) SwitchBranch(sessionID, name string) error {
	const op = "switch branch"
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if _, ok := sess.branches[name]; !ok {
		sess.mu.Unlock()
		return storeErr(op, sessionID, name, 0, ErrUnknownBranch)
	}
	sess.active = name
	sess.mu.Unlock()

	s.emit(event.Event{Kind: event.BranchSwitched, SessionID: sessionID, Branch: name})
	return nil
}

// DeleteBranch drops the branch pointer only. Messages stay in the arena
// because other branches may still reach them. Deleting the active branch
// makes main active.
func (s *Store) DeleteBranch(sessionID, name string) error {
	const op = "delete branch"
	if name == MainBranch {
		return storeErr(op, sessionID, name, 0, ErrProtectedBranch)
	}
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if _, ok := sess.branches[name]; !ok {
		sess.mu.Unlock()
		return storeErr(op, sessionID, name, 0, ErrUnknownBranch)
	}
	delete(sess.branches, name)
	switched := sess.active == name
	if switched {
		sess.active = MainBranch
	}
	sess.updatedAt = s.now()
	sess.mu.Unlock()

	s.emit(event.Event{Kind: event.BranchDeleted, SessionID: sessionID, Branch: name})
	if switched {
		s.emit(event.Event{Kind: event.BranchSwitched, SessionID: sessionID, Branch: MainBranch})
	}
	return nil
}

func (s *Store) RenameBranch(sessionID, oldName, newName string) error {
	const op = "rename branch"
	if oldName == MainBranch {
		return storeErr(op, sessionID, oldName, 0, ErrProtectedBranch)
	}
	if !validName(newName) {
		return storeErr(op, sessionID, newName, 0, ErrInvalidName)
	}
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	b, ok := sess.branches[oldName]
	if !ok {
		sess.mu.Unlock()
		return storeErr(op, sessionID, oldName, 0, ErrUnknownBranch)
	}
	if _, exists := sess.branches[newName]; exists {
		sess.mu.Unlock()
		return storeErr(op, sessionID, newName, 0, ErrBranchExists)
	}
	delete(sess.branches, oldName)
	b.Name = newName
	sess.branches[newName] = b
	if sess.active == oldName {
		sess.active = newName
	}
	sess.updatedAt = s.now()
	sess.mu.Unlock()

	s.emit(event.Event{Kind: event.BranchRenamed, SessionID: sessionID, Branch: newName, Text: oldName})
	return nil
}

// ClearBranches removes every branch except main and makes main active.
// It returns the names removed.
func (s *Store) ClearBranches(sessionID string) ([]string, error) {
	sess, err := s.lookup("clear branches", sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	var removed []string
	for name := range sess.branches {
		if name == MainBranch {
			continue
		}
		delete(sess.branches, name)
		removed = append(removed, name)
	}
	switched := sess.active != MainBranch
	sess.active = MainBranch
	sess.updatedAt = s.now()
	sess.mu.Unlock()

	sort.Strings(removed)
	for _, name := range removed {
		s.emit(event.Event{Kind: event.BranchDeleted, SessionID: sessionID, Branch: name})
	}
	if switched {
		s.emit(event.Event{Kind: event.BranchSwitched, SessionID: sessionID, Branch: MainBranch})
	}
	return removed, nil
}

// SetSummary stores a rolling summary on the branch.
func (s *Store) SetSummary(sessionID, branch, summary string) error {
	const op = "set summary"
	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	b, ok := sess.branches[branch]
	if !ok {
		return storeErr(op, sessionID, branch, 0, ErrUnknownBranch)
	}
	b.Summary = summary
	sess.updatedAt = s.now()
	return nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	return !strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

// SessionName derives a display name from the first prompt of a session.
func SessionName(first string) string {
	name := strings.Join(strings.Fields(first), " ")
	if r := []rune(name); len(r) > 30 {
		name = string(r[:30]) + "..."
	}
	if name == "" {
		return "Untitled session"
	}
	return name
}
