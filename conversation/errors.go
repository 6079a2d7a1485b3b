package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownBranch      = errors.New("unknown branch")
	ErrUnknownMessage     = errors.New("unknown message")
	ErrMessageNotOnBranch = errors.New("message not on branch")
	ErrStaleHead          = errors.New("stale head")
	ErrBranchExists       = errors.New("branch already exists")
	ErrProtectedBranch    = errors.New("branch main cannot be deleted or renamed")
	ErrInvalidName        = errors.New("invalid branch name")
	ErrInvalidRole        = errors.New("invalid message role")
	ErrNotUserMessage     = errors.New("only user messages can be edited")
)

var (
	ErrIOFailure   = errors.New("io failure")
	ErrCorruptData = errors.New("corrupt data")
)

// StoreError describes a failed store operation. Err is one of the sentinel
// errors above, so callers match with errors.Is.
type StoreError struct {
	Op        string
	SessionID string
	Branch    string
	MessageID MessageID
	Err       error
}

func (e *StoreError) Error() string {
	msg := e.Op
	if e.SessionID != "" {
		msg += " session " + e.SessionID
	}
	if e.Branch != "" {
		msg += " branch " + e.Branch
	}
	if e.MessageID != 0 {
		msg += fmt.Sprintf(" message %d", e.MessageID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// PersistenceError is returned when a snapshot cannot be written or read.
// Kind is ErrIOFailure or ErrCorruptData; Err is the underlying cause.
type PersistenceError struct {
	Op        string
	SessionID string
	Kind      error
	Err       error
}

func (e *PersistenceError) Error() string {
	msg := e.Op
	if e.SessionID != "" {
		msg += " session " + e.SessionID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func storeErr(op, sessionID, branch string, id MessageID, err error) error {
	return &StoreError{Op: op, SessionID: sessionID, Branch: branch, MessageID: id, Err: err}
}

func corrupt(op, sessionID string, format string, args ...any) error {
	return &PersistenceError{
		Op:        op,
		SessionID: sessionID,
		Kind:      ErrCorruptData,
		Err:       fmt.Errorf(format, args...),
	}
}
