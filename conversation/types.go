// Package conversation holds the branching message tree.
//
// Messages live in a per-session arena keyed by id and point at their parent.
// A branch is only a name and a head id, so forking costs one map insert and
// any number of branches can share an ancestry without copying it. Messages
// are never mutated or removed once appended; editing a past prompt forks a
// new branch instead.
package conversation

import (
	"time"
)

// MessageID is unique within a session and assigned in increasing order.
type MessageID uint64

// NoParent is the parent of a session root.
const NoParent MessageID = 0

// RootID is the id of the synthetic empty root every session starts with.
const RootID MessageID = 1

// MainBranch always exists and cannot be deleted or renamed.
const MainBranch = "main"

// Role of a message author.
type Role string

const (
	RoleRoot       Role = "root"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

func (r Role) appendable() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolResult:
		return true
	}
	return false
}

// ToolInvocation records which tool produced a tool-result message and how
// the agent asked for it.
type ToolInvocation struct {
	Name      string
	Arguments map[string]any
	Reasoning string
	Failed    bool
}

// Message is immutable once appended.
type Message struct {
	ID        MessageID
	ParentID  MessageID
	Role      Role
	Content   string
	Tool      *ToolInvocation
	CreatedAt time.Time
}

// IsRoot reports whether m is the synthetic session root.
func (m Message) IsRoot() bool {
	return m.ParentID == NoParent
}

// Draft is the caller-supplied part of a message.
type Draft struct {
	Role    Role
	Content string
	Tool    *ToolInvocation
}

// Branch is a named head pointer.
type Branch struct {
	Name      string
	Head      MessageID
	Summary   string
	CreatedAt time.Time
}

// SessionInfo is a read-only view of a session's metadata.
type SessionInfo struct {
	ID           string
	Name         string
	ActiveBranch string
	Branches     []Branch
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Branch returns the named branch from the view.
func (s SessionInfo) Branch(name string) (Branch, bool) {
	for _, b := range s.Branches {
		if b.Name == name {
			return b, true
		}
	}
	return Branch{}, false
}

func cloneTool(t *ToolInvocation) *ToolInvocation {
	if t == nil {
		return nil
	}
	c := *t
	if t.Arguments != nil {
		c.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			c.Arguments[k] = v
		}
	}
	return &c
}
