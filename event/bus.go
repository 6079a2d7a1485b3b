// Package event carries store change notifications and agent run transitions
// to whoever renders them. Publishing never blocks: a subscriber that falls
// behind loses events rather than stalling a conversation turn.
package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies what happened.
type Kind string

const (
	SessionCreated  Kind = "session_created"
	SessionDeleted  Kind = "session_deleted"
	SessionRestored Kind = "session_restored"

	MessageAppended Kind = "message_appended"
	HeadMoved       Kind = "head_moved"

	BranchCreated  Kind = "branch_created"
	BranchDeleted  Kind = "branch_deleted"
	BranchRenamed  Kind = "branch_renamed"
	BranchSwitched Kind = "branch_switched"

	RunState Kind = "run_state"
	RunToken Kind = "run_token"

	ChatToken Kind = "chat_token"

	ToolCollision Kind = "tool_collision"
)

// Event is a single notification. Fields that do not apply to a Kind are zero.
type Event struct {
	Kind      Kind
	SessionID string
	Branch    string
	MessageID uint64
	RunID     string
	State     string
	Text      string
	Time      time.Time
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with the given channel buffer. The
// returned function unsubscribes and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("event dropped",
				zap.Int("subscriber", id),
				zap.String("kind", string(e.Kind)))
		}
	}
}
