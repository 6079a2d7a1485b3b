// Package chat runs plain conversation turns: one prompt, one streamed
// reply, no tools. It also owns edit-and-fork turns and the rolling branch
// summary.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"arbor/agent"
	"arbor/conversation"
	"arbor/event"
	"arbor/model"
)

// DefaultTriggerPairs is how many user/assistant pairs a branch collects
// between two summaries.
const DefaultTriggerPairs = 20

const staleRetries = 3

const summaryInstruction = "You are a helpful assistant. Write a concise summary (2-6 sentences) of the conversation below, focusing on key facts, decisions, and user preferences."

// Store is what a chat turn needs from the conversation store.
type Store interface {
	Session(id string) (conversation.SessionInfo, error)
	History(sessionID, branch string) ([]conversation.Message, error)
	Head(sessionID, branch string) (conversation.MessageID, error)
	AppendDraft(sessionID, branch string, d conversation.Draft) (conversation.Message, error)
	AppendIfHead(sessionID, branch string, expected conversation.MessageID, d conversation.Draft) (conversation.Message, error)
	EditAndFork(sessionID, branch string, id conversation.MessageID, content string) (conversation.Branch, conversation.Message, error)
	SetSummary(sessionID, branch, summary string) error
}

// Turn is the outcome of one exchange.
type Turn struct {
	Branch     string
	Prompt     conversation.Message
	Reply      conversation.Message
	Summarized bool
}

type Service struct {
	store        Store
	pub          event.Publisher
	logger       *zap.Logger
	systemPrompt string

	summaries    bool
	triggerPairs int

	mu       sync.RWMutex
	provider model.Provider
}

type Option func(*Service)

func WithPublisher(p event.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.systemPrompt = prompt }
}

// WithSummaries enables the rolling summary every pairs exchanges. pairs <= 0
// disables it.
func WithSummaries(pairs int) Option {
	return func(s *Service) {
		s.summaries = pairs > 0
		s.triggerPairs = pairs
	}
}

func NewService(store Store, provider model.Provider, opts ...Option) *Service {
	s := &Service{
		store:        store,
		provider:     provider,
		pub:          event.Discard,
		logger:       zap.NewNop(),
		summaries:    true,
		triggerPairs: DefaultTriggerPairs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Provider() model.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

func (s *Service) SetProvider(p model.Provider) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// Send appends text as a user message and streams the model's reply onto the
// branch. If the model fails the prompt stays in the tree.
func (s *Service) Send(ctx context.Context, sessionID, branch, text string) (Turn, error) {
	prompt, err := s.store.AppendDraft(sessionID, branch, conversation.Draft{
		Role:    conversation.RoleUser,
		Content: text,
	})
	if err != nil {
		return Turn{}, err
	}
	return s.reply(ctx, sessionID, branch, prompt)
}

// Edit replaces a past user message by forking a new branch at its parent,
// makes that branch active and answers the edited prompt there.
func (s *Service) Edit(ctx context.Context, sessionID, branch string, id conversation.MessageID, content string) (Turn, error) {
	b, prompt, err := s.store.EditAndFork(sessionID, branch, id, content)
	if err != nil {
		return Turn{}, err
	}
	s.logger.Info("edited message on new branch",
		zap.String("session_id", sessionID),
		zap.String("branch", b.Name),
		zap.Uint64("message_id", uint64(id)))
	return s.reply(ctx, sessionID, b.Name, prompt)
}

func (s *Service) reply(ctx context.Context, sessionID, branch string, prompt conversation.Message) (Turn, error) {
	turn := Turn{Branch: branch, Prompt: prompt}

	history, err := s.store.History(sessionID, branch)
	if err != nil {
		return turn, err
	}
	messages := agent.PromptMessages(s.systemPrompt, s.summaryOf(sessionID, branch), history)

	var answer strings.Builder
	err = s.Provider().Chat(ctx, messages, func(chunk string, _ []model.ToolCall) error {
		if chunk == "" {
			return nil
		}
		answer.WriteString(chunk)
		s.pub.Publish(event.Event{
			Kind:      event.ChatToken,
			SessionID: sessionID,
			Branch:    branch,
			MessageID: uint64(prompt.ID),
			Text:      chunk,
		})
		return nil
	})
	if err != nil {
		return turn, fmt.Errorf("chat: %w", err)
	}

	content := strings.TrimSpace(answer.String())
	if content == "" {
		return turn, errors.New("chat: model returned an empty reply")
	}
	msg, err := s.appendAfter(sessionID, branch, prompt.ID, conversation.Draft{
		Role:    conversation.RoleAssistant,
		Content: content,
	})
	if err != nil {
		return turn, err
	}
	turn.Reply = msg

	if s.summaries && s.due(history) {
		if _, err := s.Summarize(ctx, sessionID, branch); err != nil {
			s.logger.Warn("summary failed",
				zap.String("session_id", sessionID),
				zap.String("branch", branch),
				zap.Error(err))
		} else {
			turn.Summarized = true
		}
	}
	return turn, nil
}

// appendAfter appends at expected, following the head if another writer
// moved it first.
func (s *Service) appendAfter(sessionID, branch string, expected conversation.MessageID, d conversation.Draft) (conversation.Message, error) {
	var err error
	for i := 0; i <= staleRetries; i++ {
		var msg conversation.Message
		msg, err = s.store.AppendIfHead(sessionID, branch, expected, d)
		if !errors.Is(err, conversation.ErrStaleHead) {
			return msg, err
		}
		if expected, err = s.store.Head(sessionID, branch); err != nil {
			return conversation.Message{}, err
		}
	}
	return conversation.Message{}, err
}

// due reports whether the exchange just completed is a multiple of the
// trigger. history was read before the reply was appended.
func (s *Service) due(history []conversation.Message) bool {
	pairs := 1
	for _, m := range history {
		if m.Role == conversation.RoleAssistant {
			pairs++
		}
	}
	return pairs%s.triggerPairs == 0
}

// Summarize asks the model for a short summary of the branch and appends it
// to the branch summary.
func (s *Service) Summarize(ctx context.Context, sessionID, branch string) (string, error) {
	history, err := s.store.History(sessionID, branch)
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, m := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	messages := []model.Message{
		{Role: model.RoleSystem, Content: summaryInstruction},
		{Role: model.RoleUser, Content: "Conversation:\n" + transcript.String() + "\nSummary:"},
	}

	var out strings.Builder
	if err := s.Provider().Chat(ctx, messages, func(chunk string, _ []model.ToolCall) error {
		out.WriteString(chunk)
		return nil
	}); err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", nil
	}

	if old := strings.TrimSpace(s.summaryOf(sessionID, branch)); old != "" {
		summary = old + "\n\n---\n" + summary
	}
	if err := s.store.SetSummary(sessionID, branch, summary); err != nil {
		return "", err
	}
	s.logger.Debug("branch summarized",
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.Int("length", len(summary)))
	return summary, nil
}

func (s *Service) summaryOf(sessionID, branch string) string {
	info, err := s.store.Session(sessionID)
	if err != nil {
		return ""
	}
	b, _ := info.Branch(branch)
	return b.Summary
}
