package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"monadic-chat/internal/domain"
)

// ConversationSession is the ordered message history of one client session.
// It is owned by a single connection; the mutex only guards reads made by
// status endpoints while a turn is writing.
type ConversationSession struct {
	mu      sync.RWMutex
	key     string
	cfg     domain.SessionConfig
	msgs    []domain.Message
	budget  *TokenBudgetManager
	last    BudgetResult
	context json.RawMessage
	updated time.Time
}

// NewConversationSession creates an empty session.
func NewConversationSession(key string, cfg domain.SessionConfig, counter domain.TokenCounter) *ConversationSession {
	return &ConversationSession{
		key:     key,
		cfg:     cfg,
		msgs:    make([]domain.Message, 0),
		budget:  NewTokenBudgetManager(counter),
		updated: time.Now(),
	}
}

// Key returns the session key.
func (s *ConversationSession) Key() string { return s.key }

// Config returns the immutable session configuration.
func (s *ConversationSession) Config() domain.SessionConfig { return s.cfg }

// AppendUserMessage appends a user message with an optional attachment.
func (s *ConversationSession) AppendUserMessage(text string, att *domain.Attachment) (domain.Message, BudgetResult) {
	return s.append(domain.Message{Role: domain.RoleUser, Text: text, Attachment: att})
}

// AppendAssistantMessage appends an assistant message.
func (s *ConversationSession) AppendAssistantMessage(text string) (domain.Message, BudgetResult) {
	return s.append(domain.Message{Role: domain.RoleAssistant, Text: text})
}

// AppendToolResult appends the result of the tool call identified by call.
func (s *ConversationSession) AppendToolResult(call domain.ToolCallRef, payload string) (domain.Message, BudgetResult) {
	ref := call
	return s.append(domain.Message{Role: domain.RoleToolResult, Text: payload, ToolCall: &ref})
}

// SetInitialPrompt installs the pinned system message, replacing any
// previous one. It stays first in SnapshotActive and is never trimmed.
func (s *ConversationSession) SetInitialPrompt(text string) BudgetResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.msgs[:0]
	for _, m := range s.msgs {
		if !m.Pinned {
			kept = append(kept, m)
		}
	}
	s.msgs = kept
	if text != "" {
		pinned := s.newMessage(domain.Message{Role: domain.RoleSystem, Text: text, Pinned: true})
		s.msgs = append([]domain.Message{pinned}, s.msgs...)
	}
	return s.recompute()
}

func (s *ConversationSession) append(m domain.Message) (domain.Message, BudgetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m = s.newMessage(m)
	s.msgs = append(s.msgs, m)
	res := s.recompute()
	return s.msgs[len(s.msgs)-1], res
}

// newMessage stamps identity. New messages start active so that a budget
// pass only reports real flips.
func (s *ConversationSession) newMessage(m domain.Message) domain.Message {
	m.ID = NewID()
	m.Active = true
	m.CreatedAt = time.Now()
	return m
}

// DeleteMessage removes a message by id.
func (s *ConversationSession) DeleteMessage(id string) (BudgetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return BudgetResult{}, domain.NewDomainError("ConversationSession.DeleteMessage", domain.ErrMessageNotFound, id)
	}
	if s.msgs[i].Pinned {
		return BudgetResult{}, domain.NewDomainError("ConversationSession.DeleteMessage", domain.ErrPinnedMessage, id)
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	return s.recompute(), nil
}

// EditMessage replaces a message by a new one carrying text, at the same
// position. The replacement gets a new id.
func (s *ConversationSession) EditMessage(id, text string) (domain.Message, BudgetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return domain.Message{}, BudgetResult{}, domain.NewDomainError("ConversationSession.EditMessage", domain.ErrMessageNotFound, id)
	}
	if s.msgs[i].Pinned {
		return domain.Message{}, BudgetResult{}, domain.NewDomainError("ConversationSession.EditMessage", domain.ErrPinnedMessage, id)
	}
	old := s.msgs[i]
	s.msgs[i] = s.newMessage(domain.Message{
		Role:       old.Role,
		Text:       text,
		Attachment: old.Attachment,
		ToolCall:   old.ToolCall,
	})
	res := s.recompute()
	return s.msgs[i], res, nil
}

// Reset discards every message and the structured-mode context.
func (s *ConversationSession) Reset() BudgetResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = s.msgs[:0]
	s.context = nil
	return s.recompute()
}

// Truncate drops every message after the first n and returns the removed
// ids in order.
func (s *ConversationSession) Truncate(n int) ([]string, BudgetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n >= len(s.msgs) {
		return nil, s.recompute()
	}
	removed := make([]string, 0, len(s.msgs)-n)
	for _, m := range s.msgs[n:] {
		removed = append(removed, m.ID)
	}
	s.msgs = s.msgs[:n]
	return removed, s.recompute()
}

// Len returns the number of messages.
func (s *ConversationSession) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Messages returns a copy of the full history.
func (s *ConversationSession) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// SnapshotActive returns the messages for the next provider request: the
// pinned system message first, then active messages in insertion order.
func (s *ConversationSession) SnapshotActive() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Pinned {
			out = append(out, m)
			break
		}
	}
	for _, m := range s.msgs {
		if m.Active && !m.Pinned {
			out = append(out, m)
		}
	}
	return out
}

// Budget returns the result of the most recent budget pass.
func (s *ConversationSession) Budget() BudgetResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// StructuredContext returns the opaque context carried between structured turns.
func (s *ConversationSession) StructuredContext() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.context
}

// SetStructuredContext stores the context of the latest valid envelope.
func (s *ConversationSession) SetStructuredContext(ctx json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = append(json.RawMessage(nil), ctx...)
	s.updated = time.Now()
}

// Export returns the persisted layout of the session.
func (s *ConversationSession) Export() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.Record, 0, len(s.msgs))
	for _, m := range s.msgs {
		records = append(records, domain.Record{
			ID:         m.ID,
			Role:       m.Role,
			Text:       m.Text,
			Pinned:     m.Pinned,
			Attachment: m.Attachment,
			ToolCall:   m.ToolCall,
			CreatedAt:  m.CreatedAt,
		})
	}
	return domain.Snapshot{
		Key:       s.key,
		Config:    s.cfg,
		Records:   records,
		Context:   s.context,
		UpdatedAt: s.updated,
	}
}

// Import replaces the history with records. Ids are kept; records without
// one get a fresh id. Active flags are recomputed.
func (s *ConversationSession) Import(records []domain.Record, ctx json.RawMessage) (BudgetResult, error) {
	msgs := make([]domain.Message, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	pinned := false
	for i, r := range records {
		if !r.Role.Valid() {
			return BudgetResult{}, domain.NewDomainError("ConversationSession.Import", domain.ErrInvalidInput,
				fmt.Sprintf("record %d: unknown role %q", i, r.Role))
		}
		if r.Pinned && (pinned || r.Role != domain.RoleSystem) {
			return BudgetResult{}, domain.NewDomainError("ConversationSession.Import", domain.ErrInvalidInput,
				fmt.Sprintf("record %d: only one system record may be pinned", i))
		}
		pinned = pinned || r.Pinned
		id := r.ID
		if id == "" {
			id = NewID()
		}
		if _, dup := seen[id]; dup {
			return BudgetResult{}, domain.NewDomainError("ConversationSession.Import", domain.ErrInvalidInput,
				fmt.Sprintf("record %d: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		msgs = append(msgs, domain.Message{
			ID:         id,
			Role:       r.Role,
			Text:       r.Text,
			Active:     true,
			Pinned:     r.Pinned,
			Attachment: r.Attachment,
			ToolCall:   r.ToolCall,
			CreatedAt:  created,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = msgs
	s.context = ctx
	return s.recompute(), nil
}

// recompute runs a budget pass. Callers hold s.mu.
func (s *ConversationSession) recompute() BudgetResult {
	s.last = s.budget.Recompute(s.msgs, s.cfg.TokenBudget, s.cfg.MaxActiveMessages)
	s.updated = time.Now()
	return s.last
}

func (s *ConversationSession) indexOf(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
