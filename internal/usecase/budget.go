package usecase

import (
	"monadic-chat/internal/domain"
)

// BudgetResult is the outcome of one budget pass.
type BudgetResult struct {
	Changed        bool
	ActiveTokens   int
	ActiveMessages int
}

// Payload converts the result into its client event payload.
func (r BudgetResult) Payload() domain.BudgetInfoPayload {
	return domain.BudgetInfoPayload{
		ActiveTokens:   r.ActiveTokens,
		ActiveMessages: r.ActiveMessages,
		Changed:        r.Changed,
	}
}

// TokenBudgetManager decides which messages are active for the next request.
// Instances belong to a single session. Cached costs are reused only while a
// message id still carries the same content.
type TokenBudgetManager struct {
	counter domain.TokenCounter
	costs   map[string]costEntry
}

type costEntry struct {
	content string
	cost    int
}

// NewTokenBudgetManager creates a budget manager using counter for costs.
func NewTokenBudgetManager(counter domain.TokenCounter) *TokenBudgetManager {
	return &TokenBudgetManager{
		counter: counter,
		costs:   make(map[string]costEntry),
	}
}

// Recompute marks every message active, then deactivates non-pinned messages
// oldest first until the active set fits maxTokens and maxCount. A limit <= 0
// is unbounded. Active flags are updated in place.
func (b *TokenBudgetManager) Recompute(msgs []domain.Message, maxTokens, maxCount int) BudgetResult {
	before := make([]bool, len(msgs))
	costs := make([]int, len(msgs))
	seen := make(map[string]struct{}, len(msgs))

	total := 0
	for i := range msgs {
		before[i] = msgs[i].Active
		costs[i] = b.cost(msgs[i])
		seen[msgs[i].ID] = struct{}{}
		msgs[i].Active = true
		total += costs[i]
	}
	count := len(msgs)

	for i := range msgs {
		if fits(total, count, maxTokens, maxCount) {
			break
		}
		if msgs[i].Pinned {
			continue
		}
		msgs[i].Active = false
		total -= costs[i]
		count--
	}

	changed := false
	for i := range msgs {
		if msgs[i].Active != before[i] {
			changed = true
			break
		}
	}

	for id := range b.costs {
		if _, ok := seen[id]; !ok {
			delete(b.costs, id)
		}
	}

	return BudgetResult{Changed: changed, ActiveTokens: total, ActiveMessages: count}
}

func fits(tokens, count, maxTokens, maxCount int) bool {
	return (maxTokens <= 0 || tokens <= maxTokens) && (maxCount <= 0 || count <= maxCount)
}

func (b *TokenBudgetManager) cost(m domain.Message) int {
	content := m.Text
	if m.ToolCall != nil {
		content += "\x00" + m.ToolCall.Name + "\x00" + string(m.ToolCall.Arguments)
	}
	if m.ID != "" {
		if e, ok := b.costs[m.ID]; ok && e.content == content {
			return e.cost
		}
	}
	c := b.counter.Count(m.Text)
	if m.ToolCall != nil {
		c += b.counter.Count(m.ToolCall.Name) + b.counter.Count(string(m.ToolCall.Arguments))
	}
	if m.ID != "" {
		b.costs[m.ID] = costEntry{content: content, cost: c}
	}
	return c
}
