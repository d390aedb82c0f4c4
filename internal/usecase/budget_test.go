package usecase

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
)

func msgWithWords(id string, words int, pinned bool) domain.Message {
	return domain.Message{
		ID:     id,
		Role:   domain.RoleUser,
		Text:   strings.TrimSpace(strings.Repeat("w ", words)),
		Pinned: pinned,
	}
}

func activeFlags(msgs []domain.Message) []bool {
	out := make([]bool, len(msgs))
	for i, m := range msgs {
		out[i] = m.Active
	}
	return out
}

func TestRecomputeTrimsOldestFirst(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{
		msgWithWords("a", 4, false),
		msgWithWords("b", 4, false),
		msgWithWords("c", 4, false),
	}

	res := b.Recompute(msgs, 8, 0)

	assert.True(t, res.Changed)
	assert.Equal(t, []bool{false, true, true}, activeFlags(msgs))
	assert.Equal(t, 8, res.ActiveTokens)
	assert.Equal(t, 2, res.ActiveMessages)
}

func TestRecomputeRespectsMessageCount(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{
		msgWithWords("a", 1, false),
		msgWithWords("b", 1, false),
		msgWithWords("c", 1, false),
	}

	res := b.Recompute(msgs, 0, 2)

	assert.Equal(t, []bool{false, true, true}, activeFlags(msgs))
	assert.Equal(t, 2, res.ActiveMessages)
}

func TestRecomputeRecountsChangedText(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{msgWithWords("m1", 1, false), msgWithWords("m2", 1, false)}
	b.Recompute(msgs, 5, 0)

	// Same ids, new content.
	msgs = []domain.Message{msgWithWords("m1", 6, false), msgWithWords("m2", 1, false)}
	res := b.Recompute(msgs, 5, 0)

	assert.Equal(t, []bool{false, true}, activeFlags(msgs))
	assert.Equal(t, 1, res.ActiveTokens)
	assert.Equal(t, 1, res.ActiveMessages)

	fresh := NewTokenBudgetManager(wordCounter{})
	again := []domain.Message{msgWithWords("m1", 6, false), msgWithWords("m2", 1, false)}
	assert.Equal(t, fresh.Recompute(again, 5, 0).ActiveTokens, res.ActiveTokens)
}

func TestRecomputeNeverDeactivatesPinned(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{
		msgWithWords("sys", 6, true),
		msgWithWords("a", 3, false),
		msgWithWords("b", 3, false),
	}

	res := b.Recompute(msgs, 5, 0)

	// The pinned message alone exceeds the budget; every other message goes.
	assert.Equal(t, []bool{true, false, false}, activeFlags(msgs))
	assert.Equal(t, 6, res.ActiveTokens)
	assert.Equal(t, 1, res.ActiveMessages)
}

func TestRecomputeUnboundedKeepsEverything(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{msgWithWords("a", 100, false), msgWithWords("b", 100, false)}

	res := b.Recompute(msgs, 0, 0)

	assert.Equal(t, []bool{true, true}, activeFlags(msgs))
	assert.Equal(t, 200, res.ActiveTokens)
}

func TestRecomputeReactivatesAfterDelete(t *testing.T) {
	b := NewTokenBudgetManager(wordCounter{})
	msgs := []domain.Message{
		msgWithWords("a", 5, false),
		msgWithWords("b", 5, false),
		msgWithWords("c", 5, false),
	}
	b.Recompute(msgs, 10, 0)
	require.False(t, msgs[0].Active)

	msgs = msgs[:2]
	msgs[1] = msgWithWords("d", 1, false)
	msgs[1].Active = true
	res := b.Recompute(msgs, 10, 0)

	assert.True(t, res.Changed)
	assert.True(t, msgs[0].Active)
}

// Recompute twice without mutation reports no change the second time, and
// two managers agree on identical input.
func TestRecomputeDeterminismProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 300; iter++ {
		n := rng.Intn(12)
		msgs := make([]domain.Message, n)
		for i := range msgs {
			msgs[i] = msgWithWords(fmt.Sprintf("m%d", i), rng.Intn(8), i == 0 && rng.Intn(2) == 0)
			msgs[i].Active = rng.Intn(2) == 0
		}
		maxTokens := rng.Intn(30)
		maxCount := rng.Intn(8)

		twin := append([]domain.Message(nil), msgs...)

		b := NewTokenBudgetManager(wordCounter{})
		first := b.Recompute(msgs, maxTokens, maxCount)
		second := b.Recompute(msgs, maxTokens, maxCount)
		require.False(t, second.Changed, "iteration %d: second pass changed flags", iter)
		require.Equal(t, first.ActiveTokens, second.ActiveTokens)
		require.Equal(t, first.ActiveMessages, second.ActiveMessages)

		other := NewTokenBudgetManager(wordCounter{}).Recompute(twin, maxTokens, maxCount)
		require.Equal(t, first, other, "iteration %d", iter)
		require.Equal(t, activeFlags(msgs), activeFlags(twin))

		for _, m := range msgs {
			if m.Pinned {
				require.True(t, m.Active, "iteration %d: pinned message deactivated", iter)
			}
		}
	}
}

func TestBudgetScenarioC(t *testing.T) {
	sess := newTestSession(domain.SessionConfig{TokenBudget: 10})

	first, res := sess.AppendUserMessage("one two three four five", nil)
	assert.False(t, res.Changed)
	_, res = sess.AppendAssistantMessage("six seven eight nine ten")
	assert.False(t, res.Changed)

	_, res = sess.AppendUserMessage("eleven twelve thirteen fourteen fifteen", nil)

	assert.True(t, res.Changed)
	assert.Equal(t, 10, res.ActiveTokens)
	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.False(t, msgs[0].Active)
	assert.True(t, msgs[1].Active)
	assert.True(t, msgs[2].Active)
}
