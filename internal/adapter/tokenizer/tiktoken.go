// Package tokenizer provides token counters for the history budget.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"monadic-chat/internal/domain"
)

const fallbackEncoding = "cl100k_base"

var (
	_ domain.TokenCounter = (*TiktokenCounter)(nil)
	_ domain.TokenCounter = ApproxCounter{}
)

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the encoding used by model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding for %q: %w", model, err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements domain.TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates one token per four bytes, rounded up. It is used
// when no encoding can be loaded.
type ApproxCounter struct{}

// Count implements domain.TokenCounter.
func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// New returns a tiktoken counter for model, or ApproxCounter and the load
// error when the encoding is unavailable.
func New(model string) (domain.TokenCounter, error) {
	c, err := NewTiktokenCounter(model)
	if err != nil {
		return ApproxCounter{}, err
	}
	return c, nil
}
