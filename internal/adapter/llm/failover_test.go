package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
)

func TestFailoverPrimarySucceeds(t *testing.T) {
	primary := &mockProvider{name: "a"}
	fallback := &mockProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.ProviderAdapter{fallback}, newTestLogger())

	_, err := f.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
	assert.Equal(t, "a+failover", f.Name())
}

func TestFailoverUsesFallback(t *testing.T) {
	primary := &mockProvider{name: "a", errs: []error{domain.ErrTransport}}
	broken := &mockProvider{name: "b", errs: []error{domain.ErrAuthInvalid}}
	healthy := &mockProvider{name: "c"}
	f := NewFailoverProvider(primary, []domain.ProviderAdapter{broken, healthy}, newTestLogger())

	stream, err := f.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.NotNil(t, stream)
	assert.Equal(t, 1, healthy.callCount())
}

func TestFailoverAllFail(t *testing.T) {
	primary := &mockProvider{name: "a", errs: []error{domain.ErrRateLimit}}
	fallback := &mockProvider{name: "b", errs: []error{domain.ErrCircuitOpen}}
	f := NewFailoverProvider(primary, []domain.ProviderAdapter{fallback}, newTestLogger())

	_, err := f.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "all providers failed")
	assert.Contains(t, err.Error(), "a: ")
	assert.Contains(t, err.Error(), "b: ")
}

func TestFailoverStopsWhenCancelled(t *testing.T) {
	primary := &mockProvider{name: "a", errs: []error{context.Canceled}}
	fallback := &mockProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.ProviderAdapter{fallback}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.StreamCompletion(ctx, domain.CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fallback.callCount())
}
