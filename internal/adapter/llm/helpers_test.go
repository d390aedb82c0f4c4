package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
		{http.StatusInternalServerError, domain.ErrTransport},
		{http.StatusServiceUnavailable, domain.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError(tt.status, []byte(" body \n"))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "body")
		})
	}

	err := mapHTTPError(http.StatusBadRequest, []byte("bad"))
	assert.EqualError(t, err, "API error 400: bad")
	for _, sentinel := range []error{domain.ErrRateLimit, domain.ErrTransport, domain.ErrAuthInvalid} {
		assert.False(t, errors.Is(err, sentinel))
	}
}

func TestDoStreamRequestConnectionRefused(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "")
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(config.ProviderConfig{})
	_, err := doStreamRequest(context.Background(), client, url, []byte(`{}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestDoStreamRequestCancelled(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := doStreamRequest(ctx, srv.Client(), srv.URL, []byte(`{}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrTransport)
}

func TestNewHTTPClientHasNoOverallTimeout(t *testing.T) {
	client := NewHTTPClient(config.ProviderConfig{RespTimeout: 7})
	assert.Zero(t, client.Timeout)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.EqualValues(t, 7, tr.ResponseHeaderTimeout)
}
