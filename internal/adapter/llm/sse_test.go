package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
)

func collectRaw(t *testing.T, ch <-chan domain.RawEvent) []domain.RawEvent {
	t.Helper()
	var out []domain.RawEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("channel not closed")
		}
	}
}

func TestReadSSE(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		": comment\n" +
			"event: message\n" +
			"data: {\"a\":1}\n" +
			"\n" +
			"data:{\"b\":2}\n" +
			"data: \n" +
			"id: 7\n" +
			"data: [DONE]\n",
	))

	events := collectRaw(t, readSSE(context.Background(), body))
	require.Len(t, events, 3)
	assert.Equal(t, `{"a":1}`, string(events[0].Data))
	assert.Equal(t, `{"b":2}`, string(events[1].Data))
	assert.Equal(t, `[DONE]`, string(events[2].Data))
}

func TestReadNDJSON(t *testing.T) {
	body := io.NopCloser(strings.NewReader("{\"a\":1}\n\n  {\"b\":2}  \n{\"c\":3}"))

	events := collectRaw(t, readNDJSON(context.Background(), body))
	require.Len(t, events, 3)
	assert.Equal(t, `{"b":2}`, string(events[1].Data))
	assert.Equal(t, `{"c":3}`, string(events[2].Data))
}

type failingBody struct {
	data io.Reader
}

func (b *failingBody) Read(p []byte) (int, error) {
	n, err := b.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func (b *failingBody) Close() error { return nil }

func TestReadSSEReportsReadError(t *testing.T) {
	body := &failingBody{data: strings.NewReader("data: {\"a\":1}\n")}

	events := collectRaw(t, readSSE(context.Background(), body))
	require.Len(t, events, 2)
	assert.NoError(t, events[0].Err)
	require.Error(t, events[1].Err)
	assert.ErrorIs(t, events[1].Err, domain.ErrTransport)
	assert.Contains(t, events[1].Err.Error(), "connection reset")
}

// blockingBody blocks in Read until closed.
type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestReadSSECancelClosesBody(t *testing.T) {
	body := &blockingBody{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	ch := readSSE(ctx, body)
	cancel()

	events := collectRaw(t, ch)
	assert.Empty(t, events, "cancellation is not reported as a transport error")
	select {
	case <-body.closed:
	default:
		t.Error("body not closed")
	}
}
