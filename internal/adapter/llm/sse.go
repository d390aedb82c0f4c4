package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"monadic-chat/internal/domain"
)

// maxLineSize bounds a single SSE or NDJSON line. Tool call arguments can
// arrive in one large line.
const maxLineSize = 1024 * 1024

// readSSE forwards every "data:" payload of an SSE body as a raw event.
// Comments, event names and blank lines are dropped. The channel is closed
// when the body ends or ctx is cancelled; a read failure is delivered as a
// final RawEvent with Err set.
func readSSE(ctx context.Context, body io.ReadCloser) <-chan domain.RawEvent {
	return readLines(ctx, body, func(line []byte) ([]byte, bool) {
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			return nil, false
		}
		data = bytes.TrimSpace(data)
		return data, len(data) > 0
	})
}

// readNDJSON forwards every non-blank line of a newline-delimited JSON body.
func readNDJSON(ctx context.Context, body io.ReadCloser) <-chan domain.RawEvent {
	return readLines(ctx, body, func(line []byte) ([]byte, bool) {
		line = bytes.TrimSpace(line)
		return line, len(line) > 0
	})
}

func readLines(ctx context.Context, body io.ReadCloser, extract func([]byte) ([]byte, bool)) <-chan domain.RawEvent {
	ch := make(chan domain.RawEvent, 16)

	// Closing the body unblocks a scanner stuck in Read once ctx is done.
	stop := context.AfterFunc(ctx, func() { body.Close() })

	go func() {
		defer close(ch)
		defer body.Close()
		defer stop()

		send := func(ev domain.RawEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			data, ok := extract(scanner.Bytes())
			if !ok {
				continue
			}
			// The scanner reuses its buffer.
			if !send(domain.RawEvent{Data: bytes.Clone(data)}) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.RawEvent{Err: fmt.Errorf("%w: read stream: %w", domain.ErrTransport, err)})
		}
	}()

	return ch
}
