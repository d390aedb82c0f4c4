package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"monadic-chat/internal/domain"
)

const (
	defaultInactivityTimeout = 60 * time.Second
	defaultMaxParseFailures  = 3
)

// DecoderConfig tunes a StreamDecoder.
type DecoderConfig struct {
	// InactivityTimeout bounds the gap between two raw events. Zero uses the
	// default; a negative value disables the timeout.
	InactivityTimeout time.Duration
	// MaxParseFailures is the number of consecutive unparseable chunks that
	// end the stream as malformed.
	MaxParseFailures int
}

// StreamDecoder turns a raw provider stream into StreamEvents.
type StreamDecoder struct {
	inactivity  time.Duration
	maxFailures int
	logger      *slog.Logger
}

// NewStreamDecoder creates a decoder.
func NewStreamDecoder(cfg DecoderConfig, logger *slog.Logger) *StreamDecoder {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.MaxParseFailures <= 0 {
		cfg.MaxParseFailures = defaultMaxParseFailures
	}
	return &StreamDecoder{
		inactivity:  cfg.InactivityTimeout,
		maxFailures: cfg.MaxParseFailures,
		logger:      logger,
	}
}

// Decode starts pulling from stream and returns the decoded events. The
// channel carries exactly one terminal or error event, always last, and is
// then closed. Callers must drain it.
func (d *StreamDecoder) Decode(ctx context.Context, stream *domain.RawStream) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		out <- d.run(ctx, stream, out)
	}()
	return out
}

// run forwards non-final events to out and returns the final one.
func (d *StreamDecoder) run(ctx context.Context, stream *domain.RawStream, out chan<- domain.StreamEvent) domain.StreamEvent {
	var timeout <-chan time.Time
	var timer *time.Timer
	if d.inactivity > 0 {
		timer = time.NewTimer(d.inactivity)
		defer timer.Stop()
		timeout = timer.C
	}
	rearm := func() {
		if timer != nil {
			timer.Reset(d.inactivity)
		}
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return domain.ErrorEvent(domain.KindCancelled, ctx.Err().Error())

		case <-timeout:
			return domain.ErrorEvent(domain.KindTimeout,
				fmt.Sprintf("no provider event for %s", d.inactivity))

		case raw, ok := <-stream.Events:
			if !ok {
				if ctx.Err() != nil {
					return domain.ErrorEvent(domain.KindCancelled, ctx.Err().Error())
				}
				return domain.ErrorEvent(domain.KindTruncated, domain.ErrStreamTruncated.Error())
			}
			if raw.Err != nil {
				if ctx.Err() != nil && errors.Is(raw.Err, context.Canceled) {
					return domain.ErrorEvent(domain.KindCancelled, raw.Err.Error())
				}
				return domain.ErrorEvent(domain.KindTransport, raw.Err.Error())
			}

			chunk, err := stream.Parser.Parse(raw.Data)
			if errors.Is(err, domain.ErrProviderStream) {
				return domain.ErrorEvent(domain.KindTransport, err.Error())
			}
			if err != nil {
				failures++
				d.logger.Debug("skipping malformed chunk",
					"failures", failures, "error", err, "data", preview(raw.Data))
				if failures >= d.maxFailures {
					return domain.ErrorEvent(domain.KindMalformedStream,
						fmt.Sprintf("%d consecutive unparseable chunks, last: %v", failures, err))
				}
				rearm()
				continue
			}
			failures = 0

			for _, ev := range chunkEvents(chunk) {
				out <- ev
			}
			if chunk.Terminal != "" {
				return domain.TerminalEvent(chunk.Terminal)
			}
			rearm()
		}
	}
}

// chunkEvents expands a chunk into non-final events: text first, then tool
// call fragments. Empty text deltas are dropped.
func chunkEvents(c domain.Chunk) []domain.StreamEvent {
	evs := make([]domain.StreamEvent, 0, len(c.Text)+len(c.ToolCalls))
	if c.Coalesce {
		if joined := strings.Join(c.Text, ""); joined != "" {
			evs = append(evs, domain.FragmentEvent(joined))
		}
	} else {
		for _, t := range c.Text {
			if t != "" {
				evs = append(evs, domain.FragmentEvent(t))
			}
		}
	}
	for _, tc := range c.ToolCalls {
		evs = append(evs, domain.ToolFragmentEvent(tc))
	}
	return evs
}

func preview(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
