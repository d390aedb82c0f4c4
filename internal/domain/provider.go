package domain

import (
	"context"
	"encoding/json"
)

// CompletionRequest is everything an adapter needs to start one streamed
// completion: the active history and the tools manifest.
type CompletionRequest struct {
	Messages       []Message       `json:"messages"`
	Tools          []ToolSchema    `json:"tools,omitempty"`
	StructuredMode bool            `json:"structured_mode,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// RawEvent is one undecoded payload read from a provider stream, or the
// transport error that ended it.
type RawEvent struct {
	Data []byte
	Err  error
}

// Chunk is the vendor-neutral content of one raw event.
type Chunk struct {
	// Text holds the text deltas carried by the raw event, in order.
	Text []string
	// Coalesce marks Text as a single logical delta.
	Coalesce  bool
	ToolCalls []ToolCallFragment
	// Terminal is set when the raw event is the vendor's done sentinel.
	Terminal TerminalReason
}

// Empty reports whether the chunk carries nothing (keep-alives, pings).
func (c Chunk) Empty() bool {
	return len(c.Text) == 0 && len(c.ToolCalls) == 0 && c.Terminal == ""
}

// ChunkParser decodes raw events of a single stream. Parsers may keep
// per-stream state such as tool call index to id mappings. An error event
// sent by the vendor is reported by wrapping ErrProviderStream; any other
// error marks the chunk as malformed.
type ChunkParser interface {
	Parse(data []byte) (Chunk, error)
}

// ChunkParserFunc adapts a function to ChunkParser.
type ChunkParserFunc func(data []byte) (Chunk, error)

func (f ChunkParserFunc) Parse(data []byte) (Chunk, error) { return f(data) }

// RawStream is an open provider stream. Events is closed by the adapter when
// the transport ends; cancelling the context passed to StreamCompletion
// releases it early.
type RawStream struct {
	Events <-chan RawEvent
	Parser ChunkParser
}

// ProviderAdapter opens streamed completions against one LLM vendor.
type ProviderAdapter interface {
	Name() string
	StreamCompletion(ctx context.Context, req CompletionRequest) (*RawStream, error)
}
