package domain

// TerminalReason is why a completion stream ended normally.
type TerminalReason string

const (
	ReasonStop          TerminalReason = "stop"
	ReasonToolRequested TerminalReason = "tool_requested"
	ReasonLengthLimit   TerminalReason = "length_limit"
)

// StreamEventKind tags a StreamEvent.
type StreamEventKind int

const (
	StreamFragment StreamEventKind = iota
	StreamToolCallFragment
	StreamTerminal
	StreamError
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamFragment:
		return "fragment"
	case StreamToolCallFragment:
		return "tool_call_fragment"
	case StreamTerminal:
		return "terminal"
	case StreamError:
		return "error"
	}
	return "unknown"
}

// ToolCallFragment is a partial tool call. Name is only set on the fragment
// that opens the call.
type ToolCallFragment struct {
	CallID   string `json:"call_id"`
	Name     string `json:"name,omitempty"`
	ArgChunk string `json:"arg_chunk,omitempty"`
}

// StreamEvent is one decoded event of a completion stream.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall ToolCallFragment
	Reason   TerminalReason
	ErrKind  ErrorKind
	Detail   string
}

// Final reports whether the event ends the stream.
func (e StreamEvent) Final() bool {
	return e.Kind == StreamTerminal || e.Kind == StreamError
}

func FragmentEvent(text string) StreamEvent {
	return StreamEvent{Kind: StreamFragment, Text: text}
}

func ToolFragmentEvent(f ToolCallFragment) StreamEvent {
	return StreamEvent{Kind: StreamToolCallFragment, ToolCall: f}
}

func TerminalEvent(reason TerminalReason) StreamEvent {
	return StreamEvent{Kind: StreamTerminal, Reason: reason}
}

func ErrorEvent(kind ErrorKind, detail string) StreamEvent {
	return StreamEvent{Kind: StreamError, ErrKind: kind, Detail: detail}
}
