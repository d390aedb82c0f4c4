package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
	ErrDisabled      = fmt.Errorf("disabled")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrMessageNotFound  = fmt.Errorf("message not found")
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionBusy      = fmt.Errorf("session is held by another connection")
	ErrTurnInProgress   = fmt.Errorf("a turn is already in progress")
	ErrPinnedMessage    = fmt.Errorf("pinned message cannot be modified")
	ErrSSRFBlocked      = fmt.Errorf("request to private/reserved IP blocked")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrEncryption       = fmt.Errorf("encryption operation failed")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrTranscription    = fmt.Errorf("transcription failed")

	// Stream and turn errors.
	ErrTransport        = fmt.Errorf("provider transport failed")
	ErrStreamTruncated  = fmt.Errorf("stream closed without terminal event")
	ErrProviderStream   = fmt.Errorf("provider error in stream")
	ErrMalformedStream  = fmt.Errorf("too many consecutive malformed chunks")
	ErrToolFailure      = fmt.Errorf("tool execution failed")
	ErrToolLoopExceeded = fmt.Errorf("tool invocation rounds exceeded")
	ErrCancelled        = fmt.Errorf("turn cancelled")

	// Provider HTTP errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrCircuitOpen     = fmt.Errorf("provider circuit open")

	// Gateway errors.
	ErrUnknownCommand = fmt.Errorf("unknown command")
	ErrInvalidPayload = fmt.Errorf("command payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Decoder.Next")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport)
}

// ErrorKind is the client-visible failure taxonomy of a turn.
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport_error"
	KindTimeout          ErrorKind = "timeout"
	KindTruncated        ErrorKind = "truncated"
	KindMalformedStream  ErrorKind = "malformed_stream"
	KindToolError        ErrorKind = "tool_error"
	KindToolLoopExceeded ErrorKind = "tool_loop_exceeded"
	KindCancelled        ErrorKind = "cancelled"
)

// CommitsPartial reports whether a turn failing with this kind keeps the
// assistant text accumulated so far.
func (k ErrorKind) CommitsPartial() bool {
	return k != KindCancelled
}

// kindMap maps sentinels to their turn error kind. Order matters for wrapped
// chains: the first match wins, so specific sentinels precede generic ones.
var kindMap = []struct {
	sentinel error
	kind     ErrorKind
}{
	{ErrCancelled, KindCancelled},
	{ErrToolLoopExceeded, KindToolLoopExceeded},
	{ErrMalformedStream, KindMalformedStream},
	{ErrStreamTruncated, KindTruncated},
	{ErrTimeout, KindTimeout},
	{ErrToolFailure, KindToolError},
	{ErrProviderStream, KindTransport},
	{ErrTransport, KindTransport},
}

// KindOf returns the ErrorKind a known sentinel maps to, or false when err
// carries none of them.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	for _, m := range kindMap {
		if errors.Is(err, m.sentinel) {
			return m.kind, true
		}
	}
	return "", false
}

// TurnError is a classified turn failure. It is the only error shape that
// leaves the tool-call coordinator.
type TurnError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *TurnError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError creates a classified turn error.
func NewTurnError(kind ErrorKind, detail string, err error) *TurnError {
	return &TurnError{Kind: kind, Detail: detail, Err: err}
}
