package domain

import (
	"context"
	"time"
)

// TokenCounter measures the token cost of a text.
type TokenCounter interface {
	Count(text string) int
}

// SentenceBoundaryDetector splits a buffer into completed sentences and the
// unfinished remainder. Implementations must satisfy
// concat(sentences) + remainder == buffer.
type SentenceBoundaryDetector interface {
	Find(buffer string) (sentences []string, remainder string)
}

// Transcriber converts an audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// BlobStore keeps attachment payloads by content address.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// EnvelopeValidator checks a structured-mode assistant reply.
type EnvelopeValidator interface {
	Validate(text string) (*Envelope, error)
}

// SessionStore persists session snapshots. Load returns ErrSessionNotFound
// for unknown keys.
type SessionStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, key string) (*Snapshot, error)
	Delete(ctx context.Context, key string) error
	Reap(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}
