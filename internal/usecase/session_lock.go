package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"monadic-chat/internal/domain"
)

// SessionClaims ensures a session key is served by at most one connection.
// A reconnecting client may wait a short grace period for its previous
// connection to let go.
type SessionClaims struct {
	mu    sync.Mutex
	held  map[string]chan struct{}
	grace time.Duration
}

// NewSessionClaims creates a claim registry. grace bounds how long Claim
// waits for a held key.
func NewSessionClaims(grace time.Duration) *SessionClaims {
	return &SessionClaims{
		held:  make(map[string]chan struct{}),
		grace: grace,
	}
}

// Claim takes the key for the caller. It waits up to the grace period when
// the key is held and fails with domain.ErrSessionBusy afterwards. The
// returned release func is idempotent.
func (sc *SessionClaims) Claim(ctx context.Context, key string) (release func(), err error) {
	deadline := time.NewTimer(sc.grace)
	defer deadline.Stop()

	for {
		sc.mu.Lock()
		released, busy := sc.held[key]
		if !busy {
			ch := make(chan struct{})
			sc.held[key] = ch
			sc.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					sc.mu.Lock()
					delete(sc.held, key)
					sc.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		sc.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			return nil, domain.NewDomainError("SessionClaims.Claim", domain.ErrSessionBusy, key)
		case <-ctx.Done():
			return nil, fmt.Errorf("session claim: %w", ctx.Err())
		}
	}
}

// Active returns the number of claimed keys.
func (sc *SessionClaims) Active() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.held)
}
