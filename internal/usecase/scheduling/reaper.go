package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"monadic-chat/internal/domain"
)

// SessionReaper returns the session_reap action: it deletes persisted
// sessions untouched for longer than olderThan.
func SessionReaper(store domain.SessionStore, olderThan time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if olderThan <= 0 {
			return nil
		}
		n, err := store.Reap(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("reap sessions: %w", err)
		}
		if n > 0 {
			logger.Info("expired sessions reaped", "count", n, "older_than", olderThan)
		}
		return nil
	}
}
