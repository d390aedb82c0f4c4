package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"monadic-chat/internal/domain"
)

var _ domain.ProviderAdapter = (*FailoverProvider)(nil)

// FailoverProvider opens the stream on the primary provider and, when that
// fails, on each fallback in order. Only initiation fails over; an open
// stream is never switched mid-turn.
type FailoverProvider struct {
	primary   domain.ProviderAdapter
	fallbacks []domain.ProviderAdapter
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.ProviderAdapter, fallbacks []domain.ProviderAdapter, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// StreamCompletion tries the primary first, then each fallback.
func (f *FailoverProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	stream, err := f.primary.StreamCompletion(ctx, req)
	if err == nil {
		return stream, nil
	}
	errs := []error{fmt.Errorf("%s: %w", f.primary.Name(), err)}
	failed := f.primary.Name()

	for _, fb := range f.fallbacks {
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("llm stream failed, trying fallback",
			"failed", failed, "fallback", fb.Name(), "error", err)

		stream, err = fb.StreamCompletion(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name())
			return stream, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", fb.Name(), err))
		failed = fb.Name()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
