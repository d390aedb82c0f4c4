package tool

import (
	"time"

	"golang.org/x/time/rate"

	"monadic-chat/internal/infra/config"
)

// NewRateLimiter builds the token bucket shared by all tool invocations.
// It returns nil, meaning unlimited, when PerMinute is not positive.
func NewRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), burst)
}
