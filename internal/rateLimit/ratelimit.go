package rateLimit

import (
	"context"
	"time"

	"github.com/robertarktes/expedition-reservations/internal/observability"
)

// Counter is satisfied by the redis adapter's Cache.
type Counter interface {
	Hit(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow fails open when the counter is unreachable; bookings stay guarded by the ledger.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	n, err := rl.counter.Hit(ctx, key, period)
	if err != nil {
		rl.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
