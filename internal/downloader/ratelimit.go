package downloader

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum interval between outbound requests. A single
// limiter is shared by everything that talks to the archive; with a burst of
// one, reserving a slot and recording it are the same atomic step, so
// concurrent callers cannot both observe an idle gate.
type RateLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewRateLimiter returns a limiter permitting one request per minInterval.
// A non-positive interval disables limiting.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: minInterval,
	}
}

// Interval returns the configured minimum spacing.
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}

// Wait blocks until the next request may be sent and returns the time at
// which it was permitted.
func (r *RateLimiter) Wait(ctx context.Context) (time.Time, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}
