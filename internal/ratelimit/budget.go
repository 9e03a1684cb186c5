package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Budget is a blocking token bucket for outbound calls.
type Budget struct {
	limiter *rate.Limiter
}

// NewBudget allows ratePerMinute calls with bursts up to maxBurst.
func NewBudget(maxBurst int, ratePerMinute float64) *Budget {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 250
	}
	return &Budget{limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60.0), maxBurst)}
}

// Wait blocks until a token is available or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allow takes a token without blocking.
func (b *Budget) Allow() bool {
	return b.limiter.Allow()
}
