package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

var _ Limiter = (*TokenBucket)(nil)

// TokenBucket paces calls to r per second with bursts up to burst. It never
// refuses, it waits for a token or for ctx.
type TokenBucket struct {
	limiter *rate.Limiter
}

func NewTokenBucket(r float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (t *TokenBucket) Allow(ctx context.Context) (bool, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}
