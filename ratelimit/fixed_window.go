package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

var _ Limiter = (*FixWindowLimiter)(nil)

type FixWindowLimiter struct {
	interval int64
	// at most maxRate calls per interval
	maxRate     int64
	cnt         int64
	windowStart int64
	now         func() time.Time
}

func NewFixWindowLimiter(interval time.Duration, maxRate int64) *FixWindowLimiter {
	return &FixWindowLimiter{
		interval:    interval.Nanoseconds(),
		maxRate:     maxRate,
		windowStart: time.Now().UnixNano(),
		now:         time.Now,
	}
}

func (l *FixWindowLimiter) Allow(ctx context.Context) (bool, error) {
	current := l.now().UnixNano()
	window := atomic.LoadInt64(&l.windowStart)
	if window+l.interval < current {
		// a failed CAS means another goroutine already moved the window
		if atomic.CompareAndSwapInt64(&l.windowStart, window, current) {
			atomic.StoreInt64(&l.cnt, 0)
		}
	}
	cnt := atomic.AddInt64(&l.cnt, 1)
	return cnt <= l.maxRate, nil
}
