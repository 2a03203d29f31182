package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

var _ Limiter = (*SlideWindowLimiter)(nil)

type SlideWindowLimiter struct {
	maxRate int
	// timestamps of the calls inside the window, oldest first
	queue    *list.List
	mutex    sync.Mutex
	interval time.Duration
	now      func() time.Time
}

func NewSlideWindowLimiter(maxRate int, interval time.Duration) *SlideWindowLimiter {
	return &SlideWindowLimiter{
		maxRate:  maxRate,
		interval: interval,
		queue:    list.New(),
		now:      time.Now,
	}
}

func (l *SlideWindowLimiter) Allow(ctx context.Context) (bool, error) {
	current := l.now()
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.queue.Len() < l.maxRate {
		l.queue.PushBack(current)
		return true, nil
	}
	windowStart := current.Add(-l.interval)
	for e := l.queue.Front(); e != nil && !e.Value.(time.Time).After(windowStart); e = l.queue.Front() {
		l.queue.Remove(e)
	}
	if l.queue.Len() >= l.maxRate {
		return false, nil
	}
	l.queue.PushBack(current)
	return true, nil
}
