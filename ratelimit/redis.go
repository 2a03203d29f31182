package ratelimit

import (
	"context"
	_ "embed"
	"time"

	"github.com/go-redis/redis/v9"
)

//go:embed lua/fixed_window.lua
var luaFixedWindow string

//go:embed lua/slide_window.lua
var luaSlideWindow string

var (
	_ Limiter = (*RedisFixedWindowLimiter)(nil)
	_ Limiter = (*RedisSlideWindowLimiter)(nil)
)

// RedisFixedWindowLimiter shares one budget between every client using the
// same key, e.g. several bench hosts driving one server.
type RedisFixedWindowLimiter struct {
	client   redis.Cmdable
	key      string
	maxRate  int
	interval int64
}

func NewRedisFixedWindowLimiter(client redis.Cmdable, key string, maxRate int, interval time.Duration) *RedisFixedWindowLimiter {
	return &RedisFixedWindowLimiter{
		client:   client,
		key:      key,
		maxRate:  maxRate,
		interval: interval.Milliseconds(),
	}
}

func (l *RedisFixedWindowLimiter) Allow(ctx context.Context) (bool, error) {
	limited, err := l.client.Eval(ctx, luaFixedWindow, []string{l.key}, l.maxRate, l.interval).Bool()
	return !limited, err
}

type RedisSlideWindowLimiter struct {
	client   redis.Cmdable
	key      string
	maxRate  int
	interval int64
}

func NewRedisSlideWindowLimiter(client redis.Cmdable, key string, maxRate int, interval time.Duration) *RedisSlideWindowLimiter {
	return &RedisSlideWindowLimiter{
		client:   client,
		key:      key,
		maxRate:  maxRate,
		interval: interval.Milliseconds(),
	}
}

func (l *RedisSlideWindowLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now()
	limited, err := l.client.Eval(ctx, luaSlideWindow, []string{l.key},
		l.maxRate, l.interval, now.UnixMilli(), now.UnixNano()).Bool()
	return !limited, err
}
