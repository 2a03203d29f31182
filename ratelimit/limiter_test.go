package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProxy struct {
	mu    sync.Mutex
	calls []string
	metas []map[string]string
}

func (c *countingProxy) Invoke(ctx context.Context, methodName string, args, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, methodName)
	c.metas = append(c.metas, rpc.MetaFromContext(ctx))
	return nil
}

func TestMiddlewareReject(t *testing.T) {
	next := &countingProxy{}
	p := MiddlewareBuilder{
		Limiter: NewFixWindowLimiter(time.Hour, 2),
		Methods: []string{"Execute"},
	}.Build()(next)

	ctx := context.Background()
	require.NoError(t, p.Invoke(ctx, "Execute", nil, nil))
	require.NoError(t, p.Invoke(ctx, "Execute", nil, nil))
	err := p.Invoke(ctx, "Execute", nil, nil)
	assert.ErrorIs(t, err, errs.ErrRateLimited)
	assert.Equal(t, "ratelimited", errs.Kind(err))

	// other methods are not limited
	require.NoError(t, p.Invoke(ctx, "Echo", nil, nil))
	assert.Equal(t, []string{"Execute", "Execute", "Echo"}, next.calls)
}

func TestMiddlewareMark(t *testing.T) {
	next := &countingProxy{}
	p := MiddlewareBuilder{
		Limiter:  NewSlideWindowLimiter(1, time.Hour),
		OnReject: Mark,
	}.Build()(next)

	require.NoError(t, p.Invoke(context.Background(), "Execute", nil, nil))
	require.NoError(t, p.Invoke(context.Background(), "Execute", nil, nil))
	require.Len(t, next.metas, 2)
	assert.Empty(t, next.metas[0][MetaLimited])
	assert.Equal(t, "true", next.metas[1][MetaLimited])
}

type errLimiter struct{}

func (errLimiter) Allow(ctx context.Context) (bool, error) {
	return false, errors.New("mock error")
}

func TestMiddlewareLimiterError(t *testing.T) {
	next := &countingProxy{}
	p := MiddlewareBuilder{Limiter: errLimiter{}}.Build()(next)
	assert.EqualError(t, p.Invoke(context.Background(), "Execute", nil, nil), "mock error")
	assert.Empty(t, next.calls)
}

func TestFixWindowLimiter(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewFixWindowLimiter(time.Second, 2)
	l.windowStart = now.UnixNano()
	l.now = func() time.Time { return now }

	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}

	now = now.Add(2 * time.Second)
	ok, err := l.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlideWindowLimiter(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewSlideWindowLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	allow := func() bool {
		ok, err := l.Allow(context.Background())
		require.NoError(t, err)
		return ok
	}
	assert.True(t, allow())
	now = now.Add(600 * time.Millisecond)
	assert.True(t, allow())
	assert.False(t, allow())

	// the first call has left the window, the second has not
	now = now.Add(500 * time.Millisecond)
	assert.True(t, allow())
	assert.False(t, allow())
}

func TestTokenBucket(t *testing.T) {
	l := NewTokenBucket(20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// one from the burst, two paced at 50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTokenBucket(0.001, 1).Allow(ctx)
	assert.Error(t, err)
}
