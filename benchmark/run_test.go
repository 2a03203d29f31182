package benchmark

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"benchproxy/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	res := Run(context.Background(), 8, 100, func(ctx context.Context, worker, call int) error {
		switch call % 10 {
		case 0:
			return fmt.Errorf("%w: after 10ms", errs.ErrTimeout)
		case 1:
			return errors.New("mock error")
		default:
			return nil
		}
	})
	assert.Equal(t, int64(800), res.Calls)
	assert.Equal(t, int64(640), res.Succeeded)
	assert.Equal(t, map[string]int64{"timeout": 80, "unknown": 80}, res.Failed)
	assert.Greater(t, res.Throughput(), 0.0)
}

func TestRunNoWorkers(t *testing.T) {
	res := Run(context.Background(), 0, 10, func(ctx context.Context, worker, call int) error {
		t.Fatal("unexpected call")
		return nil
	})
	assert.Equal(t, int64(0), res.Calls)
	assert.Empty(t, res.Failed)
}
