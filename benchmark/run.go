package benchmark

import (
	"context"
	"sync"
	"time"

	"benchproxy/internal/errs"
	"golang.org/x/sync/errgroup"
)

// Result counts the outcome of a Run.
type Result struct {
	Calls     int64
	Succeeded int64
	// Failed counts failures by error kind, see errs.Kind.
	Failed  map[string]int64
	Elapsed time.Duration
}

// Throughput is in calls per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Calls) / r.Elapsed.Seconds()
}

// CallFunc performs one call of a worker.
type CallFunc func(ctx context.Context, worker, call int) error

// Run starts workers goroutines, each making calls calls to fn. A failed
// call is counted and the worker moves on.
func Run(ctx context.Context, workers, calls int, fn CallFunc) Result {
	res := Result{Failed: make(map[string]int64, 4)}
	var mu sync.Mutex
	var eg errgroup.Group
	start := time.Now()
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			var ok int64
			failed := make(map[string]int64, 2)
			for i := 0; i < calls; i++ {
				if err := fn(ctx, w, i); err != nil {
					failed[errs.Kind(err)]++
					continue
				}
				ok++
			}
			mu.Lock()
			defer mu.Unlock()
			res.Succeeded += ok
			res.Calls += int64(calls)
			for k, v := range failed {
				res.Failed[k] += v
			}
			return nil
		})
	}
	_ = eg.Wait()
	res.Elapsed = time.Since(start)
	return res
}
