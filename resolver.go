package benchproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/registry"
	"go.uber.org/zap"
)

// resolver turns a target instance name into server addresses through a
// registry. The pool is sized once, so later membership changes are only
// reported.
type resolver struct {
	registry registry.Registry
	name     string
	timeout  time.Duration
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newResolver(r registry.Registry, name string, timeout time.Duration, logger *zap.Logger) *resolver {
	return &resolver{
		registry: r,
		name:     name,
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (r *resolver) resolve(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	instances, err := r.registry.ListServices(ctx, r.name)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", errs.ErrConnection, r.name, err)
	}
	if len(instances) == 0 {
		return nil, errs.Configuration("no servers registered for %s", r.name)
	}
	addresses := make([]string, 0, len(instances))
	for _, ins := range instances {
		addresses = append(addresses, ins.Address)
	}
	return addresses, nil
}

func (r *resolver) watch() error {
	events, err := r.registry.Subscribe(r.name)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				r.logger.Info("registry membership changed",
					zap.String("target", r.name),
					zap.Stringer("event", event.Type),
					zap.String("address", event.Instance.Address))
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

func (r *resolver) stop() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}
