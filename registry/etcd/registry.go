package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"benchproxy/registry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var _ registry.Registry = (*Registry)(nil)

var typesMap = map[mvccpb.Event_EventType]registry.EventType{
	mvccpb.PUT:    registry.EventTypeAdd,
	mvccpb.DELETE: registry.EventTypeDelete,
}

const keyPrefix = "/benchproxy"

// Registry keeps instances under /benchproxy/<name>/<address>, bound to the
// lease of one session so they disappear when the process dies.
type Registry struct {
	client      *clientv3.Client
	sess        *concurrency.Session
	mutex       sync.RWMutex
	watchCancel []func()
}

// NewRegistry does not take ownership of c.
func NewRegistry(c *clientv3.Client, ttlSeconds int) (*Registry, error) {
	var opts []concurrency.SessionOption
	if ttlSeconds > 0 {
		opts = append(opts, concurrency.WithTTL(ttlSeconds))
	}
	sess, err := concurrency.NewSession(c, opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{
		sess:   sess,
		client: c,
	}, nil
}

func (r *Registry) Register(ctx context.Context, ins registry.ServiceInstance) error {
	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, instanceKey(ins), string(val), clientv3.WithLease(r.sess.Lease()))
	return err
}

func (r *Registry) Unregister(ctx context.Context, ins registry.ServiceInstance) error {
	_, err := r.client.Delete(ctx, instanceKey(ins))
	return err
}

func (r *Registry) ListServices(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	res := make([]registry.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var si registry.ServiceInstance
		if err = json.Unmarshal(kv.Value, &si); err != nil {
			return nil, fmt.Errorf("registry: bad instance at %s: %w", kv.Key, err)
		}
		res = append(res, si)
	}
	return res, nil
}

// Subscribe streams changes under serviceName until Close. Deletions carry
// only the address, parsed from the key.
func (r *Registry) Subscribe(serviceName string) (<-chan registry.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = clientv3.WithRequireLeader(ctx)
	r.mutex.Lock()
	r.watchCancel = append(r.watchCancel, cancel)
	r.mutex.Unlock()
	watchCh := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	res := make(chan registry.Event)
	go func() {
		defer close(res)
		for {
			select {
			case resp, ok := <-watchCh:
				if !ok || resp.Canceled {
					return
				}
				if resp.Err() != nil {
					continue
				}
				for _, event := range resp.Events {
					select {
					case res <- toEvent(serviceName, event):
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return res, nil
}

func toEvent(serviceName string, event *clientv3.Event) registry.Event {
	ins := registry.ServiceInstance{
		Name:    serviceName,
		Address: strings.TrimPrefix(string(event.Kv.Key), serviceKey(serviceName)),
	}
	if event.Type == mvccpb.PUT {
		_ = json.Unmarshal(event.Kv.Value, &ins)
	}
	return registry.Event{Type: typesMap[event.Type], Instance: ins}
}

// Close stops every subscription and revokes the session lease. The client
// passed to NewRegistry stays open.
func (r *Registry) Close() error {
	r.mutex.Lock()
	for _, cancel := range r.watchCancel {
		cancel()
	}
	r.watchCancel = nil
	r.mutex.Unlock()
	return r.sess.Close()
}

func instanceKey(ins registry.ServiceInstance) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, ins.Name, ins.Address)
}

// serviceKey ends with a slash so a name never matches another that it
// prefixes.
func serviceKey(serviceName string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, serviceName)
}
