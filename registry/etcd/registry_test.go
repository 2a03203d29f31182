package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"benchproxy/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestToEvent(t *testing.T) {
	testCases := []struct {
		name  string
		event *clientv3.Event
		want  registry.Event
	}{
		{
			name: "put",
			event: &clientv3.Event{
				Type: mvccpb.PUT,
				Kv: &mvccpb.KeyValue{
					Key:   []byte("/benchproxy/BenchmarkTestService/127.0.0.1:8081"),
					Value: []byte(`{"name":"BenchmarkTestService","address":"127.0.0.1:8081","protocol":"framed"}`),
				},
			},
			want: registry.Event{
				Type: registry.EventTypeAdd,
				Instance: registry.ServiceInstance{
					Name: "BenchmarkTestService", Address: "127.0.0.1:8081", Protocol: "framed",
				},
			},
		},
		{
			name: "delete",
			event: &clientv3.Event{
				Type: mvccpb.DELETE,
				Kv:   &mvccpb.KeyValue{Key: []byte("/benchproxy/BenchmarkTestService/127.0.0.1:8082")},
			},
			want: registry.Event{
				Type:     registry.EventTypeDelete,
				Instance: registry.ServiceInstance{Name: "BenchmarkTestService", Address: "127.0.0.1:8082"},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, toEvent("BenchmarkTestService", tc.event))
		})
	}
}

func TestKeys(t *testing.T) {
	ins := registry.ServiceInstance{Name: "svc", Address: "10.0.0.1:8081"}
	assert.Equal(t, "/benchproxy/svc/10.0.0.1:8081", instanceKey(ins))
	assert.True(t, strings.HasPrefix(instanceKey(ins), serviceKey("svc")))
	assert.False(t, strings.HasPrefix(instanceKey(registry.ServiceInstance{Name: "svc2"}), serviceKey("svc")))
}

// TestRegistry needs a running etcd, set BENCHPROXY_ETCD to its endpoint.
func TestRegistry(t *testing.T) {
	endpoint := os.Getenv("BENCHPROXY_ETCD")
	if endpoint == "" {
		t.Skip("BENCHPROXY_ETCD not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	r, err := NewRegistry(client, 5)
	require.NoError(t, err)
	defer r.Close()

	name := "registry-test-" + time.Now().Format("150405.000")
	events, err := r.Subscribe(name)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ins := registry.ServiceInstance{Name: name, Address: "127.0.0.1:8081", Protocol: "tcp"}
	require.NoError(t, r.Register(ctx, ins))

	select {
	case e := <-events:
		assert.Equal(t, registry.Event{Type: registry.EventTypeAdd, Instance: ins}, e)
	case <-ctx.Done():
		t.Fatal("no add event")
	}

	list, err := r.ListServices(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{ins}, list)

	require.NoError(t, r.Unregister(ctx, ins))
	select {
	case e := <-events:
		assert.Equal(t, registry.EventTypeDelete, e.Type)
		assert.Equal(t, ins.Address, e.Instance.Address)
	case <-ctx.Done():
		t.Fatal("no delete event")
	}
}
