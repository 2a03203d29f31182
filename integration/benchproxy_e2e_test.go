//go:build e2e

package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"benchproxy"
	"benchproxy/benchmark"
	"benchproxy/internal/errs"
	"benchproxy/ratelimit"
	"benchproxy/registry"
	"benchproxy/registry/etcd"
	"benchproxy/rpc"
	"benchproxy/rpc/compress"
	"benchproxy/rpc/protocol"
	"benchproxy/rpc/serialize"
	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func startServer(t *testing.T) string {
	s := rpc.NewServer(rpc.ServerWithLogger(zap.NewNop()))
	require.NoError(t, s.RegisterService(&benchmark.Service{}))
	t.Cleanup(func() { _ = s.Close() })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	framer, err := protocol.NewFramer(protocol.Framed)
	require.NoError(t, err)
	go func() { _ = s.Serve(ln, framer) }()
	return ln.Addr().String()
}

func config() benchproxy.Config {
	return benchproxy.Config{
		ClientNums:         2,
		TargetInstanceName: benchmark.ServiceName,
		Codec:              serialize.CodecJSON,
		Protocol:           protocol.Framed,
		Compressor:         compress.Lz4,
	}
}

// TestRedisBudget needs redis on localhost:6379.
func TestRedisBudget(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = rdb.Close() }()
	key := "benchproxy-e2e-" + uuid.NewString()
	defer rdb.Del(context.Background(), key)

	cfg := config()
	cfg.Servers = []string{startServer(t)}
	limiter := ratelimit.MiddlewareBuilder{
		Limiter: ratelimit.NewRedisFixedWindowLimiter(rdb, key, 3, time.Second*3),
	}.Build()

	// two clients share one budget
	var clients []*benchmark.ServiceClient
	for i := 0; i < 2; i++ {
		svc := &benchmark.ServiceClient{}
		c, err := benchproxy.GetProxyInstance(context.Background(), svc, cfg,
			benchproxy.ClientWithLogger(zap.NewNop()),
			benchproxy.ClientWithMiddlewares(limiter))
		require.NoError(t, err)
		defer func() { _ = c.Close() }()
		clients = append(clients, svc)
	}

	res := benchmark.Run(context.Background(), 2, 3, func(ctx context.Context, worker, call int) error {
		_, err := clients[worker].Execute(ctx, &benchmark.Request{Size: 8})
		return err
	})
	assert.Equal(t, int64(3), res.Succeeded)
	assert.Equal(t, int64(3), res.Failed[errs.Kind(errs.ErrRateLimited)])

	time.Sleep(time.Second * 3)
	_, err := clients[0].Execute(context.Background(), &benchmark.Request{Size: 8})
	assert.NoError(t, err)
}

// TestEtcdDiscovery needs etcd on localhost:2379.
func TestEtcdDiscovery(t *testing.T) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	r, err := etcd.NewRegistry(client, 5)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	cfg := config()
	cfg.TargetInstanceName = "bench-" + uuid.NewString()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Register(ctx, registry.ServiceInstance{
			Name:     cfg.TargetInstanceName,
			Address:  startServer(t),
			Protocol: protocol.Framed.String(),
		}))
	}

	c, err := benchproxy.GetProxyInstance(ctx, &benchmark.ServiceClient{}, cfg,
		benchproxy.ClientWithLogger(zap.NewNop()), benchproxy.ClientWithRegistry(r, time.Second))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Len(t, c.Stats(), 2)
}
