// Package benchproxy builds typed client proxies for benchmarking RPC
// servers. A proxy spreads its calls over a pool of pre-established
// connections and never retries.
package benchproxy

import (
	"context"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/internal/log"
	"benchproxy/registry"
	"benchproxy/rpc"
	"benchproxy/rpc/compress"
	"benchproxy/rpc/pool"
	"benchproxy/rpc/protocol"
	"benchproxy/rpc/serialize"
	"benchproxy/rpc/transport"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	_ "benchproxy/rpc/compress/gzip"
	_ "benchproxy/rpc/compress/lz4"
	_ "benchproxy/rpc/compress/snappy"
	_ "benchproxy/rpc/compress/zlib"
	_ "benchproxy/rpc/serialize/json"
	_ "benchproxy/rpc/serialize/proto"
)

// Config describes the servers of one target instance and how to talk to
// them.
type Config struct {
	// Servers are host:port addresses. May be left empty when a registry
	// is given.
	Servers []string
	// ClientNums is the number of connections per server.
	ClientNums     int
	ConnectTimeout time.Duration
	// TargetInstanceName names the remote instance every call addresses.
	TargetInstanceName string
	DefaultTimeout     time.Duration
	MethodTimeouts     map[string]time.Duration
	Codec              serialize.CodecType
	Protocol           protocol.Type
	Compressor         compress.Type
}

type Client struct {
	pool       *pool.Pool
	dispatcher *rpc.Dispatcher
	resolver   *resolver
	logger     *zap.Logger

	mdls        []rpc.Middleware
	dialer      transport.Dialer
	poolOpts    []option.Option[pool.Pool]
	registry    registry.Registry
	resolveTime time.Duration
}

func ClientWithMiddlewares(mdls ...rpc.Middleware) option.Option[Client] {
	return func(c *Client) {
		c.mdls = append(c.mdls, mdls...)
	}
}

func ClientWithLogger(l *zap.Logger) option.Option[Client] {
	return func(c *Client) {
		c.logger = l
	}
}

// ClientWithDialer replaces the dialer derived from Config.Protocol.
func ClientWithDialer(d transport.Dialer) option.Option[Client] {
	return func(c *Client) {
		c.dialer = d
	}
}

func ClientWithPoolOptions(opts ...option.Option[pool.Pool]) option.Option[Client] {
	return func(c *Client) {
		c.poolOpts = append(c.poolOpts, opts...)
	}
}

// ClientWithRegistry looks the servers of Config.TargetInstanceName up in r
// when Config.Servers is empty, and logs membership changes afterwards.
func ClientWithRegistry(r registry.Registry, timeout time.Duration) option.Option[Client] {
	return func(c *Client) {
		c.registry = r
		c.resolveTime = timeout
	}
}

// GetProxyInstance validates cfg, connects to every server and fills the
// exported func fields of service. Configuration problems are reported
// before any connection is attempted.
func GetProxyInstance(ctx context.Context, service rpc.Service, cfg Config,
	opts ...option.Option[Client]) (*Client, error) {
	c := &Client{
		logger:      log.Logger(),
		resolveTime: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.TargetInstanceName == "" {
		return nil, errs.Configuration("empty target instance name")
	}
	if err := protocol.Compatible(cfg.Protocol, cfg.Codec); err != nil {
		return nil, err
	}
	serializer, err := serialize.Get(cfg.Codec)
	if err != nil {
		return nil, err
	}
	compressor, err := compress.Get(cfg.Compressor)
	if err != nil {
		return nil, err
	}
	desc, err := rpc.Describe(service)
	if err != nil {
		return nil, err
	}
	if err = desc.CheckTimeouts(cfg.MethodTimeouts); err != nil {
		return nil, err
	}
	if err = desc.CheckTypes(serializer); err != nil {
		return nil, err
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout == 0 {
		defaultTimeout = rpc.DefaultTimeout
	}

	servers := cfg.Servers
	if len(servers) == 0 && c.registry != nil {
		c.resolver = newResolver(c.registry, cfg.TargetInstanceName, c.resolveTime, c.logger)
		if servers, err = c.resolver.resolve(ctx); err != nil {
			return nil, err
		}
	}
	addresses, err := pool.ParseAddresses(servers)
	if err != nil {
		return nil, err
	}

	dialer := c.dialer
	if dialer == nil {
		if dialer, err = transport.NewDialer(cfg.Protocol, transport.WithLogger(c.logger)); err != nil {
			return nil, err
		}
	}
	poolOpts := []option.Option[pool.Pool]{pool.WithLogger(c.logger)}
	if cfg.ConnectTimeout > 0 {
		poolOpts = append(poolOpts, pool.WithConnectTimeout(cfg.ConnectTimeout))
	}
	poolOpts = append(poolOpts, c.poolOpts...)

	dispatcherOpts := []option.Option[rpc.Dispatcher]{
		rpc.DispatcherWithSerializer(serializer),
		rpc.DispatcherWithCompressor(compressor),
		rpc.DispatcherWithDefaultTimeout(defaultTimeout),
		rpc.DispatcherWithTimeouts(cfg.MethodTimeouts),
		rpc.DispatcherWithLogger(c.logger),
	}
	// options are checked against a placeholder pool so a bad timeout is
	// reported before dialing
	if _, err = rpc.NewDispatcher(noPool{}, cfg.TargetInstanceName, dispatcherOpts...); err != nil {
		return nil, err
	}

	if c.pool, err = pool.New(ctx, dialer, addresses, cfg.ClientNums, poolOpts...); err != nil {
		return nil, err
	}
	if c.dispatcher, err = rpc.NewDispatcher(c.pool, cfg.TargetInstanceName, dispatcherOpts...); err != nil {
		_ = c.pool.Close()
		return nil, err
	}
	p := rpc.Chain(c.dispatcher, c.mdls...)
	if err = rpc.BuildProxy(service, p, rpc.WithSerializer(serializer),
		rpc.WithMethodTimeouts(cfg.MethodTimeouts)); err != nil {
		_ = c.pool.Close()
		return nil, err
	}
	if c.resolver != nil {
		if err = c.resolver.watch(); err != nil {
			c.logger.Warn("subscribe to registry failed", zap.Error(err))
		}
	}
	c.logger.Info("proxy ready",
		zap.String("target", cfg.TargetInstanceName),
		zap.Stringer("protocol", cfg.Protocol),
		zap.Stringer("codec", cfg.Codec),
		zap.Int("servers", len(addresses)),
		zap.Int("clientNums", cfg.ClientNums))
	return c, nil
}

// Stats reports the health of every pooled connection grouped by server.
func (c *Client) Stats() []pool.ServerStats {
	return c.pool.Stats()
}

// Timeout returns the timeout applied to calls of methodName.
func (c *Client) Timeout(methodName string) time.Duration {
	return c.dispatcher.Timeout(methodName)
}

// Close releases every connection. Calls in flight fail with a transport
// error.
func (c *Client) Close() error {
	if c.resolver != nil {
		c.resolver.stop()
	}
	return c.pool.Close()
}

type noPool struct{}

func (noPool) Select() (transport.Connection, error) {
	return nil, errs.ErrConnection
}

func (noPool) MarkUnhealthy(transport.Connection) {}
