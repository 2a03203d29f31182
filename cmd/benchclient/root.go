package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"benchproxy"
	"benchproxy/benchmark"
	"benchproxy/config"
	"benchproxy/internal/log"
	"benchproxy/observability/metrics/prometheus"
	"benchproxy/observability/opentelemetry"
	"benchproxy/ratelimit"
	"benchproxy/registry/etcd"
	"benchproxy/rpc"
	"benchproxy/rpc/message"
	"benchproxy/rpc/serialize"
	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/gotomicro/ekit/bean/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var configFile string

var RootCmd = &cobra.Command{
	Use:   "benchclient",
	Short: "Drive load against benchmark servers",
	Long: `benchclient builds a proxy of the benchmark test service over a pool of
connections and calls Execute from many workers, then reports throughput and
failures by kind.`,
	SilenceUsage: true,
	RunE:         bench,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	fs := RootCmd.Flags()
	fs.StringVarP(&configFile, "config", "c", "", "config file, benchproxy.yaml in . or /etc/benchproxy by default")
	fs.StringSliceP("servers", "s", nil, "host:port of every server")
	fs.IntP("clients", "n", 1, "connections per server")
	fs.StringP("protocol", "p", "tcp", "tcp, framed or grpc")
	fs.String("codec", "json", "json or proto")
	fs.String("compressor", "none", "none, gzip, lz4, snappy or zlib")
	fs.Duration("timeout", time.Second, "default call timeout")
	fs.String("target", "BenchmarkTestService", "instance name to call")
	fs.IntP("workers", "w", 8, "concurrent workers")
	fs.Int("calls", 1000, "calls per worker")
	fs.Int("size", 1024, "payload size asked for")
	fs.Float64("rate", 0, "calls per second over all workers, 0 for no pacing")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Bool("trace", false, "trace calls with the global opentelemetry tracer")
	fs.String("redis", "", "redis address of a call budget shared between clients")
	fs.StringSlice("etcd", nil, "etcd endpoints to look servers up in")
	fs.String("log-level", "info", "log level")
}

func flagKeys(fs *pflag.FlagSet) map[string]*pflag.Flag {
	return map[string]*pflag.Flag{
		"servers":            fs.Lookup("servers"),
		"client_nums":        fs.Lookup("clients"),
		"protocol":           fs.Lookup("protocol"),
		"codec":              fs.Lookup("codec"),
		"compressor":         fs.Lookup("compressor"),
		"default_timeout":    fs.Lookup("timeout"),
		"target":             fs.Lookup("target"),
		"bench.workers":      fs.Lookup("workers"),
		"bench.calls":        fs.Lookup("calls"),
		"bench.size":         fs.Lookup("size"),
		"bench.rate":         fs.Lookup("rate"),
		"bench.metrics_addr": fs.Lookup("metrics-addr"),
		"bench.trace":        fs.Lookup("trace"),
		"bench.redis_addr":   fs.Lookup("redis"),
		"registry.endpoints": fs.Lookup("etcd"),
		"log_level":          fs.Lookup("log-level"),
	}
}

func bench(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, flagKeys(cmd.Flags()))
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run-id", runID))
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := clientOptions(cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	ctx = rpc.ContextWithMeta(ctx, message.MetaRunID, runID)
	call, c, err := newCall(ctx, cfg, clientCfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = log.WrapError(c.Close()) }()

	logger.Info("benchmark started",
		zap.Int("workers", cfg.Bench.Workers),
		zap.Int("calls", cfg.Bench.Calls),
		zap.Int("size", cfg.Bench.Size))
	res := benchmark.Run(ctx, cfg.Bench.Workers, cfg.Bench.Calls, call)
	report(res, c)
	return nil
}

// clientOptions assembles the middlewares and optional registry. cleanup is
// always safe to call.
func clientOptions(cfg *config.Config, logger *zap.Logger) ([]option.Option[benchproxy.Client], func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	opts := []option.Option[benchproxy.Client]{benchproxy.ClientWithLogger(logger)}

	metrics, err := (&prometheus.MiddlewareBuilder{
		Namespace: "benchproxy",
		Subsystem: "client",
		Name:      "call",
		Help:      "benchmark proxy calls",
		Target:    cfg.Target,
	}).Build()
	if err != nil {
		return nil, cleanup, err
	}
	mdls := []rpc.Middleware{metrics}
	if cfg.Bench.Trace {
		mdls = append(mdls, opentelemetry.MiddlewareBuilder{Service: cfg.Target}.Build())
	}
	if cfg.Bench.Rate > 0 {
		mdls = append(mdls, ratelimit.MiddlewareBuilder{
			Limiter: ratelimit.NewTokenBucket(cfg.Bench.Rate, cfg.Bench.Burst),
		}.Build())
	}
	if cfg.Bench.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bench.RedisAddr})
		closers = append(closers, func() { _ = rdb.Close() })
		mdls = append(mdls, ratelimit.MiddlewareBuilder{
			Limiter: ratelimit.NewRedisFixedWindowLimiter(rdb, cfg.Bench.RedisKey,
				cfg.Bench.RedisRate, cfg.Bench.RedisWindow),
		}.Build())
	}
	opts = append(opts, benchproxy.ClientWithMiddlewares(mdls...))

	if cfg.Bench.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Bench.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		closers = append(closers, func() { _ = srv.Close() })
	}

	if len(cfg.Registry.Endpoints) > 0 {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: cfg.Registry.ResolveTimeout,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = client.Close() })
		r, err := etcd.NewRegistry(client, cfg.Registry.TTL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = r.Close() })
		opts = append(opts, benchproxy.ClientWithRegistry(r, cfg.Registry.ResolveTimeout))
	}
	return opts, cleanup, nil
}

// newCall builds the proxy matching the codec and returns one Execute call.
func newCall(ctx context.Context, cfg *config.Config, clientCfg benchproxy.Config,
	opts []option.Option[benchproxy.Client]) (benchmark.CallFunc, *benchproxy.Client, error) {
	size := cfg.Bench.Size
	if clientCfg.Codec == serialize.CodecProto {
		svc := &benchmark.ProtoServiceClient{}
		c, err := benchproxy.GetProxyInstance(ctx, svc, clientCfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		req := wrapperspb.Int32(int32(size))
		return func(ctx context.Context, worker, call int) error {
			resp, err := svc.ExecuteProto(ctx, req)
			if err != nil {
				return err
			}
			if len(resp.GetValue()) != size {
				return fmt.Errorf("%w: got %d bytes, want %d", rpc.ErrRemote, len(resp.GetValue()), size)
			}
			return nil
		}, c, nil
	}

	svc := &benchmark.ServiceClient{}
	c, err := benchproxy.GetProxyInstance(ctx, svc, clientCfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	req := &benchmark.Request{Size: size}
	return func(ctx context.Context, worker, call int) error {
		resp, err := svc.Execute(ctx, req)
		if err != nil {
			return err
		}
		if resp.Len() != size {
			return fmt.Errorf("%w: got %d bytes, want %d", rpc.ErrRemote, resp.Len(), size)
		}
		return nil
	}, c, nil
}

func report(res benchmark.Result, c *benchproxy.Client) {
	fmt.Printf("calls:      %d\n", res.Calls)
	fmt.Printf("succeeded:  %d\n", res.Succeeded)
	kinds := make([]string, 0, len(res.Failed))
	for k := range res.Failed {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("failed %-12s %d\n", k+":", res.Failed[k])
	}
	fmt.Printf("elapsed:    %s\n", res.Elapsed)
	fmt.Printf("throughput: %.1f calls/s\n", res.Throughput())
	for _, s := range c.Stats() {
		fmt.Printf("server %s: %d/%d healthy\n", s.Address, s.Healthy, s.Total)
	}
}
