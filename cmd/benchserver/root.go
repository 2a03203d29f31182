package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"benchproxy/benchmark"
	"benchproxy/config"
	"benchproxy/internal/log"
	"benchproxy/registry"
	"benchproxy/registry/etcd"
	"benchproxy/rpc"
	"benchproxy/rpc/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var configFile string

var RootCmd = &cobra.Command{
	Use:   "benchserver",
	Short: "Serve the benchmark test service",
	Long: `benchserver answers Execute calls with payloads of the requested size
over the tcp, framed or grpc protocol, optionally announcing itself in etcd.`,
	SilenceUsage: true,
	RunE:         serve,
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
	fs.StringP("listen", "l", "127.0.0.1:8081", "address to listen on")
	fs.String("advertise", "", "address registered in etcd, --listen by default")
	fs.StringP("protocol", "p", "tcp", "tcp, framed or grpc")
	fs.Int("max-conns", 0, "maximum concurrent connections, 0 for no limit")
	fs.Int("max-size", 64<<20, "largest payload served")
	fs.String("target", "BenchmarkTestService", "instance name to serve")
	fs.StringSlice("etcd", nil, "etcd endpoints to register with")
	fs.String("log-level", "info", "log level")
}

func flagKeys(fs *pflag.FlagSet) map[string]*pflag.Flag {
	return map[string]*pflag.Flag{
		"server.listen":      fs.Lookup("listen"),
		"server.advertise":   fs.Lookup("advertise"),
		"protocol":           fs.Lookup("protocol"),
		"server.max_conns":   fs.Lookup("max-conns"),
		"server.max_size":    fs.Lookup("max-size"),
		"target":             fs.Lookup("target"),
		"registry.endpoints": fs.Lookup("etcd"),
		"log_level":          fs.Lookup("log-level"),
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, flagKeys(cmd.Flags()))
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	p, err := protocol.ParseType(cfg.Protocol)
	if err != nil {
		return err
	}
	svr := rpc.NewServer(rpc.ServerWithLogger(logger), rpc.ServerWithMaxConns(cfg.Server.MaxConns))
	if err = svr.RegisterService(&namedService{
		Service: benchmark.Service{MaxSize: cfg.Server.MaxSize},
		name:    cfg.Target,
	}); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	logger.Info("serving",
		zap.String("target", cfg.Target),
		zap.String("address", ln.Addr().String()),
		zap.Stringer("protocol", p))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Registry.Endpoints) > 0 {
		address := cfg.Server.Advertise
		if address == "" {
			address = ln.Addr().String()
		}
		deregister, err := register(ctx, cfg, registry.ServiceInstance{
			Name:     cfg.Target,
			Address:  address,
			Protocol: p.String(),
		})
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer deregister()
	}

	errCh := make(chan error, 1)
	go func() {
		if p == protocol.GRPC {
			errCh <- svr.ServeGRPC(ln)
			return
		}
		framer, err := protocol.NewFramer(p)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- svr.Serve(ln, framer)
	}()

	select {
	case err = <-errCh:
		_ = svr.Close()
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return svr.Close()
	}
}

func register(ctx context.Context, cfg *config.Config, ins registry.ServiceInstance) (func(), error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Registry.Endpoints,
		DialTimeout: cfg.Registry.ResolveTimeout,
	})
	if err != nil {
		return nil, err
	}
	r, err := etcd.NewRegistry(client, cfg.Registry.TTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err = r.Register(ctx, ins); err != nil {
		_ = r.Close()
		_ = client.Close()
		return nil, err
	}
	log.Logger().Info("registered", zap.String("address", ins.Address))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = log.WrapError(r.Unregister(ctx, ins))
		_ = r.Close()
		_ = client.Close()
	}, nil
}

// namedService serves the benchmark methods under a configurable instance
// name.
type namedService struct {
	benchmark.Service
	name string
}

func (s *namedService) Name() string {
	return s.name
}
