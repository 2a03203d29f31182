// Package config loads the settings of the benchmark commands from a yaml
// file, BENCHPROXY_* environment variables and command line flags, in
// increasing precedence.
package config

import (
	"errors"
	"strings"
	"time"

	"benchproxy"
	"benchproxy/internal/errs"
	"benchproxy/rpc/compress"
	"benchproxy/rpc/protocol"
	"benchproxy/rpc/serialize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName = "benchproxy"
	envPrefix  = "BENCHPROXY"
)

// MethodTimeout overrides the timeout of one method. Timeouts are a list in
// the file since viper lowercases map keys and method names are case
// sensitive.
type MethodTimeout struct {
	Method  string        `mapstructure:"method"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Registry struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	TTL            int           `mapstructure:"ttl"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
}

type Bench struct {
	Workers     int     `mapstructure:"workers"`
	Calls       int     `mapstructure:"calls"`
	Size        int     `mapstructure:"size"`
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	MetricsAddr string  `mapstructure:"metrics_addr"`
	Trace       bool    `mapstructure:"trace"`
	// RedisAddr enables a budget shared by every client using RedisKey.
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisKey    string        `mapstructure:"redis_key"`
	RedisRate   int           `mapstructure:"redis_rate"`
	RedisWindow time.Duration `mapstructure:"redis_window"`
}

type Server struct {
	Listen string `mapstructure:"listen"`
	// Advertise is the address registered in the registry, Listen when empty.
	Advertise string `mapstructure:"advertise"`
	MaxConns  int    `mapstructure:"max_conns"`
	MaxSize   int    `mapstructure:"max_size"`
}

type Config struct {
	Target         string          `mapstructure:"target"`
	Servers        []string        `mapstructure:"servers"`
	ClientNums     int             `mapstructure:"client_nums"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	DefaultTimeout time.Duration   `mapstructure:"default_timeout"`
	MethodTimeouts []MethodTimeout `mapstructure:"method_timeouts"`
	Codec          string          `mapstructure:"codec"`
	Protocol       string          `mapstructure:"protocol"`
	Compressor     string          `mapstructure:"compressor"`
	LogLevel       string          `mapstructure:"log_level"`

	Registry Registry `mapstructure:"registry"`
	Bench    Bench    `mapstructure:"bench"`
	Server   Server   `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target", "BenchmarkTestService")
	v.SetDefault("servers", []string{})
	v.SetDefault("client_nums", 1)
	v.SetDefault("connect_timeout", 3*time.Second)
	v.SetDefault("default_timeout", time.Second)
	v.SetDefault("codec", "json")
	v.SetDefault("protocol", "tcp")
	v.SetDefault("compressor", "none")
	v.SetDefault("log_level", "info")

	v.SetDefault("registry.endpoints", []string{})
	v.SetDefault("registry.ttl", 10)
	v.SetDefault("registry.resolve_timeout", 3*time.Second)

	v.SetDefault("bench.workers", 8)
	v.SetDefault("bench.calls", 1000)
	v.SetDefault("bench.size", 1024)
	v.SetDefault("bench.rate", 0)
	v.SetDefault("bench.burst", 1)
	v.SetDefault("bench.metrics_addr", "")
	v.SetDefault("bench.trace", false)
	v.SetDefault("bench.redis_addr", "")
	v.SetDefault("bench.redis_key", "benchproxy:budget")
	v.SetDefault("bench.redis_rate", 1000)
	v.SetDefault("bench.redis_window", time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8081")
	v.SetDefault("server.advertise", "")
	v.SetDefault("server.max_conns", 0)
	v.SetDefault("server.max_size", 64<<20)
}

// Load reads file, or benchproxy.yaml from the working directory or
// /etc/benchproxy when file is empty. A missing default file is not an
// error. flags maps config keys to command line flags, which override
// everything else once set by the user.
func Load(file string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/benchproxy/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errs.Configuration("read config: %v", err)
		}
	}
	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errs.Configuration("bind flag %s: %v", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Configuration("decode config: %v", err)
	}
	return cfg, nil
}

// ClientConfig converts the client settings, resolving every name.
func (c *Config) ClientConfig() (benchproxy.Config, error) {
	codec, err := serialize.ParseCodecType(c.Codec)
	if err != nil {
		return benchproxy.Config{}, err
	}
	p, err := protocol.ParseType(c.Protocol)
	if err != nil {
		return benchproxy.Config{}, err
	}
	compressor, err := compress.ParseType(c.Compressor)
	if err != nil {
		return benchproxy.Config{}, err
	}
	var timeouts map[string]time.Duration
	if len(c.MethodTimeouts) > 0 {
		timeouts = make(map[string]time.Duration, len(c.MethodTimeouts))
		for _, mt := range c.MethodTimeouts {
			if _, ok := timeouts[mt.Method]; ok {
				return benchproxy.Config{}, errs.Configuration("timeout of %s set twice", mt.Method)
			}
			timeouts[mt.Method] = mt.Timeout
		}
	}
	return benchproxy.Config{
		Servers:            c.Servers,
		ClientNums:         c.ClientNums,
		ConnectTimeout:     c.ConnectTimeout,
		TargetInstanceName: c.Target,
		DefaultTimeout:     c.DefaultTimeout,
		MethodTimeouts:     timeouts,
		Codec:              codec,
		Protocol:           p,
		Compressor:         compressor,
	}, nil
}
