// Package config loads daemon and CLI settings with viper. Values come
// from, in increasing priority: defaults, a config file, SHMD_* environment
// variables, and command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shm-discovery/codec"
	"shm-discovery/protocol"
	"shm-discovery/registry"
	"shm-discovery/service"
)

// MaxResultCapacity is the largest registry.result_capacity whose full find
// response fits in one frame with every codec. The worst case is JSON
// escaping every byte of three full-length IDs as \u00XX.
const MaxResultCapacity = int(protocol.MaxBodyLen) / (3*6*service.MaxIDLength + 64)

// EnvPrefix is the prefix of environment overrides, e.g. SHMD_REGISTRY_CAPACITY.
const EnvPrefix = "SHMD"

type Config struct {
	Listen   string         `mapstructure:"listen"`
	Codec    string         `mapstructure:"codec"`
	Registry RegistryConfig `mapstructure:"registry"`
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Log      LogConfig      `mapstructure:"log"`
}

type RegistryConfig struct {
	Capacity       int    `mapstructure:"capacity"`
	ResultCapacity int    `mapstructure:"result_capacity"`
	CounterFile    string `mapstructure:"counter_file"` // empty: counter in process memory
	LockFile       string `mapstructure:"lock_file"`    // empty: in-process mutex
	Introspection  bool   `mapstructure:"introspection"`
}

type ServerConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ClientConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	PoolSize int           `mapstructure:"pool_size"`
	Retries  int           `mapstructure:"retries"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
	Path   string `mapstructure:"path"`
}

type EtcdConfig struct {
	Endpoints    []string      `mapstructure:"endpoints"` // empty disables mirroring
	Prefix       string        `mapstructure:"prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default, so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:7410")
	v.SetDefault("codec", "binary")

	v.SetDefault("registry.capacity", registry.DefaultCapacity)
	v.SetDefault("registry.result_capacity", registry.DefaultResultCapacity)
	v.SetDefault("registry.counter_file", "")
	v.SetDefault("registry.lock_file", "")
	v.SetDefault("registry.introspection", true)

	v.SetDefault("server.request_timeout", 2*time.Second)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("client.timeout", 2*time.Second)
	v.SetDefault("client.pool_size", 2)
	v.SetDefault("client.retries", 2)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.prefix", "/shm-discovery")
	v.SetDefault("etcd.ttl", 10*time.Second)
	v.SetDefault("etcd.sync_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the optional config file, applies defaults and environment
// overrides, and validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen: must not be empty")
	if _, err := codec.ParseType(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	check(c.Registry.Capacity > 0, "registry.capacity: must be positive, got %d", c.Registry.Capacity)
	check(c.Registry.ResultCapacity > 0 && c.Registry.ResultCapacity <= MaxResultCapacity,
		"registry.result_capacity: must be in [1, %d], got %d", MaxResultCapacity, c.Registry.ResultCapacity)
	check(c.Server.RequestTimeout > 0, "server.request_timeout: must be positive")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout: must be positive")
	check(c.Server.RateLimit >= 0, "server.rate_limit: must not be negative")
	check(c.Server.RateLimit == 0 || c.Server.RateBurst > 0, "server.rate_burst: must be positive when rate_limit is set")
	check(c.Client.Timeout > 0, "client.timeout: must be positive")
	check(c.Client.PoolSize > 0, "client.pool_size: must be positive, got %d", c.Client.PoolSize)
	check(c.Client.Retries >= 0, "client.retries: must not be negative")
	check(c.Metrics.Listen == "" || strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path: must start with /")
	if len(c.Etcd.Endpoints) > 0 {
		check(c.Etcd.TTL >= time.Second, "etcd.ttl: must be at least 1s")
		check(c.Etcd.SyncInterval > 0, "etcd.sync_interval: must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CodecType returns the parsed codec. Validate has already checked it.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseType(c.Codec)
	return t
}
