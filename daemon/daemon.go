// Package daemon assembles the registry-owning process: the registry and its
// shared counter, the request server, the metrics endpoint and the optional
// etcd mirror, all run under one errgroup.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shm-discovery/config"
	"shm-discovery/metrics"
	"shm-discovery/middleware"
	"shm-discovery/registry"
	"shm-discovery/server"
	"shm-discovery/service"
)

// Introspection returns the descriptions a daemon offers about itself on start.
func Introspection() []service.Description {
	return []service.Description{
		service.MustDescription("Introspection", "Daemon", "MemPool"),
		service.MustDescription("Introspection", "Daemon", "Port"),
		service.MustDescription("Introspection", "Daemon", "ProcessList"),
	}
}

type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *registry.ServiceRegistry
	counter  *registry.ChangeCounter // nil unless counter_file is set
	lock     *registry.FileLock      // nil unless lock_file is set
	server   *server.Server
	listener net.Listener
	metrics  *metrics.Metrics
	http     *http.Server
	httpL    net.Listener
	mirror   *registry.EtcdMirror
}

// New builds every component and binds the listeners, so Addr is valid on
// return. Nothing is served until Run.
func New(cfg *config.Config, logger *zap.Logger) (_ *Daemon, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{cfg: cfg, logger: logger.Named("daemon")}
	defer func() {
		if err != nil {
			if d.listener != nil {
				err = multierr.Append(err, d.listener.Close())
			}
			if d.httpL != nil {
				err = multierr.Append(err, d.httpL.Close())
			}
			err = multierr.Append(err, d.closeResources())
		}
	}()

	opts := []registry.Option{
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithResultCapacity(cfg.Registry.ResultCapacity),
	}
	if path := cfg.Registry.CounterFile; path != "" {
		if d.counter, err = registry.MapChangeCounter(path); err != nil {
			return nil, fmt.Errorf("change counter: %w", err)
		}
		opts = append(opts, registry.WithChangeCounter(d.counter))
	}
	if path := cfg.Registry.LockFile; path != "" {
		if d.lock, err = registry.NewFileLock(path); err != nil {
			return nil, fmt.Errorf("registry lock: %w", err)
		}
		opts = append(opts, registry.WithLocker(d.lock))
	}
	d.registry = registry.New(opts...)

	if cfg.Registry.Introspection {
		for _, desc := range Introspection() {
			if err = d.registry.Offer(desc); err != nil {
				return nil, fmt.Errorf("offer %s: %w", desc, err)
			}
		}
	}

	d.server = server.NewServer(d.registry, server.WithLogger(logger))
	d.metrics = metrics.New(d.registry, d.server.Connections)
	d.server.Use(middleware.Recover(logger))
	d.server.Use(middleware.Logging(logger))
	d.server.Use(middleware.Metrics(d.metrics))
	d.server.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	if cfg.Server.RateLimit > 0 {
		d.server.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	if d.listener, err = net.Listen("tcp", cfg.Listen); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	if cfg.Metrics.Listen != "" {
		if d.httpL, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			return nil, fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, d.metrics.Handler())
		d.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		d.mirror, err = registry.NewEtcdMirror(cfg.Etcd.Endpoints, d.registry,
			registry.WithMirrorPrefix(cfg.Etcd.Prefix),
			registry.WithMirrorTTL(cfg.Etcd.TTL),
			registry.WithMirrorInterval(cfg.Etcd.SyncInterval),
			registry.WithMirrorLogger(logger))
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Addr is the address clients connect to.
func (d *Daemon) Addr() net.Addr { return d.listener.Addr() }

// MetricsAddr is the metrics endpoint address, or nil when disabled.
func (d *Daemon) MetricsAddr() net.Addr {
	if d.httpL == nil {
		return nil
	}
	return d.httpL.Addr()
}

func (d *Daemon) Registry() *registry.ServiceRegistry { return d.registry }

// Run serves until ctx is cancelled or a component fails, then shuts every
// component down and releases the registry's shared resources. A clean stop
// returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Serve(d.listener); !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if d.http != nil {
		g.Go(func() error {
			d.logger.Info("metrics endpoint", zap.Stringer("addr", d.httpL.Addr()), zap.String("path", d.cfg.Metrics.Path))
			if err := d.http.Serve(d.httpL); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}
	if d.mirror != nil {
		g.Go(func() error { return d.mirror.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return d.shutdown()
	})

	err := g.Wait()
	return multierr.Append(err, d.closeResources())
}

func (d *Daemon) shutdown() error {
	timeout := d.cfg.Server.ShutdownTimeout
	d.logger.Info("shutting down", zap.Duration("timeout", timeout))

	err := d.server.Shutdown(timeout)
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err = multierr.Append(err, d.http.Shutdown(ctx))
	}
	return err
}

// closeResources releases what New acquired. It runs after every component
// has stopped.
func (d *Daemon) closeResources() error {
	var err error
	if d.mirror != nil {
		err = multierr.Append(err, d.mirror.Close())
	}
	if d.counter != nil {
		err = multierr.Append(err, d.counter.Close())
	}
	if d.lock != nil {
		err = multierr.Append(err, d.lock.Close())
	}
	return err
}
