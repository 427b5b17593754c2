// Package discovery is the consumer-facing facade of the registry.
//
// A ServiceDiscovery answers "which descriptions match (s, i, e)?" in two
// shapes with identical data: FindService returns the container or an
// error, FindServiceWithHandler hands the container to a callback and only
// on success. The facade works the same over an in-process registry (Local)
// and over a daemon connection (*client.Client).
package discovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shm-discovery/bounded"
	"shm-discovery/message"
	"shm-discovery/registry"
	"shm-discovery/service"
)

// Errors a find can fail with. Test with errors.Is.
var (
	ErrOverflow         = bounded.ErrOverflow
	ErrTransportFailure = message.ErrTransport
	ErrTimeout          = message.ErrTimeout
)

// DefaultTimeout bounds a find when the caller's context has no deadline.
const DefaultTimeout = 2 * time.Second

// Backend is the registry the facade forwards to.
type Backend interface {
	FindInto(ctx context.Context, dst *bounded.Vector[service.Description], q service.Query) error
	Offer(ctx context.Context, d service.Description) error
	StopOffer(ctx context.Context, d service.Description) error
	CounterReader() registry.CounterReader
	ResultCapacity() int
}

// FindHandler receives a successful find result. The container is only
// valid during the call; the handler must not block or call back into the
// facade.
type FindHandler func(*bounded.Vector[service.Description])

// ServiceDiscovery is the facade. It is safe for concurrent use.
type ServiceDiscovery struct {
	backend Backend
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a ServiceDiscovery.
type Option func(*ServiceDiscovery)

// WithTimeout sets the bound applied to finds whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(sd *ServiceDiscovery) {
		if d > 0 {
			sd.timeout = d
		}
	}
}

// WithLogger sets the logger used for absorbed callback-path errors.
func WithLogger(l *zap.Logger) Option {
	return func(sd *ServiceDiscovery) {
		if l != nil {
			sd.logger = l
		}
	}
}

// New creates a facade over b.
func New(b Backend, opts ...Option) *ServiceDiscovery {
	sd := &ServiceDiscovery{backend: b, timeout: DefaultTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(sd)
	}
	sd.logger = sd.logger.Named("discovery")
	return sd
}

// FindService returns every offered description matching (svc, inst, evt),
// in offer order. Any argument may be service.Wildcard. An empty container
// means nothing matches; failures to ask are errors (ErrTransportFailure,
// ErrTimeout), as is a result larger than the container (ErrOverflow).
func (sd *ServiceDiscovery) FindService(ctx context.Context, svc, inst, evt service.ID) (*bounded.Vector[service.Description], error) {
	dst := bounded.New[service.Description](sd.backend.ResultCapacity())
	if err := sd.find(ctx, dst, service.Query{Service: svc, Instance: inst, Event: evt}); err != nil {
		return nil, err
	}
	return dst, nil
}

// FindServiceWithHandler runs the same find and calls handler exactly once
// with the result on success. On any failure, overflow included, handler is
// not called and nothing is reported; use FindService to see errors.
// A nil handler makes the call a no-op.
func (sd *ServiceDiscovery) FindServiceWithHandler(ctx context.Context, svc, inst, evt service.ID, handler FindHandler) {
	if handler == nil {
		return
	}
	found, err := sd.FindService(ctx, svc, inst, evt)
	if err != nil {
		sd.logger.Debug("find dropped", zap.Error(err))
		return
	}
	handler(found)
}

// Find is FindService taking a Query.
func (sd *ServiceDiscovery) Find(ctx context.Context, q service.Query) (*bounded.Vector[service.Description], error) {
	return sd.FindService(ctx, q.Service, q.Instance, q.Event)
}

// OfferService makes d discoverable.
func (sd *ServiceDiscovery) OfferService(ctx context.Context, d service.Description) error {
	ctx, cancel := sd.bound(ctx)
	defer cancel()
	return sd.backend.Offer(ctx, d)
}

// StopOfferService withdraws an offer of d.
func (sd *ServiceDiscovery) StopOfferService(ctx context.Context, d service.Description) error {
	ctx, cancel := sd.bound(ctx)
	defer cancel()
	return sd.backend.StopOffer(ctx, d)
}

// ChangeCounter returns a handle to the registry's change counter. A value
// different from the last one read means the caller should find again.
func (sd *ServiceDiscovery) ChangeCounter() registry.CounterReader {
	return sd.backend.CounterReader()
}

func (sd *ServiceDiscovery) find(ctx context.Context, dst *bounded.Vector[service.Description], q service.Query) error {
	ctx, cancel := sd.bound(ctx)
	defer cancel()
	err := sd.backend.FindInto(ctx, dst, q)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

func (sd *ServiceDiscovery) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, sd.timeout)
}

// Local adapts an in-process registry to Backend.
func Local(r *registry.ServiceRegistry) Backend { return local{r} }

type local struct{ r *registry.ServiceRegistry }

func (l local) FindInto(_ context.Context, dst *bounded.Vector[service.Description], q service.Query) error {
	return l.r.FindInto(dst, q)
}

func (l local) Offer(_ context.Context, d service.Description) error { return l.r.Offer(d) }

func (l local) StopOffer(_ context.Context, d service.Description) error {
	l.r.StopOffer(d)
	return nil
}

func (l local) CounterReader() registry.CounterReader { return l.r.ChangeCounter() }
func (l local) ResultCapacity() int                   { return l.r.ResultCapacity() }
