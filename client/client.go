// Package client is the remote side of the registry: it forwards offer,
// stop-offer and find requests to a discovery daemon over a small pool of
// multiplexed connections.
//
// Reads (find, counter) are spread round-robin over the pool. Offers and
// stop-offers always travel on the first connection, because the daemon
// scopes offers to the connection that made them. The client remembers what
// it offered and offers it again after that connection is re-established.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"shm-discovery/bounded"
	"shm-discovery/codec"
	"shm-discovery/loadbalance"
	"shm-discovery/message"
	"shm-discovery/middleware"
	"shm-discovery/registry"
	"shm-discovery/service"
	"shm-discovery/transport"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("client closed")

// Client talks to one discovery daemon.
type Client struct {
	addr     string
	opts     options
	logger   *zap.Logger
	balancer loadbalance.Balancer[*transport.ClientTransport]
	call     middleware.HandlerFunc

	// offerMu serializes offers, stop-offers and the restore after a
	// reconnect, so held always matches what the daemon holds for us.
	offerMu sync.Mutex
	held    map[service.Description]uint64

	mu     sync.Mutex // guards pool and closed; taken after offerMu
	pool   []*transport.ClientTransport
	closed bool

	lastCounter atomic.Uint64
	refreshing  atomic.Bool
	view        *registry.CounterView
}

// Dial connects to the daemon at addr, opening the whole pool up front.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		addr:     addr,
		opts:     o,
		logger:   o.logger.Named("client").With(zap.String("addr", addr)),
		balancer: &loadbalance.RoundRobin[*transport.ClientTransport]{},
		held:     make(map[service.Description]uint64),
	}

	for i := 0; i < o.poolSize; i++ {
		t, err := c.dial(ctx)
		if err != nil {
			c.closeTransports()
			return nil, err
		}
		c.pool = append(c.pool, t)
	}

	if o.counterFile != "" {
		view, err := registry.OpenChangeCounter(o.counterFile)
		if err != nil {
			c.closeTransports()
			return nil, err
		}
		c.view = view
	}

	mws := []middleware.Middleware{middleware.Logging(c.logger)}
	if o.breaker != nil {
		cfg := *o.breaker
		cfg.Name = addr
		cfg.Logger = c.logger
		mws = append(mws, middleware.Breaker(cfg))
	}
	if o.retries > 0 {
		mws = append(mws, middleware.Retry(o.retries, o.retryBackoff, c.logger))
	}
	c.call = middleware.Chain(mws...)(c.roundTrip)
	return c, nil
}

// Find returns every offered description matching q, in offer order. If the
// result does not fit the client's result capacity, it returns
// bounded.ErrOverflow and no partial result.
func (c *Client) Find(ctx context.Context, q service.Query) (*bounded.Vector[service.Description], error) {
	dst := bounded.New[service.Description](c.opts.resultCapacity)
	if err := c.FindInto(ctx, dst, q); err != nil {
		return nil, err
	}
	return dst, nil
}

// FindInto is Find into a caller-owned vector. On error dst is left empty.
func (c *Client) FindInto(ctx context.Context, dst *bounded.Vector[service.Description], q service.Query) error {
	dst.Reset()
	resp, err := c.do(ctx, &message.Message{Kind: message.KindFind, Query: message.FromQuery(q)})
	if err != nil {
		return err
	}
	for _, t := range resp.Descriptions {
		d, err := t.ToDescription()
		if err != nil {
			dst.Reset()
			return fmt.Errorf("%w: daemon sent %v: %v", message.ErrInternal, t, err)
		}
		if err := dst.Append(d); err != nil {
			dst.Reset()
			return fmt.Errorf("find %s: %w", q, err)
		}
	}
	return nil
}

// Offer makes d discoverable for as long as this client stays connected,
// or until StopOffer.
//
// A timed-out offer may still be applied by the daemon, so d is recorded as
// held anyway and a later StopOffer withdraws it. The daemon ignores a
// stop-offer for something the connection does not hold.
func (c *Client) Offer(ctx context.Context, d service.Description) error {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	if _, err := c.do(ctx, offerRequest(message.KindOffer, d)); err != nil {
		if errors.Is(err, message.ErrTimeout) {
			c.held[d]++
		}
		return err
	}
	c.held[d]++
	return nil
}

// StopOffer withdraws one of this client's offers of d. Descriptions the
// client does not hold are ignored.
func (c *Client) StopOffer(ctx context.Context, d service.Description) error {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	n, ok := c.held[d]
	if !ok {
		return nil
	}
	if _, err := c.do(ctx, offerRequest(message.KindStopOffer, d)); err != nil {
		return err
	}
	if n <= 1 {
		delete(c.held, d)
	} else {
		c.held[d] = n - 1
	}
	return nil
}

// ChangeCounter asks the daemon for the current change counter.
func (c *Client) ChangeCounter(ctx context.Context) (uint64, error) {
	if c.view != nil {
		return c.view.Load(), nil
	}
	resp, err := c.do(ctx, &message.Message{Kind: message.KindCounter})
	if err != nil {
		return 0, err
	}
	return resp.Counter, nil
}

// CounterReader returns a non-blocking view of the change counter. With
// WithCounterFile it reads shared memory. Otherwise Load returns the highest
// counter seen on any response and starts a background counter request, so
// a change made by another process shows up on a later Load.
func (c *Client) CounterReader() registry.CounterReader {
	if c.view != nil {
		return c.view
	}
	return remoteCounter{c}
}

// ResultCapacity is M for results built by Find.
func (c *Client) ResultCapacity() int { return c.opts.resultCapacity }

// LastCounter is the change counter carried by the most recent response.
func (c *Client) LastCounter() uint64 { return c.lastCounter.Load() }

// Close closes every connection. The daemon withdraws this client's offers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.closeTransports()
	if c.view != nil {
		err = multierr.Append(err, c.view.Close())
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type remoteCounter struct{ c *Client }

func (r remoteCounter) Load() uint64 {
	r.c.refreshCounter()
	return r.c.lastCounter.Load()
}

// refreshCounter asks the daemon for the counter in the background. At most
// one request is in flight; the response updates lastCounter.
func (c *Client) refreshCounter() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		timeout := c.opts.timeout
		if timeout <= 0 {
			timeout = defaultOptions().timeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := c.do(ctx, &message.Message{Kind: message.KindCounter}); err != nil && !c.isClosed() {
			c.logger.Debug("counter refresh failed", zap.Error(err))
		}
	}()
}

func offerRequest(kind message.Kind, d service.Description) *message.Message {
	return &message.Message{Kind: kind, Descriptions: []message.Triple{message.FromDescription(d)}}
}

// do runs req through the middleware chain and turns a failed response into an error.
func (c *Client) do(ctx context.Context, req *message.Message) (*message.Message, error) {
	resp := c.call(ctx, req)
	if !resp.Failed() {
		c.observeCounter(resp.Counter)
		return resp, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	return nil, resp.Err()
}

// observeCounter keeps the highest counter seen; responses on different
// connections may arrive out of order.
func (c *Client) observeCounter(v uint64) {
	for {
		cur := c.lastCounter.Load()
		if v <= cur || c.lastCounter.CompareAndSwap(cur, v) {
			return
		}
	}
}

// roundTrip is the innermost handler: one attempt on one connection.
func (c *Client) roundTrip(ctx context.Context, req *message.Message) *message.Message {
	var t *transport.ClientTransport
	var err error
	if req.Kind.ReadOnly() {
		t, err = c.pick(ctx)
	} else {
		t, err = c.controlLocked(ctx)
	}
	if err != nil {
		return message.Fail(req.Kind, err)
	}

	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	resp, err := t.RoundTrip(ctx, req)
	if err != nil {
		return message.Fail(req.Kind, err)
	}
	return resp
}

// pick chooses a healthy connection for a read, reconnecting if none is left.
func (c *Client) pick(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	healthy := make([]*transport.ClientTransport, 0, len(c.pool))
	for _, t := range c.pool {
		if !t.Broken() {
			healthy = append(healthy, t)
		}
	}
	c.mu.Unlock()

	if len(healthy) > 0 {
		return c.balancer.Pick(healthy)
	}

	c.offerMu.Lock()
	defer c.offerMu.Unlock()
	return c.controlLocked(ctx)
}

// controlLocked returns the connection that carries offers. If any pooled
// connection broke it is redialed first, and the held offers are restored
// on a fresh control connection. Caller holds offerMu.
func (c *Client) controlLocked(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.pool[0].Broken() {
		t := c.pool[0]
		c.mu.Unlock()
		return t, nil
	}

	for i, old := range c.pool {
		if !old.Broken() {
			continue
		}
		t, err := c.dial(ctx)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		old.Close()
		c.pool[i] = t
	}
	control := c.pool[0]
	c.mu.Unlock()

	c.logger.Info("reconnected", zap.Int("restoring", len(c.held)))
	for d, refs := range c.held {
		for n := uint64(0); n < refs; n++ {
			resp, err := control.RoundTrip(ctx, offerRequest(message.KindOffer, d))
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				c.logger.Warn("restore offer failed", zap.Stringer("description", d), zap.Error(err))
				break
			}
		}
	}
	return control, nil
}

func (c *Client) dial(ctx context.Context) (*transport.ClientTransport, error) {
	d := net.Dialer{Timeout: c.opts.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", message.ErrTransport, c.addr, err)
	}
	return transport.NewClientTransport(conn, c.opts.codecType, transport.WithHeartbeat(c.opts.heartbeat)), nil
}

func (c *Client) closeTransports() error {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()

	var err error
	for _, t := range pool {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// Option configures a Client.
type Option func(*options)

type options struct {
	codecType      codec.CodecType
	poolSize       int
	timeout        time.Duration
	retries        int
	retryBackoff   time.Duration
	heartbeat      time.Duration
	resultCapacity int
	breaker        *middleware.BreakerConfig
	counterFile    string
	logger         *zap.Logger
}

func defaultOptions() options {
	return options{
		codecType:      codec.CodecTypeBinary,
		poolSize:       2,
		timeout:        2 * time.Second,
		retries:        2,
		retryBackoff:   50 * time.Millisecond,
		heartbeat:      transport.DefaultHeartbeatInterval,
		resultCapacity: registry.DefaultResultCapacity,
		breaker:        &middleware.BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 5 * time.Second},
		logger:         zap.NewNop(),
	}
}

// WithCodec selects the body encoding.
func WithCodec(t codec.CodecType) Option { return func(o *options) { o.codecType = t } }

// WithPoolSize sets how many connections the client keeps open.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithTimeout bounds each attempt, dial included. Zero means no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithRetries sets how often a failed read is retried. Offers are never retried.
func WithRetries(n int, backoff time.Duration) Option {
	return func(o *options) {
		o.retries = n
		if backoff > 0 {
			o.retryBackoff = backoff
		}
	}
}

// WithHeartbeat sets the idle heartbeat interval; zero disables it.
func WithHeartbeat(d time.Duration) Option { return func(o *options) { o.heartbeat = d } }

// WithResultCapacity sets M for results built by Find.
func WithResultCapacity(m int) Option {
	return func(o *options) {
		if m > 0 {
			o.resultCapacity = m
		}
	}
}

// WithBreaker replaces the circuit breaker settings. Zero failures disables it.
func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(o *options) {
		if failures == 0 {
			o.breaker = nil
			return
		}
		o.breaker = &middleware.BreakerConfig{ConsecutiveFailures: failures, OpenTimeout: openTimeout}
	}
}

// WithCounterFile reads the change counter from the daemon's mapped counter
// file instead of asking over the network.
func WithCounterFile(path string) Option { return func(o *options) { o.counterFile = path } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
