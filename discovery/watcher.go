package discovery

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"shm-discovery/bounded"
	"shm-discovery/service"
)

// DefaultWatchInterval is how often a Watcher reads the change counter.
const DefaultWatchInterval = 100 * time.Millisecond

// Watcher re-runs one find whenever the change counter moves and hands the
// new result to a handler. Reading the counter is cheap, so an idle
// registry costs one atomic load per interval and no round trip.
type Watcher struct {
	sd       *ServiceDiscovery
	query    service.Query
	handler  FindHandler
	onError  func(error)
	interval time.Duration
	clock    clock.Clock

	buf    *bounded.Vector[service.Description]
	last   uint64
	primed bool
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock replaces the wall clock driving the poll ticker.
func WithClock(c clock.Clock) WatchOption {
	return func(w *Watcher) { w.clock = c }
}

// WithErrorHandler receives finds that failed, overflow included. By
// default they are logged and retried on the next tick.
func WithErrorHandler(fn func(error)) WatchOption {
	return func(w *Watcher) { w.onError = fn }
}

// Watch creates a Watcher for q. Nothing happens until Run or Poll.
// The container passed to handler is reused between calls.
func (sd *ServiceDiscovery) Watch(q service.Query, handler FindHandler, opts ...WatchOption) *Watcher {
	w := &Watcher{
		sd:       sd,
		query:    q,
		handler:  handler,
		interval: DefaultWatchInterval,
		clock:    clock.New(),
		buf:      bounded.New[service.Description](sd.backend.ResultCapacity()),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.onError == nil {
		w.onError = func(err error) { sd.logger.Warn("watch find failed", zap.Stringer("query", q), zap.Error(err)) }
	}
	return w
}

// Run polls until ctx ends. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	w.Poll(ctx)

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll checks the counter once and, if it moved since the last successful
// find, finds again and calls the handler. It reports whether the handler ran.
// Poll is not safe for concurrent use with itself or Run.
func (w *Watcher) Poll(ctx context.Context) bool {
	c := w.sd.ChangeCounter().Load()
	if w.primed && c == w.last {
		return false
	}
	// Read before the find: a change racing the find moves the counter past
	// c, so the next poll finds again.
	if err := w.sd.find(ctx, w.buf, w.query); err != nil {
		w.onError(err)
		return false
	}
	w.last, w.primed = c, true
	if w.handler != nil {
		w.handler(w.buf)
	}
	return true
}
