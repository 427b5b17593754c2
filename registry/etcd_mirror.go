package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"shm-discovery/bounded"
	"shm-discovery/service"
)

// snapshotSource is the part of ServiceRegistry the mirror reads.
type snapshotSource interface {
	FindInto(dst *bounded.Vector[service.Description], q service.Query) error
	ChangeCounter() CounterReader
	Capacity() int
}

type mirrorEntry struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Event    string `json:"event"`
}

// EtcdMirror publishes the local registry's offered descriptions to etcd so
// that tools on other hosts can see what a daemon currently offers.
//
// etcd is a distributed key-value store with strong consistency (Raft). The
// mirror writes one key per offered description:
//
//	Key:   {prefix}/{service}/{instance}/{event}   (each part path-escaped)
//	Value: JSON {"service": ..., "instance": ..., "event": ...}
//
// All keys hang off a single TTL lease kept alive while the mirror runs. If
// the daemon dies, the lease expires and the keys disappear, so etcd never
// holds registry state past the daemon's lifetime.
//
// The mirror is driven by the change counter: each tick it compares the
// counter to the value it last synced and only rescans when it moved.
type EtcdMirror struct {
	client   *clientv3.Client // thread-safe, shared across goroutines
	source   snapshotSource
	prefix   string
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	lease    clientv3.LeaseID
	synced   uint64
	primed   bool
	mirrored map[string]struct{}
	buf      *bounded.Vector[service.Description]
}

// MirrorOption configures an EtcdMirror.
type MirrorOption func(*EtcdMirror)

func WithMirrorPrefix(prefix string) MirrorOption {
	return func(m *EtcdMirror) { m.prefix = strings.TrimSuffix(prefix, "/") }
}

func WithMirrorTTL(ttl time.Duration) MirrorOption {
	return func(m *EtcdMirror) { m.ttl = ttl }
}

func WithMirrorInterval(d time.Duration) MirrorOption {
	return func(m *EtcdMirror) { m.interval = d }
}

func WithMirrorClock(c clock.Clock) MirrorOption {
	return func(m *EtcdMirror) { m.clock = c }
}

func WithMirrorLogger(l *zap.Logger) MirrorOption {
	return func(m *EtcdMirror) { m.logger = l }
}

// NewEtcdMirror connects to etcd. It does not write anything until Run.
func NewEtcdMirror(endpoints []string, source snapshotSource, opts ...MirrorOption) (*EtcdMirror, error) {
	m := &EtcdMirror{
		source:   source,
		prefix:   "/shm-discovery",
		ttl:      10 * time.Second,
		interval: time.Second,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		mirrored: make(map[string]struct{}),
		buf:      bounded.New[service.Description](source.Capacity()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("etcd-mirror")

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	m.client = c
	return m, nil
}

// Run grants the lease, keeps it alive and syncs on every counter change
// until ctx is done. The lease is revoked on return.
func (m *EtcdMirror) Run(ctx context.Context) error {
	lease, err := m.client.Grant(ctx, int64(m.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	m.lease = lease.ID

	ch, err := m.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()

	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := m.client.Revoke(revokeCtx, m.lease); err != nil {
			m.logger.Warn("revoke lease", zap.Error(err))
		}
	}()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync brings etcd in line with the registry if the change counter moved
// since the last successful sync.
func (m *EtcdMirror) Sync(ctx context.Context) error {
	now := m.source.ChangeCounter().Load()
	if m.primed && now == m.synced {
		return nil
	}

	if err := m.source.FindInto(m.buf, service.AnyQuery); err != nil {
		return err
	}

	want := make(map[string]service.Description, m.buf.Len())
	for d := range m.buf.All() {
		want[m.key(d)] = d
	}

	for key, d := range want {
		if _, ok := m.mirrored[key]; ok {
			continue
		}
		val, err := json.Marshal(mirrorEntry{
			Service:  d.Service().String(),
			Instance: d.Instance().String(),
			Event:    d.Event().String(),
		})
		if err != nil {
			return err
		}
		var opts []clientv3.OpOption
		if m.lease != clientv3.NoLease {
			opts = append(opts, clientv3.WithLease(m.lease))
		}
		if _, err := m.client.Put(ctx, key, string(val), opts...); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		m.mirrored[key] = struct{}{}
	}

	for key := range m.mirrored {
		if _, ok := want[key]; ok {
			continue
		}
		if _, err := m.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		delete(m.mirrored, key)
	}

	m.synced = now
	m.primed = true
	m.logger.Debug("synced", zap.Uint64("counter", now), zap.Int("descriptions", len(want)))
	return nil
}

// List reads back every description currently published under the prefix,
// by any daemon sharing it.
func (m *EtcdMirror) List(ctx context.Context) ([]service.Description, error) {
	resp, err := m.client.Get(ctx, m.prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	out := make([]service.Description, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e mirrorEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue // Skip malformed entries
		}
		d, err := service.NewDescription(e.Service, e.Instance, e.Event)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Close closes the etcd client. Call it after Run has returned.
func (m *EtcdMirror) Close() error {
	return m.client.Close()
}

func (m *EtcdMirror) key(d service.Description) string {
	return m.prefix + "/" +
		url.PathEscape(d.Service().String()) + "/" +
		url.PathEscape(d.Instance().String()) + "/" +
		url.PathEscape(d.Event().String())
}
