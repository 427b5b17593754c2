package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shm-discovery/bounded"
	"shm-discovery/client"
	"shm-discovery/message"
	"shm-discovery/registry"
	"shm-discovery/server"
	"shm-discovery/service"
)

type backendFactory func(t *testing.T, capacity, resultCapacity int) Backend

var backends = map[string]backendFactory{
	"local": func(t *testing.T, n, m int) Backend {
		return Local(registry.New(registry.WithCapacity(n), registry.WithResultCapacity(m)))
	},
	"remote": func(t *testing.T, n, m int) Backend {
		reg := registry.New(registry.WithCapacity(n), registry.WithResultCapacity(m))
		return dialDaemon(t, reg, m)
	},
}

func dialDaemon(t *testing.T, reg *registry.ServiceRegistry, m int) *client.Client {
	t.Helper()
	svr := server.NewServer(reg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	c, err := client.Dial(context.Background(), l.Addr().String(),
		client.WithResultCapacity(m), client.WithHeartbeat(0))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func forEachBackend(t *testing.T, n, m int, fn func(t *testing.T, sd *ServiceDiscovery)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, New(factory(t, n, m)))
		})
	}
}

func id(s string) service.ID { return service.MustID(s) }

var wild = service.Wildcard

// findBoth runs the value and callback shapes of one find and checks they agree.
func findBoth(t *testing.T, sd *ServiceDiscovery, s, i, e service.ID) []service.Description {
	t.Helper()
	ctx := context.Background()
	found, err := sd.FindService(ctx, s, i, e)
	require.NoError(t, err)

	calls := 0
	sd.FindServiceWithHandler(ctx, s, i, e, func(v *bounded.Vector[service.Description]) {
		calls++
		assert.True(t, found.Equal(v), "callback result differs from value result")
	})
	assert.Equal(t, 1, calls, "handler must run exactly once")
	return found.Values()
}

func TestOfferThenExactFind(t *testing.T) {
	forEachBackend(t, 16, 8, func(t *testing.T, sd *ServiceDiscovery) {
		ctx := context.Background()
		d := service.MustDescription("svc", "inst", "evt")

		require.NoError(t, sd.OfferService(ctx, d))
		assert.Equal(t, []service.Description{d}, findBoth(t, sd, id("svc"), id("inst"), id("evt")))

		require.NoError(t, sd.StopOfferService(ctx, d))
		assert.Empty(t, findBoth(t, sd, id("svc"), id("inst"), id("evt")))

		// Re-offer restores discoverability with an identical description.
		require.NoError(t, sd.OfferService(ctx, d))
		got := findBoth(t, sd, id("svc"), id("inst"), id("evt"))
		require.Len(t, got, 1)
		assert.True(t, got[0].Equal(d))
		assert.Equal(t, "svc", got[0].Service().String())
	})
}

func TestWildcardExamples(t *testing.T) {
	forEachBackend(t, 16, 8, func(t *testing.T, sd *ServiceDiscovery) {
		ctx := context.Background()
		first := service.MustDescription("svc", "inst", "evt")
		second := service.MustDescription("svc", "inst2", "evt2")
		require.NoError(t, sd.OfferService(ctx, first))
		require.NoError(t, sd.OfferService(ctx, second))

		assert.Equal(t, []service.Description{first}, findBoth(t, sd, id("svc"), id("inst"), id("evt")))
		assert.Equal(t, []service.Description{first, second}, findBoth(t, sd, id("svc"), wild, wild))

		e1 := service.MustDescription("a", "x", "e1")
		e2 := service.MustDescription("a", "x", "e2")
		require.NoError(t, sd.OfferService(ctx, e1))
		require.NoError(t, sd.OfferService(ctx, e2))
		assert.Equal(t, []service.Description{e1, e2}, findBoth(t, sd, id("a"), id("x"), wild))
		assert.Equal(t, []service.Description{e1}, findBoth(t, sd, wild, id("x"), id("e1")))
		assert.Empty(t, findBoth(t, sd, id("a"), id("y"), wild))
	})
}

func TestChangeCounterTransitions(t *testing.T) {
	forEachBackend(t, 16, 8, func(t *testing.T, sd *ServiceDiscovery) {
		ctx := context.Background()
		counter := sd.ChangeCounter()
		c0 := counter.Load()
		d := service.MustDescription("svc", "inst", "evt")

		require.NoError(t, sd.OfferService(ctx, d))
		assert.Equal(t, c0+1, counter.Load())
		require.NoError(t, sd.OfferService(ctx, d))
		assert.Equal(t, c0+1, counter.Load(), "second offer of the same description")

		require.NoError(t, sd.StopOfferService(ctx, d))
		assert.Equal(t, c0+1, counter.Load(), "one reference left")
		require.NoError(t, sd.StopOfferService(ctx, d))
		assert.Equal(t, c0+2, counter.Load())

		// Finds never move it.
		findBoth(t, sd, wild, wild, wild)
		assert.Equal(t, c0+2, counter.Load())
	})
}

func TestFullResultAndOverflow(t *testing.T) {
	const m = 8
	forEachBackend(t, m+1, m, func(t *testing.T, sd *ServiceDiscovery) {
		ctx := context.Background()
		var offered []service.Description
		for i := 0; i < m; i++ {
			d := service.MustDescription("svc", fmt.Sprintf("inst-%d", i), "evt")
			require.NoError(t, sd.OfferService(ctx, d))
			offered = append(offered, d)
		}
		assert.Equal(t, offered, findBoth(t, sd, wild, wild, wild), "all M in offer order")

		require.NoError(t, sd.OfferService(ctx, service.MustDescription("svc", "one-too-many", "evt")))

		found, err := sd.FindService(ctx, wild, wild, wild)
		assert.ErrorIs(t, err, ErrOverflow)
		assert.Nil(t, found)

		called := false
		sd.FindServiceWithHandler(ctx, wild, wild, wild, func(*bounded.Vector[service.Description]) { called = true })
		assert.False(t, called, "handler must not run on overflow")

		// A narrower query still fits.
		assert.Len(t, findBoth(t, sd, wild, id("one-too-many"), wild), 1)
	})
}

func TestRegistryFullPropagates(t *testing.T) {
	forEachBackend(t, 2, 2, func(t *testing.T, sd *ServiceDiscovery) {
		ctx := context.Background()
		require.NoError(t, sd.OfferService(ctx, service.MustDescription("s", "i", "a")))
		require.NoError(t, sd.OfferService(ctx, service.MustDescription("s", "i", "b")))
		err := sd.OfferService(ctx, service.MustDescription("s", "i", "c"))
		assert.ErrorIs(t, err, registry.ErrRegistryFull)
		// Re-offering an existing description still works at capacity.
		assert.NoError(t, sd.OfferService(ctx, service.MustDescription("s", "i", "a")))
	})
}

func TestNilHandlerIsNoop(t *testing.T) {
	forEachBackend(t, 4, 4, func(t *testing.T, sd *ServiceDiscovery) {
		require.NoError(t, sd.OfferService(context.Background(), service.MustDescription("s", "i", "e")))
		assert.NotPanics(t, func() {
			sd.FindServiceWithHandler(context.Background(), wild, wild, wild, nil)
		})
	})
}

func TestTransportFailure(t *testing.T) {
	reg := registry.New()
	svr := server.NewServer(reg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)

	c, err := client.Dial(context.Background(), l.Addr().String(),
		client.WithHeartbeat(0), client.WithRetries(0, 0), client.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()
	sd := New(c)

	require.NoError(t, svr.Shutdown(time.Second))

	found, err := sd.FindService(context.Background(), wild, wild, wild)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Nil(t, found, "a failed round trip is not an empty result")

	called := false
	sd.FindServiceWithHandler(context.Background(), wild, wild, wild, func(*bounded.Vector[service.Description]) { called = true })
	assert.False(t, called)
}

func TestBreakerOpenIsTransportFailure(t *testing.T) {
	reg := registry.New()
	svr := server.NewServer(reg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(l)

	c, err := client.Dial(context.Background(), l.Addr().String(),
		client.WithHeartbeat(0), client.WithRetries(0, 0), client.WithPoolSize(1),
		client.WithBreaker(2, time.Hour), client.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()
	sd := New(c)

	require.NoError(t, svr.Shutdown(time.Second))

	// Two failed round trips open the breaker; later finds are refused
	// locally and must still read as a transport failure.
	for i := 0; i < 5; i++ {
		found, err := sd.FindService(context.Background(), wild, wild, wild)
		assert.ErrorIs(t, err, ErrTransportFailure, "find %d", i)
		assert.Nil(t, found)
	}
	_, err = sd.FindService(context.Background(), wild, wild, wild)
	assert.ErrorIs(t, err, message.ErrUnavailable)
}

// stuckBackend never answers a find before its context ends.
type stuckBackend struct{ Backend }

func (stuckBackend) FindInto(ctx context.Context, _ *bounded.Vector[service.Description], _ service.Query) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeout(t *testing.T) {
	sd := New(stuckBackend{Local(registry.New())}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := sd.FindService(context.Background(), wild, wild, wild)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// A caller deadline wins over the facade default.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = sd.FindService(ctx, wild, wild, wild)
	assert.ErrorIs(t, err, ErrTimeout)
}
