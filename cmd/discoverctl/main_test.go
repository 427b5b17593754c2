package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shm-discovery/config"
	"shm-discovery/daemon"
	"shm-discovery/service"
)

// syncBuffer lets a test read output while a command is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Listen = "127.0.0.1:0"

	d, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func execute(ctx context.Context, out *syncBuffer, args ...string) error {
	cmd := newRootCmd(viper.New())
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	return cmd.ExecuteContext(ctx)
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out syncBuffer
	require.NoError(t, execute(context.Background(), &out, args...))
	return out.String()
}

func TestFind(t *testing.T) {
	d := startDaemon(t)
	addr := d.Addr().String()

	out := run(t, "find", "--addr", addr)
	assert.Equal(t, "Introspection\tDaemon\tMemPool\nIntrospection\tDaemon\tPort\nIntrospection\tDaemon\tProcessList\n", out)

	out = run(t, "find", "*", "*", "Port", "--addr", addr, "--json")
	var got []jsonDescription
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []jsonDescription{{"Introspection", "Daemon", "Port"}}, got)

	assert.Empty(t, run(t, "find", "Radar", "*", "*", "--addr", addr, "--codec", "msgpack"))
}

func TestFindArgs(t *testing.T) {
	var out syncBuffer
	err := execute(context.Background(), &out, "find", "Radar", "--addr", "127.0.0.1:1")
	assert.ErrorContains(t, err, "SERVICE INSTANCE EVENT")
}

func TestCounter(t *testing.T) {
	d := startDaemon(t)
	assert.Equal(t, "3\n", run(t, "counter", "--addr", d.Addr().String()))
}

func TestOfferHoldsUntilInterrupted(t *testing.T) {
	d := startDaemon(t)
	addr := d.Addr().String()
	radar := service.MustDescription("Radar", "FrontLeft", "Objects")

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- execute(ctx, &out, "offer", "Radar", "FrontLeft", "Objects", "--addr", addr) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "offered") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), d.Registry().References(radar))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("offer did not return after cancel")
	}
	assert.Contains(t, out.String(), "withdrawn")
	assert.Zero(t, d.Registry().References(radar))
}

func TestWatch(t *testing.T) {
	d := startDaemon(t)
	addr := d.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, &out, "watch", "Radar", "*", "*", "--addr", addr, "--interval", "10ms")
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "0 match(es)") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Registry().Offer(service.MustDescription("Radar", "FrontLeft", "Objects")))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Radar\tFrontLeft\tObjects") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
