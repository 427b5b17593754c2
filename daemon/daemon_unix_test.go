//go:build unix

package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shm-discovery/client"
	"shm-discovery/registry"
	"shm-discovery/service"
)

func TestSharedCounterFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Registry.CounterFile = filepath.Join(dir, "counter")
	cfg.Registry.LockFile = filepath.Join(dir, "lock")
	d, err := New(cfg, nil)
	require.NoError(t, err)
	start(t, d)

	view, err := registry.OpenChangeCounter(cfg.Registry.CounterFile)
	require.NoError(t, err)
	defer view.Close()
	assert.Equal(t, uint64(3), view.Load())

	c, err := client.Dial(context.Background(), d.Addr().String(),
		client.WithHeartbeat(0), client.WithCounterFile(cfg.Registry.CounterFile))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Offer(context.Background(), service.MustDescription("Radar", "FrontLeft", "Objects")))
	assert.Equal(t, uint64(4), view.Load())
	assert.Equal(t, uint64(4), c.CounterReader().Load())
}
