package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shm-discovery/codec"
	"shm-discovery/message"
	"shm-discovery/protocol"
	"shm-discovery/service"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7410", cfg.Listen)
	assert.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
	assert.Equal(t, 512, cfg.Registry.Capacity)
	assert.Equal(t, 128, cfg.Registry.ResultCapacity)
	assert.True(t, cfg.Registry.Introspection)
	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2, cfg.Client.PoolSize)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Empty(t, cfg.Etcd.Endpoints)
	assert.Equal(t, 10*time.Second, cfg.Etcd.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discoveryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
codec: msgpack
registry:
  capacity: 64
  counter_file: /dev/shm/discovery.counter
etcd:
  endpoints: [127.0.0.1:2379]
  ttl: 30s
log:
  level: debug
`), 0o644))

	t.Setenv("SHMD_REGISTRY_RESULT_CAPACITY", "16")
	t.Setenv("SHMD_LOG_FORMAT", "json")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, codec.CodecTypeMsgpack, cfg.CodecType())
	assert.Equal(t, 64, cfg.Registry.Capacity)
	assert.Equal(t, 16, cfg.Registry.ResultCapacity)
	assert.Equal(t, "/dev/shm/discovery.counter", cfg.Registry.CounterFile)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 30*time.Second, cfg.Etcd.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		key   string
		value any
		want  string
	}{
		"codec":            {"codec", "xml", "codec"},
		"capacity":         {"registry.capacity", 0, "registry.capacity"},
		"result capacity":  {"registry.result_capacity", -1, "registry.result_capacity"},
		"result too large": {"registry.result_capacity", MaxResultCapacity + 1, "registry.result_capacity"},
		"request timeout":  {"server.request_timeout", "0s", "server.request_timeout"},
		"pool size":        {"client.pool_size", 0, "client.pool_size"},
		"log level":        {"log.level", "trace", "log.level"},
		"log format":       {"log.format", "xml", "log.format"},
		"negative retries": {"client.retries", -1, "client.retries"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			v.Set(tc.key, tc.value)
			_, err := Load(v, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	v := viper.New()
	v.Set("registry.capacity", 0)
	v.Set("log.level", "loud")
	_, err := Load(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.capacity")
	assert.Contains(t, err.Error(), "log.level")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestMaxResultCapacityFitsOneFrame(t *testing.T) {
	// Control bytes are the costliest input for JSON.
	id := strings.Repeat("\x01", service.MaxIDLength)
	resp := &message.Message{Kind: message.KindFind, Counter: ^uint64(0)}
	for i := 0; i < MaxResultCapacity; i++ {
		resp.Descriptions = append(resp.Descriptions, message.Triple{Service: id, Instance: id, Event: id})
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgpack} {
		body, err := codec.GetCodec(ct).Encode(resp)
		require.NoError(t, err, ct.String())
		assert.LessOrEqual(t, len(body), int(protocol.MaxBodyLen), ct.String())
	}

	v := viper.New()
	v.Set("registry.result_capacity", MaxResultCapacity)
	_, err := Load(v, "")
	assert.NoError(t, err)
}
