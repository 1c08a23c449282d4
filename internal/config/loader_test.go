// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/snipey/internal/validate"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SNIPEY_DATA_DIR", t.TempDir())

	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, DefaultStreamURL, cfg.Upstream.StreamURL)
	assert.Equal(t, 256, cfg.Stream.QueueSize)
	assert.Equal(t, "timer", cfg.Dispatch.Backend)
	assert.Equal(t, "store", cfg.Checkpoint.Backend)
	assert.Equal(t, filepath.Join(os.Getenv("SNIPEY_DATA_DIR"), "snipey.sqlite"), cfg.Store.Path)
}

func TestLoadPrecedenceEnvOverFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
dataDir: ` + dir + `
upstream:
  apiKey: from-file
  maxRetries: 4
stream:
  workers: 8
  idleTimeout: 45s
dispatch:
  backend: redis
  redis:
    addr: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SNIPEY_STREAM_WORKERS", "2")
	t.Setenv("SNIPEY_KAFKA_BROKERS", "a:9092, b:9092,")

	loader := NewLoader(path, "dev")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Upstream.APIKey)
	assert.Equal(t, 4, cfg.Upstream.MaxRetries)
	assert.Equal(t, 2, cfg.Stream.Workers, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, 256, cfg.Stream.QueueSize, "default survives")
	assert.Equal(t, "redis", cfg.Dispatch.Backend)
	assert.Equal(t, "redis:6379", cfg.Dispatch.Redis.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Dispatch.Kafka.Brokers)
	assert.Contains(t, loader.ConsumedEnvKeys, "SNIPEY_STREAM_WORKERS")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  workerz: 3\n"), 0o600))

	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workerz")
}

func TestLoadValidationAggregates(t *testing.T) {
	t.Setenv("SNIPEY_DATA_DIR", t.TempDir())
	t.Setenv("SNIPEY_STREAM_URL", "ftp://nope")
	t.Setenv("SNIPEY_STORE_BACKEND", "postgres")
	t.Setenv("SNIPEY_DISPATCH_BACKEND", "kafka")

	_, err := NewLoader("", "dev").Load()
	require.Error(t, err)

	var verr validate.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, e := range verr.Errors() {
		fields[e.Field] = true
	}
	assert.True(t, fields["Upstream.StreamURL"])
	assert.True(t, fields["Store.DSN"])
	assert.True(t, fields["Dispatch.Kafka.Brokers"])
}

func TestValidateReconnectBounds(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = ""
	cfg.Stream.ReconnectMax = cfg.Stream.ReconnectInitial / 2
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stream.ReconnectMax")
}

func TestValidateDefaultsWithoutDataDir(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = ""
	assert.NoError(t, Validate(cfg))
}

func TestLoadRouteRetryAndRedisConsume(t *testing.T) {
	t.Setenv("SNIPEY_DATA_DIR", t.TempDir())
	t.Setenv("SNIPEY_STREAM_ROUTE_RETRY_MAX", "5s")
	t.Setenv("SNIPEY_REDIS_CONSUME", "no")

	cfg, err := NewLoader("", "dev").Load()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.RouteRetryInitial)
	assert.Equal(t, 5*time.Second, cfg.Stream.RouteRetryMax)
	assert.False(t, cfg.Dispatch.Redis.Consume)
	assert.True(t, Defaults().Dispatch.Redis.Consume)
}

func TestValidateRouteRetryBounds(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = ""
	cfg.Stream.RouteRetryMax = cfg.Stream.RouteRetryInitial / 2
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stream.RouteRetryMax")
}
