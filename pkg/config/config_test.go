package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "evalforge", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.DefaultAttempts)
	assert.Equal(t, 5, cfg.Recovery.BreakerThreshold)
	assert.Equal(t, Duration(5*time.Minute), cfg.Recovery.EscalationWindow)
	assert.Equal(t, "@every 30s", cfg.Health.Schedule)
	assert.Equal(t, "memory", cfg.Results.Backend)
	assert.Equal(t, 64, cfg.Events.BufferSize)
	assert.Equal(t, ":9090", cfg.Observability.MetricsAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadValidFile(t *testing.T) {
	path := writeConfig(t, `
queue:
  name: evaluation
  default_attempts: 5
recovery:
  breaker_threshold: 2
  escalation_window: 1m
health:
  schedule: "@every 10s"
results:
  backend: redis
  redis:
    addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "evaluation", cfg.Queue.Name)
	assert.Equal(t, 5, cfg.Queue.DefaultAttempts)
	assert.Equal(t, 2, cfg.Recovery.BreakerThreshold)
	assert.Equal(t, Duration(time.Minute), cfg.Recovery.EscalationWindow)
	assert.Equal(t, "@every 10s", cfg.Health.Schedule)
	assert.Equal(t, "redis", cfg.Results.Backend)
	assert.Equal(t, "localhost:6379", cfg.Results.Redis.Addr)

	// Unset fields still take defaults.
	assert.Equal(t, 3, cfg.Recovery.EscalationCap)
	assert.Equal(t, "evalforge:result:", cfg.Results.Redis.Prefix)
	require.NoError(t, cfg.Validate())
}

func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "queue: [[[")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestValidateRedisWithoutAddr(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg := Default()
	cfg.Results.Backend = "redis"
	cfg.Results.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Results.Backend = "cassandra"
	require.Error(t, cfg.Validate())
}

func TestRedisEnvFallback(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	path := writeConfig(t, `
results:
  backend: redis
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Results.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Queue.Name = "evaluation"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "evaluation", loaded.Queue.Name)
}
