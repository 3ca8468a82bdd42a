package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 86400, cfg.StateTTLSeconds)
	assert.Equal(t, 24*time.Hour, cfg.StateTTL())
	assert.Empty(t, cfg.DB.Path)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent_executions: 8
workers: 4
db:
  path: /var/lib/skein/skein.db
redis:
  addr: localhost:6379
  db: 2
log:
  format: json
  debug: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "/var/lib/skein/skein.db", cfg.DB.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Log.Debug)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SKEIN_WORKERS", "3")
	t.Setenv("SKEIN_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestRejectsNonPositiveLimits(t *testing.T) {
	t.Setenv("SKEIN_MAX_CONCURRENT_EXECUTIONS", "0")
	_, err := Load("")
	assert.Error(t, err)
}
