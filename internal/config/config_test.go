package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "shelfsync.db", cfg.DatabaseDSN)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.DryRun)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SHELFSYNC_WORKERS", "8")
	t.Setenv("SHELFSYNC_SYNC_INTERVAL", "30m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Minute, cfg.SyncInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"database_dsn: /var/lib/shelfsync/state.db\nworkers: 2\nredis_addr: localhost:6379\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/shelfsync/state.db", cfg.DatabaseDSN)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval, "unset keys keep defaults")
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("interval too short", func(t *testing.T) {
		t.Setenv("SHELFSYNC_SYNC_INTERVAL", "10s")
		_, err := Load("")
		assert.ErrorContains(t, err, "sync_interval")
	})

	t.Run("zero workers", func(t *testing.T) {
		t.Setenv("SHELFSYNC_WORKERS", "0")
		_, err := Load("")
		assert.ErrorContains(t, err, "workers")
	})
}
