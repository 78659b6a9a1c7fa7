package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/policy-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.Interval)
	assert.Equal(t, 200, cfg.Cleanup.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Conversion.TxTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
cleanup:
  retention: 90m
  batch_size: 50
`), 0o600))
	t.Setenv("POLICY_CLEANUP_BATCH_SIZE", "25")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 90*time.Minute, cfg.Cleanup.Retention)
	assert.Equal(t, 25, cfg.Cleanup.BatchSize)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("POLICY_STORE_DRIVER", "mongo")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "store.driver")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_AllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("POLICY_HTTP_ALLOWED_ORIGINS", "https://ops.example.com, https://console.example.com")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://ops.example.com", "https://console.example.com"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_EmptyAllowedOriginsDisablesCORS(t *testing.T) {
	t.Setenv("POLICY_HTTP_ALLOWED_ORIGINS", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.HTTP.AllowedOrigins)
}

func TestLoad_AllowedOriginsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  allowed_origins:
    - https://a.example.com
    - https://b.example.com
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.AllowedOrigins)
}
