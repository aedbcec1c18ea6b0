package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Liveness.Window)
	assert.Equal(t, 5*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Telemetry.HistoryInterval)
	assert.Equal(t, 3, cfg.Control.RetryMaxAttempts)
	assert.Equal(t, "memory", cfg.LiveTree.Backend)
	assert.Equal(t, "irrigation", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Equal(t, 50, cfg.Reports.DefaultEventLimit)
}

func TestLoad_LivenessWindowIsConfigurable(t *testing.T) {
	path := writeConfig(t, "liveness:\n  window_seconds: 10\n  sweep_interval_seconds: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Liveness.Window)
	assert.Equal(t, 2*time.Second, cfg.Liveness.SweepInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  dsn: \"file:from-file.db\"\n")
	t.Setenv("IRRIGATION_DB_DSN", "postgres://example/irrigation")
	t.Setenv("IRRIGATION_ADMIN_TOKEN", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://example/irrigation", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
