package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "5m", cfg.Tracking.StopGracePeriod)
	assert.Equal(t, "00:03", cfg.Tracking.RolloverTime)
	assert.Equal(t, 64, cfg.Tracking.HistoryCacheSize)
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 8080
  https_port: 8443
tracking:
  stop_grace_period: 2m
  stop_grace: 1m
storage:
  redis:
    host: cache
`), 0o600))

	unknown, err := findUnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"server.https_port", "tracking.stop_grace"}, unknown)
}
