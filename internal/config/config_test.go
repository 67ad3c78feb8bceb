package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Relay.Addr)
	assert.Equal(t, 30*time.Second, cfg.Device.HealthInterval)
	assert.Equal(t, 50, cfg.Device.ConsolidationThreshold)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
relay:
  addr: ":9000"
  jwt_secret: from-file
  token_ttl: 2h
device:
  peer_id: laptop
  actor_id: alice
  health_interval: 5s
  consolidation_threshold: 10
`), 0o600))

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("LEDGERSYNC_CONSOLIDATION_THRESHOLD", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.Relay.Addr)
	assert.Equal(t, "from-env", cfg.Relay.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.Relay.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.Device.HealthInterval)
	assert.Equal(t, 20, cfg.Device.ConsolidationThreshold)
	assert.NoError(t, cfg.ValidateRelay())
	assert.NoError(t, cfg.ValidateDevice())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("LEDGERSYNC_HEALTH_INTERVAL", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateRelay())
	assert.Error(t, cfg.ValidateDevice())
}
