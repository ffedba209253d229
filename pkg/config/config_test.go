package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	doc := `
device:
  beetle_1: "AA:BB:CC:DD:EE:01"
  beetle_3: "AA:BB:CC:DD:EE:03"
game:
  player_id: 7
time:
  response_timeout: 2s
metrics:
  addr: ":9100"
redis:
  addr: "localhost:6379"
  channel: "lasertag:events"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "AA:BB:CC:DD:EE:01", cfg.Device.Beetle1)
	assert.Equal(t, "AA:BB:CC:DD:EE:03", cfg.Device.Beetle3)
	assert.Equal(t, 7, cfg.Game.PlayerID)
	assert.Equal(t, 2*time.Second, cfg.Time.ResponseTimeout)
	// untouched defaults survive the merge
	assert.Equal(t, 5*time.Second, cfg.Time.ReconnectionInterval)
	assert.Equal(t, 6, cfg.Storage.MagSize)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "lasertag:events", cfg.Redis.Channel)
}

func TestValidateRejectsMissingDevices(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBudgets(t *testing.T) {
	cfg := Default()
	cfg.Device.Beetle1 = "AA:BB:CC:DD:EE:01"
	cfg.Storage.MaxQueueSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Device.Beetle1 = "AA:BB:CC:DD:EE:01"
	assert.NoError(t, cfg.Validate())
}
