package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("version: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultSupersededMetric), cfg.Routing.SupersededMetric)
	assert.Equal(t, uint16(DefaultRelayPort), cfg.Relay.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.DebounceDuration())
	assert.Equal(t, "netguard", cfg.Firewall.SessionName)
	assert.Zero(t, cfg.IPC.IdleTimeoutDuration())
}

func TestParseConfigSections(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: 1
logging:
  level: debug
  components:
    Route: warn
ipc:
  address: /tmp/ng.sock
  idle_timeout: 30s
routing:
  superseded_metric: 4000
relay:
  enabled: true
  port: 5353
  timeout: 2s
metrics:
  listen: 127.0.0.1:9310
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ng.sock", cfg.IPC.Address)
	assert.Equal(t, 30*time.Second, cfg.IPC.IdleTimeoutDuration())
	assert.Equal(t, uint32(4000), cfg.Routing.SupersededMetric)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, uint16(5353), cfg.Relay.Port)
	assert.Equal(t, 2*time.Second, cfg.Relay.TimeoutDuration())
	assert.Equal(t, "warn", cfg.Logging.Components["Route"])
}

func TestParseConfigValidation(t *testing.T) {
	_, err := ParseConfig([]byte("version: 1\nipc:\n  idle_timeout: soon\nmetrics:\n  listen: nope\n"))
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
	assert.Contains(t, err.Error(), "ipc.idle_timeout")
	assert.Contains(t, err.Error(), "metrics.listen")

	_, err = ParseConfig([]byte("version: 1\nlogging:\n  level: loud\n"))
	assert.Error(t, err)
}

func TestMigrateUnversionedConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("log_level: debug\npipe_name: '\\\\.\\pipe\\old'\nrelay_port: 5300\nrelay:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, `\\.\pipe\old`, cfg.IPC.Address)
	assert.Equal(t, uint16(5300), cfg.Relay.Port)
	assert.True(t, cfg.Relay.Enabled)
}

func TestMigrateKeepsSectionValues(t *testing.T) {
	raw := map[string]any{
		"relay_port": 5300,
		"relay":      map[string]any{"port": 5400},
	}
	version, migrated, err := MigrateConfig(raw)
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, 1, version)
	assert.Equal(t, 5400, raw["relay"].(map[string]any)["port"])
	assert.NotContains(t, raw, "relay_port")

	_, _, err = MigrateConfig(map[string]any{"version": CurrentConfigVersion + 1})
	assert.True(t, IsConfiguration(err))

	_, _, err = MigrateConfig(map[string]any{"log_level": "info", "logging": "flat"})
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nrouting:\n  superseded_metric: 77\n"), 0o600))

	bus := NewEventBus()
	reloaded := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded++ })

	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())
	assert.Equal(t, uint32(77), cm.Get().Routing.SupersededMetric)
	assert.Equal(t, 1, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nrouting:\n  superseded_metric: -1\n"), 0o600))
	assert.Error(t, cm.Load())
	assert.Equal(t, uint32(77), cm.Get().Routing.SupersededMetric)

	require.NoError(t, cm.Save())
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), again.Routing.SupersededMetric)
}
