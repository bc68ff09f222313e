package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "meshbridge.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestReadConfig_Defaults(t *testing.T) {
	p := writeConfig(t, `
id: home
backends:
  - id: radio
    protocol: meshtastic
    serial: /dev/ttyUSB0
`)
	cfg, warnings, err := ReadConfig(p)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "home", cfg.Id)
	assert.Equal(t, HealthCheckInterval, cfg.HealthCheckInterval)
	assert.Equal(t, SilenceTimeout, cfg.SilenceTimeout)
	assert.Equal(t, DedupWindow, cfg.DedupWindow)
	assert.Equal(t, DefaultBaudRate, cfg.Backends[0].Baud)
	assert.Equal(t, ActionAlert, cfg.Store.Action)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
}

func TestReadConfig_Durations(t *testing.T) {
	p := writeConfig(t, `
id: home
health_check_interval: 10s
silence_timeout: 20s
dedup_window: 5s
backends:
  - id: companion
    protocol: meshcore
    tcp: 10.0.0.5:5000
`)
	cfg, warnings, err := ReadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.DedupWindow)
	// 20s < 4 * 10s
	assert.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "silence_timeout")
}

func TestReadConfig_TooManyBackends(t *testing.T) {
	p := writeConfig(t, `
id: home
backends:
  - {id: a, protocol: meshtastic, tcp: "10.0.0.1:4403"}
  - {id: b, protocol: meshtastic, tcp: "10.0.0.2:4403"}
  - {id: c, protocol: meshtastic, tcp: "10.0.0.3:4403"}
`)
	_, _, err := ReadConfig(p)
	assert.True(t, IsConfigurationError(err))
}

func TestReadConfig_Malformed(t *testing.T) {
	p := writeConfig(t, "id: [unterminated")
	_, _, err := ReadConfig(p)
	assert.True(t, IsConfigurationError(err))
}

func TestSampleConfig_RoundTrip(t *testing.T) {
	cfg := SampleConfig()
	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	p := writeConfig(t, string(out))
	parsed, _, err := ReadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, cfg, *parsed)
}

func TestModeFor(t *testing.T) {
	m, err := ModeFor(nil)
	assert.NoError(t, err)
	assert.Equal(t, ModeStandalone, m)
	m, _ = ModeFor(make([]BackendCfg, 1))
	assert.Equal(t, ModeSingle, m)
	m, _ = ModeFor(make([]BackendCfg, 2))
	assert.Equal(t, ModeDual, m)
	_, err = ModeFor(make([]BackendCfg, 3))
	assert.Error(t, err)
}

func TestNodeRecord_MergeKeepsPublicKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	known := NodeRecord{NodeId: "!0000beef", DisplayName: "base", PublicKey: []byte{1, 2, 3}, LastSeen: now}
	merged := known.Merge(NodeRecord{NodeId: "!0000beef", LastSeen: now.Add(-time.Minute)})
	assert.Equal(t, []byte{1, 2, 3}, merged.PublicKey)
	assert.Equal(t, "base", merged.DisplayName)
	assert.Equal(t, now, merged.LastSeen)

	merged = merged.Merge(NodeRecord{DisplayName: "renamed", LastSeen: now.Add(time.Minute)})
	assert.Equal(t, "renamed", merged.DisplayName)
	assert.Equal(t, now.Add(time.Minute), merged.LastSeen)
}

func TestMakeDedupKey(t *testing.T) {
	sent := time.Unix(1700000000, 0)
	k := MakeDedupKey("!00000001", 42, sent)
	assert.Equal(t, k, MakeDedupKey("!00000001", 42, sent.Add(time.Second)))
	assert.NotEqual(t, k, MakeDedupKey("!00000001", 43, sent))
	assert.NotEqual(t, k, MakeDedupKey("!00000002", 42, sent))
	assert.Equal(t, MakeDedupKey("!00000001", 42, time.Time{}), MakeDedupKey("!00000001", 42, time.Time{}))
}
