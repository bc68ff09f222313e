package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("radio_a"))
	assert.NoError(t, NameValidator("companion-2.lan"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("Radio"))
	assert.Error(t, NameValidator("my radio"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestBackendValidator(t *testing.T) {
	assert.NoError(t, BackendValidator(0, BackendCfg{Id: "a", Protocol: ProtoMeshCore, Tcp: "host:5000"}))
	err := BackendValidator(1, BackendCfg{Id: "a", Protocol: ProtoMeshCore, Tcp: "host:5000", Serial: "/dev/ttyUSB0"})
	assert.ErrorContains(t, err, "backends[1]")
	err = BackendValidator(0, BackendCfg{Id: "a", Protocol: "lora", Tcp: "host:5000"})
	assert.ErrorContains(t, err, "backends[0].protocol")
	err = BackendValidator(0, BackendCfg{Id: "a", Protocol: ProtoMeshtastic, Tcp: "host"})
	assert.ErrorContains(t, err, "backends[0].tcp")
}

func TestCanonicalEndpoint_Tcp(t *testing.T) {
	a, err := CanonicalEndpoint(BackendCfg{Tcp: "LOCALHOST:4403"})
	require.NoError(t, err)
	b, err := CanonicalEndpoint(BackendCfg{Tcp: "127.0.0.1:4403"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	c, err := CanonicalEndpoint(BackendCfg{Tcp: "[::ffff:127.0.0.1]:4403"})
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestEndpointCollisionValidator_Symlink(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "ttyUSB0")
	require.NoError(t, os.WriteFile(dev, nil, 0600))
	alias := filepath.Join(dir, "usb-Heltec")
	require.NoError(t, os.Symlink(dev, alias))

	err := EndpointCollisionValidator([]BackendCfg{
		{Id: "radio", Protocol: ProtoMeshtastic, Serial: dev},
		{Id: "companion", Protocol: ProtoMeshCore, Serial: alias},
	})
	require.Error(t, err)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "backends[0].serial, backends[1].serial", ce.Field)
}

func TestEndpointCollisionValidator_Distinct(t *testing.T) {
	assert.NoError(t, EndpointCollisionValidator([]BackendCfg{
		{Id: "radio", Protocol: ProtoMeshtastic, Serial: "/dev/ttyUSB0"},
		{Id: "companion", Protocol: ProtoMeshCore, Serial: "/dev/ttyUSB1"},
	}))
}

func TestConfigValidator_DuplicateIds(t *testing.T) {
	cfg := SampleConfig()
	cfg.Backends[1].Id = cfg.Backends[0].Id
	_, err := ConfigValidator(&cfg)
	assert.ErrorContains(t, err, "duplicate backend id")
}

func TestConfigValidator_StoreAction(t *testing.T) {
	cfg := SampleConfig()
	cfg.Store.Action = "explode"
	_, err := ConfigValidator(&cfg)
	assert.ErrorContains(t, err, "store.action")
}
