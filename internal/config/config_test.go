package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadUpstreamsFromBytes(t *testing.T) {
	raw := []byte(`{
		"mcpServers": {
			"alpha": {"command": "alpha-server", "args": ["--stdio"], "enabled": true},
			"beta": {"url": "http://localhost:9000", "sse_endpoint": "", "transport": "sse"}
		}
	}`)

	cfgs, err := LoadUpstreamsFromBytes(raw, "")
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	byName := map[string]bool{}
	for _, c := range cfgs {
		byName[c.Name] = true
		if c.Name == "beta" {
			assert.Equal(t, "", c.ResolvedSSEEndpoint(), "explicit empty sse_endpoint must not collapse to default")
		}
	}
	assert.True(t, byName["alpha"])
	assert.True(t, byName["beta"])
}

func TestLoadUpstreamsRejectsBothCommandAndURL(t *testing.T) {
	raw := []byte(`{"mcpServers": {"bad": {"command": "x", "url": "http://y"}}}`)
	_, err := LoadUpstreamsFromBytes(raw, "")
	assert.Error(t, err)
}

func TestScanDiscoveryDirStampsSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{"gamma":{"command":"gamma-bin"}}}`), 0o644))

	cfgs, err := ScanDiscoveryDir(dir, "editor-x")
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "editor-x", cfgs[0].Source)
}

func TestScanDiscoveryDirMissingIsNotError(t *testing.T) {
	cfgs, err := ScanDiscoveryDir(filepath.Join(t.TempDir(), "missing"), "x")
	require.NoError(t, err)
	assert.Nil(t, cfgs)
}

func TestResolvePortFallsBackWhenBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	preferred := busy.Addr().(*net.TCPAddr).Port

	port, err := ResolvePort("127.0.0.1", preferred, 10)
	require.NoError(t, err)
	assert.Greater(t, port, preferred)
	assert.Less(t, port, preferred+10)
}

func TestWriteDefaultSettingsRoundTripsThroughYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, WriteDefaultSettings(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var fromDisk GatewaySettings
	require.NoError(t, yaml.Unmarshal(data, &fromDisk))
	assert.Equal(t, defaultGatewaySettings(), fromDisk)

	loaded, err := LoadGatewaySettings(path)
	require.NoError(t, err)
	assert.Equal(t, defaultGatewaySettings(), loaded)
}
