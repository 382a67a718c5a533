package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/layout"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, "bind_addr: \":9000\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BindAddr)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 3, cfg.ReplicationFactor)
}

func TestLoadParsesPeers(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/meridian
peers:
  - node_id: aabbcc
    address: 10.0.0.2:7420
  - node_id: ddeeff
    address: 10.0.0.3:7420
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "aabbcc", cfg.Peers[0].NodeID)
	assert.Equal(t, "10.0.0.3:7420", cfg.Peers[1].Address)
}

func TestConsistencyModeParsesEachValue(t *testing.T) {
	cases := map[string]layout.ConsistencyMode{
		"":           layout.Consistent,
		"consistent": layout.Consistent,
		"degraded":   layout.Degraded,
		"dangerous":  layout.Dangerous,
	}
	for raw, want := range cases {
		cfg := Config{Consistency: raw}
		mode, err := cfg.ConsistencyMode()
		require.NoError(t, err)
		assert.Equal(t, want, mode)
	}
}

func TestConsistencyModeRejectsUnknownValue(t *testing.T) {
	cfg := Config{Consistency: "yolo"}
	_, err := cfg.ConsistencyMode()
	assert.Error(t, err)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
