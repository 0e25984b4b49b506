package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{"node-1":"127.0.0.1:7001","node-2":"127.0.0.1:7002","node-3":"127.0.0.1:7003"}`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c, 3)
	require.Equal(t, "127.0.0.1:7002", c.Addr("node-2"))
	require.True(t, c.Has("node-1"))
	require.False(t, c.Has("node-9"))
	require.Empty(t, c.Addr("node-9"))
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `not json`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `{}`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `{"node-1":""}`))
	require.Error(t, err)
}

func TestPeers(t *testing.T) {
	c := Cluster{"node-2": "b", "node-1": "a", "node-3": "c"}
	require.Equal(t, []string{"node-1", "node-3"}, c.Peers("node-2"))
	require.Equal(t, []string{"node-1", "node-2", "node-3"}, c.Peers("node-9"))
}
