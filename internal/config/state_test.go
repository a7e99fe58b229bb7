package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadClusters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", clustersFileName)

	missing, err := LoadClusters(path)
	require.NoError(t, err)
	assert.Empty(t, missing)

	defs := []ClusterDefinition{
		{ID: "prod", Kubeconfig: "/k/prod", Context: "prod", Enabled: true},
		{ID: "dev", Kubeconfig: "/k/dev", Context: "dev", HTTPSProxy: "http://proxy:3128"},
	}
	require.NoError(t, SaveClusters(path, defs))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadClusters(path)
	require.NoError(t, err)
	assert.Equal(t, defs, loaded)

	require.NoError(t, SaveClusters(path, nil))
	loaded, err = LoadClusters(path)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadConfig_SavedClustersLayer(t *testing.T) {
	tempDir := isolate(t)

	writeFile(t, filepath.Join(tempDir, "home", userConfigDir, configFileName), `
clusters:
  - id: prod
    kubeconfig: /k/prod
    context: from-user
`)
	path, err := ClustersFilePath()
	require.NoError(t, err)
	require.NoError(t, SaveClusters(path, []ClusterDefinition{
		{ID: "prod", Kubeconfig: "/k/prod", Context: "from-saved", Enabled: true},
		{ID: "added", Kubeconfig: "/k/added", Context: "added", Enabled: true},
	}))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 2)
	assert.Equal(t, "from-saved", cfg.Clusters[0].Context)
	assert.Equal(t, "added", cfg.Clusters[1].ID)
}

func TestEnsureAdminToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), adminTokenFileName)

	first, err := EnsureAdminToken(path)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := EnsureAdminToken(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	read, err := ReadAdminToken(path)
	require.NoError(t, err)
	assert.Equal(t, first, read)
}
