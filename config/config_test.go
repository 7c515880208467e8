package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaultsFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conode.toml")
	contents := `
data_dir = "/var/lib/conode"
listen_port = 9999
kind = "bootstrapper"
desired_nodes_count = 25
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/conode", cfg.DataDir)
	assert.Equal(t, uint16(9999), cfg.ListenPort)
	assert.True(t, cfg.IsBootstrapper())
	assert.Equal(t, uint16(25), cfg.DesiredNodesCount)

	// Fields absent from the file keep DefaultConfig's values.
	assert.Equal(t, DefaultConfig.DedupSizeShort, cfg.DedupSizeShort)
	assert.Equal(t, DefaultConfig.Version, cfg.Version)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestIntervalHelpersConvertUnits(t *testing.T) {
	cfg := Config{
		PollIntervalMillis:          250,
		HousekeepingIntervalSec:     30,
		BootstrappingIntervalSec:    300,
		BucketCleanupIntervalMillis: 60_000,
	}
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.HousekeepingInterval())
	assert.Equal(t, 300*time.Second, cfg.BootstrappingInterval())
	assert.Equal(t, 60*time.Second, cfg.BucketCleanupInterval())
}

func TestIsBootstrapper(t *testing.T) {
	assert.True(t, Config{Kind: "bootstrapper"}.IsBootstrapper())
	assert.False(t, Config{Kind: "node"}.IsBootstrapper())
	assert.False(t, Config{}.IsBootstrapper())
}
