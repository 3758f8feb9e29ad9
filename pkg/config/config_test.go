package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/common"
	"tomorecon/pkg/stages"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.True(t, cfg.Pipeline.Queue)
	assert.Equal(t, runtime.NumCPU(), cfg.Pipeline.Workers)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tomorecon.yaml")
	data := `
server:
  address: 127.0.0.1:9000
pipeline:
  queue: false
  workers: 3
  defaults:
    ring_removal:
      strength: 0.3
      window: 7
    cor_estimation:
      search_range: [20, 40]
storage:
  driver: mysql
  dsn: user:pw@tcp(db:3306)/recon
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.False(t, cfg.Pipeline.Queue)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
	// untouched sections keep their defaults
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)

	// yaml values pass the stage schema
	registry, err := stages.Default(stages.Options{}).WithDefaults(cfg.Pipeline.Defaults)
	require.NoError(t, err)
	params, err := registry.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, params[stages.RingRemoval].Float("strength"))
	assert.Equal(t, 7, params[stages.RingRemoval].Int("window"))
	rng, ok := params[stages.CoREstimation].Range("search_range")
	assert.True(t, ok)
	assert.Equal(t, [2]float64{20, 40}, rng)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOMORECON_ADDR", ":7070")
	t.Setenv("TOMORECON_DB_DSN", "/var/lib/tomorecon/ledger.db")
	t.Setenv("TOMORECON_LOG_PATH", "/var/log/tomorecon.log")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "/var/lib/tomorecon/ledger.db", cfg.Storage.DSN)
	assert.Equal(t, "/var/log/tomorecon.log", cfg.LogOptions().Path)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"driver.yaml":  "storage:\n  driver: postgres\n",
		"workers.yaml": "pipeline:\n  workers: -2\n",
		"syntax.yaml":  "server: [unclosed\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := LoadConfig(path)
		assert.True(t, common.IsKind(err, common.InvalidParameter), "%s: %v", name, err)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tomorecon.yaml")
	require.NoError(t, CreateDefaultConfigFile(path, false))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	err = CreateDefaultConfigFile(path, false)
	assert.True(t, common.IsKind(err, common.Conflict), "%v", err)

	cfg.Pipeline.Workers = 3
	require.NoError(t, SaveConfig(cfg, path))
	require.NoError(t, CreateDefaultConfigFile(path, true))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline.Workers, cfg.Pipeline.Workers)
}

func TestSaveRefusesInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tomorecon.yaml")
	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"

	err := SaveConfig(cfg, path)
	assert.True(t, common.IsKind(err, common.InvalidParameter), "%v", err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSavedFileStartsWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tomorecon.yaml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# tomorecon configuration"))
}
