package searchdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 1000, cfg.Query.CountCutoff)
	assert.Equal(t, 100, cfg.Query.RandomRetries)
	assert.Equal(t, time.Second, cfg.Logging.SlowQueryThreshold)
	assert.Equal(t, "_tmp", cfg.Reload.TmpSuffix)
	assert.Equal(t, "_old", cfg.Reload.BackupPrefix)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "database.port", cfgErr.Field)

	cfg = DefaultConfig()
	cfg.Query.CountCutoff = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Reload.TmpSuffix = ""
	require.Error(t, cfg.Validate())
}

func TestLoadConfigDefaultsOnly(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Database.Host, cfg.Database.Host)
	assert.Equal(t, DefaultConfig().Query.CountCutoff, cfg.Query.CountCutoff)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "searchdb.yaml")
	content := []byte(`
database:
  host: db.example.com
  port: 5433
query:
  count_cutoff: 500
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 500, cfg.Query.CountCutoff)
	// Untouched settings keep their defaults.
	assert.Equal(t, 100, cfg.Query.RandomRetries)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "searchdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: from-file\n"), 0o600))

	t.Setenv("SEARCHDB_DATABASE__HOST", "from-env")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/searchdb.yaml")
	require.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "searchdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query:\n  count_cutoff: -5\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "query.count_cutoff", cfgErr.Field)
}
