package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoPathReturnsValidatedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 0.05, cfg.Chunking.OverlapFraction)
}

func TestLoad_MissingFilePathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_JSONFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"host":"127.0.0.1","port":9090}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_EnvOverridesTakePrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9090}}`), 0o644))

	t.Setenv("TRANSCRIBE_PORT", "7070")
	t.Setenv("TRANSCRIBE_STORE_DRIVER", "postgres")
	t.Setenv("TRANSCRIBE_STORE_DSN", "postgres://example/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestLoad_InvalidEnvNumericValueIsIgnored(t *testing.T) {
	t.Setenv("TRANSCRIBE_PORT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestValidate_RejectsPostgresDriverWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsIPFSDriverWithoutAPI(t *testing.T) {
	cfg := Default()
	cfg.ObjectStore.Driver = "ipfs"
	cfg.ObjectStore.IPFSAPI = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOverlapFractionOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Chunking.OverlapFraction = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownStoreDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "s3"
	assert.Error(t, cfg.Validate())
}
