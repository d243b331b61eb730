package migconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	SetConfigDir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	SetConfigDir(t.TempDir())
	cfg := &Config{DefaultPort: 9999, StepMode: true, LogLevel: "debug"}
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *loaded)
}

func TestConfigDir_EnvOverride(t *testing.T) {
	SetConfigDir("")
	t.Setenv("PROCMIGRATE_HOME", "/tmp/procmigrate-test-home")
	assert.Equal(t, "/tmp/procmigrate-test-home", ConfigDir())
}
