package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Terminal.PullInterval)
	assert.Equal(t, "/api/admin/stats/stream", cfg.Terminal.StreamPath)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 72*time.Hour, cfg.Server.TokenTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminal.yaml")
	content := []byte(`
terminal:
  server_url: http://depot.local:9000
  workstation_id: 4
  pull_interval: 45s
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("DEPOT_TERMINAL_MACHINE_ID", "caisse-4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://depot.local:9000", cfg.Terminal.ServerURL)
	assert.Equal(t, 4, cfg.Terminal.WorkstationID)
	assert.Equal(t, 45*time.Second, cfg.Terminal.PullInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "caisse-4", cfg.Terminal.MachineID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	tooFast := cfg
	tooFast.Terminal.PullInterval = 5 * time.Second
	assert.Error(t, tooFast.Validate())

	tooSlow := cfg
	tooSlow.Terminal.PullInterval = 2 * time.Minute
	assert.Error(t, tooSlow.Validate())

	noURL := cfg
	noURL.Terminal.ServerURL = ""
	assert.Error(t, noURL.Validate())

	assert.Error(t, cfg.ValidateServer(), "jwt secret is empty by default")
	cfg.Server.JWTSecret = "s3cret"
	assert.NoError(t, cfg.ValidateServer())
}
