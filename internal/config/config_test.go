package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/modeltype"
)

func resolve(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := Resolve(NewViper(), path)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := resolve(t, "")
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, []string{"*"}, cfg.EnabledTypes)
	assert.Equal(t, 60*time.Second, cfg.ShortPollInterval)
	assert.Equal(t, time.Hour, cfg.LongPollInterval)
	assert.True(t, cfg.NotifierEnabled)
	assert.Equal(t, cfg.ServerURL, cfg.NotifierURL)
	assert.Equal(t, DefaultDebugAddr, cfg.DebugAddr)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
account: pilot@driftlab.dev
server_url: https://sync.example.com
data_dir: /tmp/drift
enabled_types: [bookmark, session]
short_poll_interval: 30s
`), 0o600))

	cfg := resolve(t, path)
	assert.Equal(t, "pilot@driftlab.dev", cfg.Account)
	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, 30*time.Second, cfg.ShortPollInterval)
	assert.Equal(t, "https://sync.example.com", cfg.NotifierURL)
	require.NoError(t, cfg.Validate())

	types, err := cfg.EnabledTypeSet()
	require.NoError(t, err)
	assert.True(t, types.Equal(modeltype.NewSet(modeltype.Bookmarks, modeltype.Sessions)))
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account: file@driftlab.dev\n"), 0o600))
	t.Setenv("DRIFTSYNC_ACCOUNT", "env@driftlab.dev")

	cfg := resolve(t, path)
	assert.Equal(t, "env@driftlab.dev", cfg.Account)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := resolve(t, "")
		cfg.Account = "pilot@driftlab.dev"
		cfg.DataDir = t.TempDir()
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Account = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ServerURL = "ftp://nope"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ShortPollInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.EnabledTypes = []string{"no_such_type"}
	assert.Error(t, cfg.Validate())
}
