package doctor

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

func byName(r Report, name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestMissingEverythingIsWarnNotFail(t *testing.T) {
	dir := t.TempDir()
	report := Run(Options{
		ConfigPath: filepath.Join(dir, "config.toml"),
		DBPath:     filepath.Join(dir, "atlasbridge.db"),
	})
	assert.True(t, report.OK())

	cfg, ok := byName(report, "config")
	require.True(t, ok)
	assert.Equal(t, StatusWarn, cfg.Status)

	database, ok := byName(report, "database")
	require.True(t, ok)
	assert.Equal(t, StatusWarn, database.Status)
}

func TestLooseConfigPermissionsFail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[prompts]\ntimeout_seconds = 120\n"), 0o644))

	report := Run(Options{ConfigPath: path, DBPath: filepath.Join(t.TempDir(), "none.db")})
	perms, ok := byName(report, "config_permissions")
	require.True(t, ok)
	assert.Equal(t, StatusFail, perms.Status)
	assert.False(t, report.OK())
}

func TestHealthyDatabasePasses(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	report := Run(Options{
		ConfigPath: filepath.Join(t.TempDir(), "config.toml"),
		DBPath:     dbPath,
	})
	database, ok := byName(report, "database")
	require.True(t, ok)
	assert.Equal(t, StatusOK, database.Status)

	chain, ok := byName(report, "audit_chain")
	require.True(t, ok)
	assert.Equal(t, StatusOK, chain.Status)
}

func TestKeychainProbe(t *testing.T) {
	base := Options{
		ConfigPath: filepath.Join(t.TempDir(), "config.toml"),
		DBPath:     filepath.Join(t.TempDir(), "none.db"),
	}

	base.KeychainProbe = func() bool { return false }
	report := Run(base)
	kc, ok := byName(report, "keychain")
	require.True(t, ok)
	assert.Equal(t, StatusWarn, kc.Status)

	base.KeychainProbe = func() bool { return true }
	report = Run(base)
	kc, _ = byName(report, "keychain")
	assert.Equal(t, StatusOK, kc.Status)
}

func TestNoChannelConfiguredWarns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[prompts]\ntimeout_seconds = 120\n"), 0o600))

	report := Run(Options{ConfigPath: path, DBPath: filepath.Join(t.TempDir(), "none.db")})
	channels, ok := byName(report, "channels")
	require.True(t, ok)
	assert.Equal(t, StatusWarn, channels.Status)
}
