package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasbridge.db")

	conn, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	version, err := SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, TargetVersion(), version)

	for _, table := range []string{
		"sessions", "prompts", "replies", "audit_events",
		"workspace_trust", "profiles", "provider_configs",
	} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s must exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasbridge.db")

	conn, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Migrate(conn))
	require.NoError(t, conn.Close())

	// Reopening re-runs Migrate against an up-to-date schema.
	conn, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	version, err := SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, TargetVersion(), version)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasbridge.db")

	conn, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Exec("PRAGMA user_version = 999")
	require.NoError(t, err)

	err = Migrate(conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestOpenReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasbridge.db")

	writer, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()

	reader, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	// Reads work.
	var count int
	require.NoError(t, reader.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 0, count)

	// Writes are rejected on the read-only pool.
	_, err = reader.Exec("INSERT INTO provider_configs (provider, created_at, updated_at) VALUES ('x', 0, 0)")
	assert.Error(t, err)
}
