package trust

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestGrantAndQuery(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	rec, err := store.Grant(dir, "telegram:12345", "telegram", "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Trusted)

	trusted, err := store.IsTrusted(dir)
	require.NoError(t, err)
	assert.True(t, trusted)

	got, found, err := store.Get(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "telegram:12345", got.Actor)
	assert.Nil(t, got.RevokedAt)
}

func TestGrantRequiresActor(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Grant(t.TempDir(), "", "", "")
	assert.ErrorIs(t, err, ErrActorRequired)
}

func TestRevokeAndRegrant(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	_, err := store.Grant(dir, "operator", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(dir))

	trusted, err := store.IsTrusted(dir)
	require.NoError(t, err)
	assert.False(t, trusted)

	got, found, err := store.Get(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, got.RevokedAt)

	// A grant after a revoke re-trusts and clears revoked_at.
	_, err = store.Grant(dir, "operator2", "", "")
	require.NoError(t, err)
	got, _, err = store.Get(dir)
	require.NoError(t, err)
	assert.True(t, got.Trusted)
	assert.Equal(t, "operator2", got.Actor)
	assert.Nil(t, got.RevokedAt)
}

func TestSymlinkResolvesToSameRow(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	store := newTestStore(t)

	base := t.TempDir()
	real := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(real, link))

	_, err := store.Grant(real, "operator", "", "")
	require.NoError(t, err)

	trusted, err := store.IsTrusted(link)
	require.NoError(t, err)
	assert.True(t, trusted, "symlinked spelling must resolve to the same trust row")

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUnknownPathNotTrusted(t *testing.T) {
	store := newTestStore(t)

	trusted, err := store.IsTrusted(t.TempDir())
	require.NoError(t, err)
	assert.False(t, trusted)
}
