package profile

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestSaveAndGet(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(Profile{
		Name: "review", Tool: "claude",
		Argv: []string{"claude", "--model", "opus"},
		Cwd:  "/work/repo", PolicyPath: "/work/policy.yaml",
	}))

	got, err := s.Get("review")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Tool)
	assert.Equal(t, []string{"claude", "--model", "opus"}, got.Argv)
	assert.Equal(t, "/work/policy.yaml", got.PolicyPath)
	assert.False(t, got.IsDefault)
}

func TestGetUnknown(t *testing.T) {
	s := testStore(t)
	_, err := s.Get("ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveReplacesExisting(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(Profile{Name: "review", Tool: "claude"}))
	require.NoError(t, s.Save(Profile{Name: "review", Tool: "codex", Cwd: "/other"}))

	got, err := s.Get("review")
	require.NoError(t, err)
	assert.Equal(t, "codex", got.Tool)
	assert.Equal(t, "/other", got.Cwd)
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(Profile{Name: "review", Tool: "claude"}))
	require.NoError(t, s.Delete("review"))
	assert.True(t, errors.Is(s.Delete("review"), ErrNotFound))
}

func TestSetDefaultIsExclusive(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(Profile{Name: "a", Tool: "claude"}))
	require.NoError(t, s.Save(Profile{Name: "b", Tool: "codex"}))

	require.NoError(t, s.SetDefault("a"))
	def, ok, err := s.Default()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", def.Name)

	require.NoError(t, s.SetDefault("b"))
	def, ok, err = s.Default()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", def.Name)

	profiles, err := s.List()
	require.NoError(t, err)
	defaults := 0
	for _, p := range profiles {
		if p.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
	// Default sorts first.
	assert.Equal(t, "b", profiles[0].Name)
}

func TestNoDefault(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.Default()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetDefaultUnknown(t *testing.T) {
	s := testStore(t)
	assert.True(t, errors.Is(s.SetDefault("ghost"), ErrNotFound))
}
