package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

func fileStore(t *testing.T) *Store {
	t.Helper()
	fb, err := newFileBackend(t.TempDir())
	require.NoError(t, err)
	return &Store{backend: fb, now: time.Now}
}

func TestFileBackendRoundTrip(t *testing.T) {
	s := fileStore(t)
	require.NoError(t, s.Set("anthropic", "sk-ant-REDACTED"))

	got, err := s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-REDACTED", got)
	assert.Equal(t, "encrypted_file", s.Backend())
}

func TestGetUnknownProvider(t *testing.T) {
	s := fileStore(t)
	_, err := s.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRemovesKey(t *testing.T) {
	s := fileStore(t)
	require.NoError(t, s.Set("openai", "sk-abcdefghij0123456789klmnop"))
	require.NoError(t, s.Delete("openai"))

	_, err := s.Get("openai")
	assert.True(t, errors.Is(err, ErrNotFound))
	// Deleting twice is not an error.
	require.NoError(t, s.Delete("openai"))
}

func TestKeyFileIsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	fb, err := newFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, fb.set("anthropic", "sk-ant-REDACTED"))

	info, err := os.Stat(filepath.Join(dir, "anthropic.enc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCiphertextHoldsNoPlaintext(t *testing.T) {
	dir := t.TempDir()
	fb, err := newFileBackend(dir)
	require.NoError(t, err)
	secret := "sk-ant-REDACTED"
	require.NoError(t, fb.set("anthropic", secret))

	blob, err := os.ReadFile(filepath.Join(dir, "anthropic.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), secret)
}

func TestTamperedFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	fb, err := newFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, fb.set("anthropic", "sk-ant-REDACTED"))

	path := filepath.Join(dir, "anthropic.enc")
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	_, err = fb.get("anthropic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestMasterKeySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fb, err := newFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, fb.set("anthropic", "sk-ant-REDACTED"))

	reopened, err := newFileBackend(dir)
	require.NoError(t, err)
	got, err := reopened.get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-REDACTED", got)
}

func TestMetadataRecordsPrefixOnly(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	fb, err := newFileBackend(t.TempDir())
	require.NoError(t, err)
	s := &Store{backend: fb, db: conn, now: time.Now}

	secret := "sk-ant-REDACTED"
	require.NoError(t, s.Set("anthropic", secret))

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "anthropic", metas[0].Provider)
	assert.Equal(t, "sk-ant", metas[0].KeyPrefix)
	assert.Equal(t, "set", metas[0].Status)

	require.NoError(t, s.Delete("anthropic"))
	metas, err = s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "revoked", metas[0].Status)
	assert.Empty(t, metas[0].KeyPrefix)
}

func TestErrorsNeverEchoKey(t *testing.T) {
	s := &Store{backend: failingBackend{}, now: time.Now}
	secret := "sk-ant-REDACTED"
	err := s.Set("anthropic", secret)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)
	assert.Contains(t, err.Error(), "[REDACTED]")
}

type failingBackend struct{}

func (failingBackend) name() string { return "failing" }
func (failingBackend) set(_, value string) error {
	return errors.New("backend rejected value " + value)
}
func (failingBackend) get(string) (string, error) { return "", errFileNotFound }
func (failingBackend) delete(string) error        { return nil }
