package bundle

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/doctor"
	"github.com/atlasbridge/atlasbridge/internal/trace"
)

func readBundle(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(data)
	}
	return contents
}

func TestBundleContainsRedactedInputs(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"[telegram]\nbot_token = \"123456789:AAHdqTcvbXJ8qPsmrzoZWevuO5nfEiXBq_M\"\nallowed_users = [42]\n"), 0o600))

	dbPath := filepath.Join(dir, "test.db")
	conn, err := db.Open(dbPath)
	require.NoError(t, err)
	writer, err := audit.NewWriter(conn, logger.Default())
	require.NoError(t, err)
	_, err = writer.Append(audit.EventSessionStarted, "sess-1", "", map[string]any{"tool": "claude"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	tracePath := filepath.Join(dir, "trace.jsonl")
	tw, err := trace.NewWriter(tracePath, 0)
	require.NoError(t, err)
	_, err = tw.Append(trace.Entry{
		PolicyHash: "abc", Confidence: "high", Action: "require_human",
		IdempotencyKey: "k", RiskLevel: "low",
	})
	require.NoError(t, err)

	ro, err := db.OpenReader(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })

	outPath := filepath.Join(dir, "bundle.tar.gz")
	files, err := Write(outPath, Options{
		ConfigPath: configPath,
		TracePath:  tracePath,
		DB:         ro,
		Doctor:     doctor.Run(doctor.Options{ConfigPath: configPath, DBPath: dbPath}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"config.toml", "doctor.json", "trace.jsonl", "audit.jsonl"}, files)

	contents := readBundle(t, outPath)
	assert.NotContains(t, contents["config.toml"], "AAHdqTcvbXJ8qPsmrzoZWevuO5nfEiXBq_M")
	assert.Contains(t, contents["config.toml"], "[REDACTED:telegram_bot_token]")
	assert.Contains(t, contents["doctor.json"], "checks")
	assert.Contains(t, contents["trace.jsonl"], "require_human")
	assert.Contains(t, contents["audit.jsonl"], "session_started")

	info, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBundleWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "bundle.tar.gz")
	files, err := Write(outPath, Options{
		ConfigPath: filepath.Join(dir, "missing.toml"),
		TracePath:  filepath.Join(dir, "missing.jsonl"),
	})
	require.NoError(t, err)
	assert.NotContains(t, files, "audit.jsonl")

	contents := readBundle(t, outPath)
	assert.Contains(t, contents["config.toml"], "config unavailable")
}
