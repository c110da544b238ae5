package commands

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRootCmd("test")
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return root.Execute()
}

const validPolicy = `
policy_version: "1"
name: test
rules:
  - id: allow-continue
    match:
      prompt_type: [yes_no]
      min_confidence: high
    action: auto_reply
    value: "y"
defaults:
  no_match: require_human
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	require.NoError(t, runCLI(t, "version", "--json"))
}

func TestAdapterListCommand(t *testing.T) {
	require.NoError(t, runCLI(t, "adapter", "list", "--json"))
}

func TestPolicyValidateAcceptsValidFile(t *testing.T) {
	path := writePolicy(t, validPolicy)
	require.NoError(t, runCLI(t, "policy", "validate", path, "--state-dir", t.TempDir()))
}

func TestPolicyValidateRejectsBrokenFile(t *testing.T) {
	path := writePolicy(t, "policy_version: \"1\"\nrules: [{id: broken}]\n")
	err := runCLI(t, "policy", "validate", path, "--state-dir", t.TempDir())
	require.Error(t, err)

	var cfgErr *misconfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestPolicyTestEvaluatesEvent(t *testing.T) {
	path := writePolicy(t, validPolicy)
	require.NoError(t, runCLI(t, "policy", "test", path,
		"--prompt-type", "yes_no", "--confidence", "high", "--explain"))
}

func TestPolicyCoverageCommand(t *testing.T) {
	path := writePolicy(t, validPolicy)
	require.NoError(t, runCLI(t, "policy", "coverage", path, "--json"))
}

func TestPolicyMigrateRewritesV0(t *testing.T) {
	v0 := `
policy_version: "0"
name: legacy
rules:
  - id: all-human
    action: require_human
`
	path := writePolicy(t, v0)
	require.NoError(t, runCLI(t, "policy", "migrate", path, "--write", "--state-dir", t.TempDir()))

	migrated, err := policy.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1", migrated.Version)
}

func TestProfileLifecycle(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, runCLI(t, "profile", "create", "nightly",
		"--tool", "claude", "--arg", "--dangerously-skip-permissions",
		"--default", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "profile", "list", "--json", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "profile", "show", "nightly", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "profile", "delete", "nightly", "--state-dir", stateDir))

	err := runCLI(t, "profile", "show", "nightly", "--state-dir", stateDir)
	require.Error(t, err)
}

func TestTrustGrantGatedByEdition(t *testing.T) {
	stateDir := t.TempDir()
	workspace := t.TempDir()

	t.Setenv("ATLASBRIDGE_EDITION", "")
	t.Setenv("ATLASBRIDGE_AUTHORITY_MODE", "")
	err := runCLI(t, "trust", "grant", workspace, "--state-dir", stateDir)
	require.Error(t, err)
	var denied *capability.DeniedError
	assert.True(t, errors.As(err, &denied))

	t.Setenv("ATLASBRIDGE_EDITION", "enterprise")
	t.Setenv("ATLASBRIDGE_AUTHORITY_MODE", "write_enabled")
	require.NoError(t, runCLI(t, "trust", "grant", workspace, "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "trust", "list", "--json", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "trust", "revoke", workspace, "--state-dir", stateDir))
}

func TestSessionsListWithoutDatabase(t *testing.T) {
	err := runCLI(t, "sessions", "list", "--state-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}

func TestRunWithoutToolOrProfile(t *testing.T) {
	err := runCLI(t, "run", "--state-dir", t.TempDir(),
		"--config", filepath.Join(t.TempDir(), "config.toml"))
	require.Error(t, err)

	var cfgErr *misconfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestStatusCommand(t *testing.T) {
	require.NoError(t, runCLI(t, "status", "--json",
		"--state-dir", t.TempDir(),
		"--config", filepath.Join(t.TempDir(), "config.toml")))
}

func TestDBInfoAndMigrate(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, runCLI(t, "db", "migrate", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "db", "info", "--json", "--state-dir", stateDir))
	require.NoError(t, runCLI(t, "db", "archive", "--dry-run", "--state-dir", stateDir))
}

func TestDebugBundleWritesTarball(t *testing.T) {
	stateDir := t.TempDir()
	outPath := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, runCLI(t, "debug", "bundle", "-o", outPath,
		"--state-dir", stateDir,
		"--config", filepath.Join(t.TempDir(), "config.toml")))

	info, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
	assert.Equal(t, 2, exitCodeFor(misconfig(errors.New("bad config"))))
	assert.Equal(t, 7, exitCodeFor(&exitCodeError{code: 7}))
	assert.Equal(t, 0, exitCodeFor(nil))
}
