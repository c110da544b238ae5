// Package commands implements the atlasbridge CLI. Every subcommand is a
// constructor returning a cobra.Command; Execute maps errors to the
// process exit codes (0 success, 1 operation failed, 2 misconfiguration).
package commands

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/db"
)

// exitCodeError carries a specific process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

// misconfigError marks configuration problems that should exit 2.
type misconfigError struct {
	err error
}

func (e *misconfigError) Error() string { return e.err.Error() }
func (e *misconfigError) Unwrap() error { return e.err }

func misconfig(err error) error {
	return &misconfigError{err: err}
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "atlasbridge",
		Short:         "Supervise interactive CLI agents and route their prompts to you",
		Long:          "atlasbridge runs an interactive command-line agent under a PTY,\ndetects when it is waiting for input, and routes the prompt to you\nover Telegram or Slack. Replies are gated, audited, and injected back\ninto the agent's terminal.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file path (default ~/.atlasbridge/config.toml)")
	root.PersistentFlags().String("state-dir", "", "state directory (default ~/.atlasbridge)")

	root.AddCommand(
		newRunCmd(),
		newSessionsCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newVersionCmd(version),
		newDBCmd(),
		newPolicyCmd(),
		newProfileCmd(),
		newAdapterCmd(),
		newTrustCmd(),
		newKeysCmd(),
		newDebugCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	err := NewRootCmd(version).Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCodeFor(err)
}

// exitCodeFor maps an error to the documented exit codes: 0 success,
// 1 operation failed, 2 misconfiguration. exitCodeError wins when present.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var cfgErr *misconfigError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadWithPath(path)
	if err != nil {
		return nil, path, misconfig(err)
	}
	return cfg, path, nil
}

func stateDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("state-dir")
	if dir == "" {
		return db.StateDir()
	}
	return dir
}

func dbPath(cmd *cobra.Command) string {
	return filepath.Join(stateDir(cmd), "atlasbridge.db")
}

func tracePath(cmd *cobra.Command) string {
	return filepath.Join(stateDir(cmd), "trace.jsonl")
}

// openDatabase opens the state database read-write, creating and migrating
// it when missing.
func openDatabase(cmd *cobra.Command) (*sql.DB, error) {
	return db.Open(dbPath(cmd))
}

// openDatabaseReader opens the state database read-only; missing databases
// surface as an error rather than being created.
func openDatabaseReader(cmd *cobra.Command) (*sql.DB, error) {
	path := dbPath(cmd)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database at %s; run a session first", path)
	}
	return db.OpenReader(path)
}

// capRegistry builds the capability registry for this invocation. Edition
// and authority mode come from the environment; the core read-only pair is
// the default.
func capRegistry() *capability.Registry {
	edition := capability.EditionCore
	if os.Getenv("ATLASBRIDGE_EDITION") == string(capability.EditionEnterprise) {
		edition = capability.EditionEnterprise
	}
	mode := capability.AuthorityReadOnly
	if os.Getenv("ATLASBRIDGE_AUTHORITY_MODE") == string(capability.AuthorityWriteEnabled) {
		mode = capability.AuthorityWriteEnabled
	}
	return capability.NewRegistry(edition, mode)
}

func newCLILogger() *logger.Logger {
	return logger.Default()
}
