// Package db provides SQLite connection management and schema migrations
// for the supervisor's persistent state.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer; the
	// dashboard is the only reader and 4 is plenty.
	defaultReaderConns = 4
)

// Open opens the supervisor database configured for writes (single
// connection) and runs pending migrations.
func Open(dbPath string) (*sql.DB, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	// The audit hash chain depends on this total order.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenReader opens a read-only connection pool for the dashboard. Readers
// never block (or get blocked by) the writer under WAL.
func OpenReader(dbPath string) (*sql.DB, error) {
	normalized := normalizePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(defaultReaderConns)
	conn.SetMaxIdleConns(defaultReaderConns)
	return conn, nil
}

// DefaultPath returns the default database location under the state dir.
func DefaultPath() string {
	return filepath.Join(StateDir(), "atlasbridge.db")
}

// StateDir returns ~/.atlasbridge, creating nothing.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlasbridge"
	}
	return filepath.Join(home, ".atlasbridge")
}

func normalizePath(dbPath string) string {
	if strings.HasPrefix(dbPath, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, strings.TrimPrefix(dbPath, "~"))
		}
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
