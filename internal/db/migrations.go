package db

import (
	"database/sql"
	"fmt"
)

// migrations is the ordered, forward-only migration list. Index i upgrades
// the schema from user_version i to i+1. Never reorder or edit a shipped
// entry; append instead.
var migrations = []string{
	// 1: core session-of-record tables.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id  TEXT PRIMARY KEY,
		tool        TEXT NOT NULL,
		argv        TEXT NOT NULL,
		cwd         TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		pid         INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		exit_code   INTEGER,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		ended_at    TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS prompts (
		prompt_id   TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(session_id),
		prompt_type TEXT NOT NULL,
		confidence  TEXT NOT NULL,
		excerpt     TEXT NOT NULL,
		choices     TEXT NOT NULL DEFAULT '[]',
		state       TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		expires_at  TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS replies (
		nonce       TEXT PRIMARY KEY,
		prompt_id   TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		value       TEXT NOT NULL,
		identity    TEXT NOT NULL,
		thread_id   TEXT NOT NULL DEFAULT '',
		accepted    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id);
	CREATE INDEX IF NOT EXISTS idx_replies_prompt ON replies(prompt_id);
	`,
	// 2: hash-chained audit log.
	`
	CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		session_id TEXT,
		prompt_id  TEXT,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
	`,
	// 3: workspace trust allowlist.
	`
	CREATE TABLE IF NOT EXISTS workspace_trust (
		path       TEXT PRIMARY KEY,
		trusted    INTEGER NOT NULL,
		actor      TEXT NOT NULL,
		channel    TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		granted_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);
	`,
	// 4: run profiles and provider config metadata (no key material).
	`
	CREATE TABLE IF NOT EXISTS profiles (
		name        TEXT PRIMARY KEY,
		tool        TEXT NOT NULL,
		argv        TEXT NOT NULL DEFAULT '[]',
		cwd         TEXT NOT NULL DEFAULT '',
		policy_path TEXT NOT NULL DEFAULT '',
		is_default  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS provider_configs (
		provider   TEXT PRIMARY KEY,
		key_prefix TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'unset',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`,
}

// SchemaVersion returns the current PRAGMA user_version of the database.
func SchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// TargetVersion returns the schema version this build migrates to.
func TargetVersion() int {
	return len(migrations)
}

// Migrate applies pending migrations in order. Each migration runs in its
// own transaction together with the user_version bump, so a crash leaves
// the database at a well-defined version.
func Migrate(conn *sql.DB) error {
	version, err := SchemaVersion(conn)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, len(migrations))
	}

	for next := version; next < len(migrations); next++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", next+1, err)
		}
		if _, err := tx.Exec(migrations[next]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", next+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to bump schema version to %d: %w", next+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", next+1, err)
		}
	}
	return nil
}
