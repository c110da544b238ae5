// Package trust persists the allowlist of workspace folders the supervisor
// may accept certain operations for. Paths are stored canonicalized, with
// symlinks resolved, so two spellings of the same folder share one row.
package trust

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrActorRequired is returned for grants without an actor; anonymous
// grants are not recorded.
var ErrActorRequired = errors.New("workspace trust grant requires an actor")

// Record is one trust row.
type Record struct {
	Path      string     `json:"path"`
	Trusted   bool       `json:"trusted"`
	Actor     string     `json:"actor"`
	Channel   string     `json:"channel,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Store reads and writes workspace trust rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store on an already-migrated database.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Canonicalize resolves symlinks and returns an absolute path. The path
// must exist; trusting a nonexistent folder is meaningless.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks for %s: %w", abs, err)
	}
	return resolved, nil
}

// Grant upserts a trust row for the canonical path. A grant after a revoke
// re-trusts and refreshes the actor and timestamp.
func (s *Store) Grant(path, actor, channel, sessionID string) (Record, error) {
	if actor == "" {
		return Record{}, ErrActorRequired
	}
	canonical, err := Canonicalize(path)
	if err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO workspace_trust (path, trusted, actor, channel, session_id, granted_at, revoked_at)
		VALUES (?, 1, ?, ?, ?, ?, NULL)
		ON CONFLICT(path) DO UPDATE SET
			trusted = 1, actor = excluded.actor, channel = excluded.channel,
			session_id = excluded.session_id, granted_at = excluded.granted_at,
			revoked_at = NULL`,
		canonical, actor, channel, sessionID, now.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, fmt.Errorf("failed to grant workspace trust: %w", err)
	}
	return Record{
		Path: canonical, Trusted: true, Actor: actor,
		Channel: channel, SessionID: sessionID, GrantedAt: now,
	}, nil
}

// Revoke flips trusted off and stamps revoked_at. Revoking an unknown path
// is a no-op.
func (s *Store) Revoke(path string) error {
	canonical, err := Canonicalize(path)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.db.Exec(
		"UPDATE workspace_trust SET trusted = 0, revoked_at = ? WHERE path = ?",
		now.Format(time.RFC3339Nano), canonical)
	if err != nil {
		return fmt.Errorf("failed to revoke workspace trust: %w", err)
	}
	return nil
}

// IsTrusted reports whether the canonical path is currently trusted.
func (s *Store) IsTrusted(path string) (bool, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return false, err
	}
	var trusted int
	err = s.db.QueryRow(
		"SELECT trusted FROM workspace_trust WHERE path = ?", canonical,
	).Scan(&trusted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read workspace trust: %w", err)
	}
	return trusted == 1, nil
}

// Get returns the trust record for the canonical path.
func (s *Store) Get(path string) (Record, bool, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return Record{}, false, err
	}
	row := s.db.QueryRow(`
		SELECT path, trusted, actor, channel, session_id, granted_at, revoked_at
		FROM workspace_trust WHERE path = ?`, canonical)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns all trust rows, trusted first, then by path.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT path, trusted, actor, channel, session_id, granted_at, revoked_at
		FROM workspace_trust ORDER BY trusted DESC, path ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace trust: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var trusted int
	var grantedAt string
	var revokedAt sql.NullString
	if err := row.Scan(&rec.Path, &trusted, &rec.Actor, &rec.Channel,
		&rec.SessionID, &grantedAt, &revokedAt); err != nil {
		return Record{}, err
	}
	rec.Trusted = trusted == 1
	if ts, err := time.Parse(time.RFC3339Nano, grantedAt); err == nil {
		rec.GrantedAt = ts
	}
	if revokedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, revokedAt.String); err == nil {
			rec.RevokedAt = &ts
		}
	}
	return rec, nil
}
