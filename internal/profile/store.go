// Package profile persists named run profiles: a tool, its argv, a working
// directory, and an optional policy file, so `run` can launch a configured
// agent by name.
package profile

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a profile name is unknown.
var ErrNotFound = errors.New("profile not found")

// Profile is one named run configuration.
type Profile struct {
	Name       string    `json:"name"`
	Tool       string    `json:"tool"`
	Argv       []string  `json:"argv,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	PolicyPath string    `json:"policy_path,omitempty"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store reads and writes profile rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an already-migrated database.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Save creates or replaces a profile by name.
func (s *Store) Save(p Profile) error {
	if p.Name == "" {
		return errors.New("profile name required")
	}
	if p.Tool == "" {
		return errors.New("profile tool required")
	}
	argv, err := json.Marshal(p.Argv)
	if err != nil {
		return fmt.Errorf("failed to serialize argv: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO profiles (name, tool, argv, cwd, policy_path, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tool = excluded.tool, argv = excluded.argv, cwd = excluded.cwd,
			policy_path = excluded.policy_path, updated_at = excluded.updated_at`,
		p.Name, p.Tool, string(argv), p.Cwd, p.PolicyPath, boolToInt(p.IsDefault), now, now)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.Name, err)
	}
	return nil
}

// Get returns the profile by name.
func (s *Store) Get(name string) (Profile, error) {
	row := s.db.QueryRow(`
		SELECT name, tool, argv, cwd, policy_path, is_default, created_at, updated_at
		FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, err
}

// List returns all profiles, default first, then by name.
func (s *Store) List() ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT name, tool, argv, cwd, policy_path, is_default, created_at, updated_at
		FROM profiles ORDER BY is_default DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a profile by name.
func (s *Store) Delete(name string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete profile %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// SetDefault marks one profile as the default, clearing any previous one.
func (s *Store) SetDefault(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE profiles SET is_default = 1, updated_at = ? WHERE name = ?`,
		s.now().UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("failed to set default profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := tx.Exec(`UPDATE profiles SET is_default = 0 WHERE name != ?`, name); err != nil {
		return fmt.Errorf("failed to clear previous default: %w", err)
	}
	return tx.Commit()
}

// Default returns the default profile, if one is set.
func (s *Store) Default() (Profile, bool, error) {
	row := s.db.QueryRow(`
		SELECT name, tool, argv, cwd, policy_path, is_default, created_at, updated_at
		FROM profiles WHERE is_default = 1 LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	var argv, createdAt, updatedAt string
	var isDefault int
	if err := row.Scan(&p.Name, &p.Tool, &argv, &p.Cwd, &p.PolicyPath,
		&isDefault, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("failed to scan profile row: %w", err)
	}
	_ = json.Unmarshal([]byte(argv), &p.Argv)
	p.IsDefault = isDefault == 1
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
