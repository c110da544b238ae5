// Package secrets stores provider API keys. The OS keychain is the
// preferred backend; when no keychain is reachable (headless hosts, CI),
// keys fall back to encrypted files under ~/.atlasbridge/keys/. The
// database never sees key material, only a 6-character prefix and
// lifecycle metadata.
package secrets

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/atlasbridge/atlasbridge/internal/redact"
)

const keyringService = "atlasbridge"

// ErrNotFound is returned when no key is stored for a provider.
var ErrNotFound = errors.New("no key stored for provider")

// backend abstracts where key material lives.
type backend interface {
	name() string
	set(provider, value string) error
	get(provider string) (string, error)
	delete(provider string) error
}

// Store manages provider keys across the active backend and the metadata
// table.
type Store struct {
	backend backend
	db      *sql.DB
	now     func() time.Time
}

// NewStore picks the backend: OS keychain if a probe write succeeds,
// encrypted files otherwise. db may be nil (no metadata recorded).
func NewStore(db *sql.DB, keysDir string) (*Store, error) {
	var b backend = keychainBackend{}
	if !keychainAvailable() {
		fb, err := newFileBackend(keysDir)
		if err != nil {
			return nil, err
		}
		b = fb
	}
	return &Store{backend: b, db: db, now: time.Now}, nil
}

// Backend reports which backend holds the keys ("keychain" or
// "encrypted_file").
func (s *Store) Backend() string {
	return s.backend.name()
}

// Set stores the key and records prefix metadata. Errors are scrubbed so a
// failing backend can never echo the key.
func (s *Store) Set(provider, value string) error {
	if provider == "" {
		return errors.New("provider name required")
	}
	if value == "" {
		return errors.New("empty key rejected")
	}
	if err := s.backend.set(provider, value); err != nil {
		return scrub(fmt.Errorf("failed to store key for %s: %w", provider, err), value)
	}
	return s.recordMetadata(provider, keyPrefix(value), "set")
}

// Get retrieves the key for a provider.
func (s *Store) Get(provider string) (string, error) {
	value, err := s.backend.get(provider)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) || errors.Is(err, errFileNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, provider)
		}
		return "", fmt.Errorf("failed to read key for %s: %w", provider, err)
	}
	return value, nil
}

// Delete removes the key and marks the metadata row revoked.
func (s *Store) Delete(provider string) error {
	if err := s.backend.delete(provider); err != nil &&
		!errors.Is(err, keyring.ErrNotFound) && !errors.Is(err, errFileNotFound) {
		return fmt.Errorf("failed to delete key for %s: %w", provider, err)
	}
	return s.recordMetadata(provider, "", "revoked")
}

// Metadata is the non-secret provider record shown in status output.
type Metadata struct {
	Provider  string    `json:"provider"`
	KeyPrefix string    `json:"key_prefix,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns metadata for every provider ever configured.
func (s *Store) List() ([]Metadata, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT provider, key_prefix, status, updated_at
		FROM provider_configs ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var updatedAt string
		if err := rows.Scan(&m.Provider, &m.KeyPrefix, &m.Status, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) recordMetadata(provider, prefix, status string) error {
	if s.db == nil {
		return nil
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO provider_configs (provider, key_prefix, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			key_prefix = excluded.key_prefix, status = excluded.status,
			updated_at = excluded.updated_at`,
		provider, prefix, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to record provider metadata: %w", err)
	}
	return nil
}

// keyPrefix returns the first 6 characters, the only fragment that may be
// persisted or displayed.
func keyPrefix(value string) string {
	if len(value) <= 6 {
		return value
	}
	return value[:6]
}

// scrub removes the key material from an error message.
func scrub(err error, secret string) error {
	return errors.New(redact.Default().RedactValue(err.Error(), secret))
}

// keychainBackend stores keys in the OS keychain.
type keychainBackend struct{}

func (keychainBackend) name() string { return "keychain" }

func (keychainBackend) set(provider, value string) error {
	return keyring.Set(keyringService, provider, value)
}

func (keychainBackend) get(provider string) (string, error) {
	return keyring.Get(keyringService, provider)
}

func (keychainBackend) delete(provider string) error {
	return keyring.Delete(keyringService, provider)
}

// keychainAvailable probes the keychain with a write+delete cycle.
func keychainAvailable() bool {
	const probe = "__atlasbridge_probe__"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}
