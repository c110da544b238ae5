package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var errFileNotFound = errors.New("key file not found")

const (
	masterKeyFile = "master.key"
	saltLen       = 16

	// scrypt cost parameters (interactive profile).
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// fileBackend encrypts each provider key into its own file under keysDir.
// A random master secret (0600) plus a per-file salt derives the cipher key
// via scrypt; the payload is sealed with XChaCha20-Poly1305.
//
// File layout: salt(16) || nonce(24) || ciphertext.
type fileBackend struct {
	dir    string
	master []byte
}

func newFileBackend(dir string) (*fileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}
	master, err := loadOrCreateMaster(filepath.Join(dir, masterKeyFile))
	if err != nil {
		return nil, err
	}
	return &fileBackend{dir: dir, master: master}, nil
}

func loadOrCreateMaster(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("master key file %s is corrupt", path)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	master := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(path, master, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return master, nil
}

func (f *fileBackend) name() string { return "encrypted_file" }

func (f *fileBackend) path(provider string) string {
	return filepath.Join(f.dir, provider+".enc")
}

func (f *fileBackend) set(provider, value string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := f.cipherFor(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(value), []byte(provider))
	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	if err := os.WriteFile(f.path(provider), blob, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (f *fileBackend) get(provider string) (string, error) {
	blob, err := os.ReadFile(f.path(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errFileNotFound
		}
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	if len(blob) < saltLen+chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("key file for %s is truncated", provider)
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	sealed := blob[saltLen+chacha20poly1305.NonceSizeX:]

	aead, err := f.cipherFor(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(provider))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key for %s: %w", provider, err)
	}
	return string(plain), nil
}

func (f *fileBackend) delete(provider string) error {
	if err := os.Remove(f.path(provider)); err != nil {
		if os.IsNotExist(err) {
			return errFileNotFound
		}
		return fmt.Errorf("failed to remove key file: %w", err)
	}
	return nil
}

func (f *fileBackend) cipherFor(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(f.master, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	return aead, nil
}
