package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// PollerLock is an OS-level exclusive lock keyed by bot token, preventing
// two supervisor processes from polling the same bot and splitting its
// update stream.
type PollerLock struct {
	lock *flock.Flock
}

// AcquirePollerLock takes the exclusive lock for the given channel/token
// pair, failing immediately if another process holds it. The token never
// touches disk; the lock file is named by its hash.
func AcquirePollerLock(stateDir, channelName, token string) (*PollerLock, error) {
	lockDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	sum := sha256.Sum256([]byte(token))
	path := filepath.Join(lockDir,
		fmt.Sprintf("%s-%s.lock", channelName, hex.EncodeToString(sum[:8])))

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire poller lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another process is already polling this %s bot (lock %s)", channelName, filepath.Base(path))
	}
	return &PollerLock{lock: fl}, nil
}

// Release drops the lock.
func (p *PollerLock) Release() error {
	return p.lock.Unlock()
}
