// Package trace persists policy decisions as hash-chained JSON lines with
// size-based rotation, independently verifiable from the audit log.
package trace

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/redact"
)

const (
	// DefaultMaxBytes rotates the active file when it grows past 10 MiB.
	DefaultMaxBytes = 10 * 1024 * 1024
	// maxArchives is the number of rotated files kept (.1 newest, .3 oldest).
	maxArchives = 3
)

// genesisHash is the prev_hash of the first entry ever written.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one decision-trace line.
type Entry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	PromptID       string    `json:"prompt_id,omitempty"`
	PolicyHash     string    `json:"policy_hash"`
	MatchedRuleID  string    `json:"matched_rule_id,omitempty"`
	Confidence     string    `json:"confidence"`
	Action         string    `json:"action"`
	Explanation    string    `json:"explanation,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	RiskLevel      string    `json:"risk_level"`
	CreatedAt      time.Time `json:"created_at"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// computeHash hashes the canonical form of the entry: the JSON encoding
// with Hash cleared. Field order is fixed by the struct declaration.
func computeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to serialize trace entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Writer appends entries to the active trace file, rotating by size.
type Writer struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	lastHash string
	redactor *redact.Redactor
	now      func() time.Time
}

// NewWriter creates a writer for the trace file at path. The chain tip is
// recovered from the existing file, if any.
func NewWriter(path string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &Writer{
		path:     path,
		maxBytes: maxBytes,
		lastHash: genesisHash,
		redactor: redact.Default(),
		now:      time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	tip, err := lastHashInFile(path)
	if err != nil {
		return nil, err
	}
	if tip == "" {
		// Active file empty or missing: the tip may live in the newest
		// archive from a rotation that happened just before shutdown.
		tip, err = lastHashInFile(archivePath(path, 1))
		if err != nil {
			return nil, err
		}
	}
	if tip != "" {
		w.lastHash = tip
	}
	return w, nil
}

// Append writes one entry, filling ID, timestamps, and chain hashes.
// Free-text fields pass through the redactor.
func (w *Writer) Append(e Entry) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return Entry{}, err
	}

	if e.ID == "" {
		e.ID = newTraceID()
	}
	e.Explanation = w.redactor.Redact(e.Explanation)
	e.CreatedAt = w.now().UTC()
	e.PrevHash = w.lastHash

	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to serialize trace entry: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("failed to write trace entry: %w", err)
	}

	w.lastHash = e.Hash
	return e, nil
}

// rotateIfNeeded shifts archives when the active file exceeds maxBytes:
// .3 dropped, .2 → .3, .1 → .2, active → .1.
func (w *Writer) rotateIfNeeded() error {
	info, err := os.Stat(w.path)
	if err != nil || info.Size() <= w.maxBytes {
		return nil
	}

	oldest := archivePath(w.path, maxArchives)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("failed to drop oldest trace archive: %w", err)
		}
	}
	for n := maxArchives - 1; n >= 1; n-- {
		from := archivePath(w.path, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, archivePath(w.path, n+1)); err != nil {
			return fmt.Errorf("failed to rotate trace archive %d: %w", n, err)
		}
	}
	if err := os.Rename(w.path, archivePath(w.path, 1)); err != nil {
		return fmt.Errorf("failed to rotate active trace file: %w", err)
	}
	return nil
}

func archivePath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Tail returns the last n entries of the active file only.
func Tail(path string, n int) ([]Entry, error) {
	entries, err := readEntries(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// VerifyResult reports the outcome of a trace chain verification.
type VerifyResult struct {
	OK       bool     `json:"ok"`
	Checked  int      `json:"checked"`
	Problems []string `json:"problems,omitempty"`
}

// Verify walks all archives (oldest first) and the active file, checking
// the hash chain across file boundaries.
func Verify(path string) (VerifyResult, error) {
	result := VerifyResult{OK: true}
	expectedPrev := genesisHash

	files := make([]string, 0, maxArchives+1)
	for n := maxArchives; n >= 1; n-- {
		p := archivePath(path, n)
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	files = append(files, path)

	for _, p := range files {
		entries, err := readEntries(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return VerifyResult{}, err
		}
		for _, e := range entries {
			if e.PrevHash != expectedPrev {
				result.OK = false
				result.Problems = append(result.Problems, fmt.Sprintf(
					"%s: entry %d (%s): prev_hash mismatch: got %s, want %s",
					filepath.Base(p), result.Checked, e.ID, e.PrevHash, expectedPrev))
				return result, nil
			}
			recomputed, err := computeHash(e)
			if err != nil {
				return VerifyResult{}, err
			}
			if recomputed != e.Hash {
				result.OK = false
				result.Problems = append(result.Problems, fmt.Sprintf(
					"%s: entry %d (%s): hash mismatch",
					filepath.Base(p), result.Checked, e.ID))
				return result, nil
			}
			expectedPrev = e.Hash
			result.Checked++
		}
	}
	return result, nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: malformed trace line: %w", filepath.Base(path), lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

func lastHashInFile(path string) (string, error) {
	entries, err := readEntries(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Hash, nil
}

func newTraceID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
