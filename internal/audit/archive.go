package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// maxArchives is the number of archive files kept next to the live
// database: audit_archive.1.db (newest) through audit_archive.3.db.
const maxArchives = 3

// ArchivePath returns the path of the n-th archive next to dbPath.
func ArchivePath(dbPath string, n int) string {
	return filepath.Join(filepath.Dir(dbPath), fmt.Sprintf("audit_archive.%d.db", n))
}

// Archive moves all events older than cutoff into a fresh
// audit_archive.1.db, rotating existing archives (.1 → .2 → .3, oldest
// dropped). Returns the number of rows moved. With dryRun set, nothing is
// moved or rotated and the would-be count is returned.
//
// The live chain restarts at the first remaining row, whose prev_hash is
// the hash of the last archived row. Full-history verification therefore
// needs the archives too; see VerifyWithArchives.
func Archive(conn *sql.DB, dbPath string, cutoff time.Time, dryRun bool) (int, error) {
	cutoffStr := cutoff.UTC().Format(storedTimeFormat)

	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM audit_events WHERE created_at < ?", cutoffStr,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archivable events: %w", err)
	}
	if count == 0 || dryRun {
		return count, nil
	}

	if err := rotateArchives(dbPath); err != nil {
		return 0, err
	}

	archivePath := ArchivePath(dbPath, 1)
	// ATTACH must run outside a transaction; the copy and delete then
	// share one transaction so a crash cannot lose rows. The pool holds a
	// single connection, so ATTACH and the transaction use the same one.
	if _, err := conn.Exec("ATTACH DATABASE ? AS archive", archivePath); err != nil {
		return 0, fmt.Errorf("failed to attach archive database: %w", err)
	}
	defer func() { _, _ = conn.Exec("DETACH DATABASE archive") }()

	tx, err := conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`
		CREATE TABLE archive.audit_events (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			session_id TEXT,
			prompt_id  TEXT,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to create archive table: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO archive.audit_events
		SELECT id, event_type, session_id, prompt_id, payload, created_at, prev_hash, hash
		FROM audit_events WHERE created_at < ?
		ORDER BY created_at ASC, rowid ASC`, cutoffStr); err != nil {
		return 0, fmt.Errorf("failed to copy events to archive: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM audit_events WHERE created_at < ?", cutoffStr); err != nil {
		return 0, fmt.Errorf("failed to delete archived events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}
	return count, nil
}

// rotateArchives shifts audit_archive.N files up by one, dropping the
// oldest.
func rotateArchives(dbPath string) error {
	oldest := ArchivePath(dbPath, maxArchives)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("failed to drop oldest archive: %w", err)
		}
	}
	for n := maxArchives - 1; n >= 1; n-- {
		from := ArchivePath(dbPath, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, ArchivePath(dbPath, n+1)); err != nil {
			return fmt.Errorf("failed to rotate archive %d: %w", n, err)
		}
	}
	return nil
}

// VerifyWithArchives verifies the full history: archives in age order
// (oldest archive first), then the live database, with the chain linked
// across file boundaries.
func VerifyWithArchives(conn *sql.DB, dbPath string) (VerifyResult, error) {
	expectedPrev := GenesisHash
	combined := VerifyResult{OK: true}

	for n := maxArchives; n >= 1; n-- {
		path := ArchivePath(dbPath, n)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		archiveConn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
		if err != nil {
			return VerifyResult{}, fmt.Errorf("failed to open archive %s: %w", path, err)
		}
		result, tip, err := verifyAndTip(archiveConn, expectedPrev)
		_ = archiveConn.Close()
		if err != nil {
			return VerifyResult{}, err
		}
		combined.Checked += result.Checked
		if !result.OK {
			combined.OK = false
			combined.Problems = append(combined.Problems, prefixProblems(path, result.Problems)...)
			return combined, nil
		}
		if tip != "" {
			expectedPrev = tip
		}
	}

	result, _, err := verifyAndTip(conn, expectedPrev)
	if err != nil {
		return VerifyResult{}, err
	}
	combined.Checked += result.Checked
	if !result.OK {
		combined.OK = false
		combined.Problems = append(combined.Problems, result.Problems...)
	}
	return combined, nil
}

// verifyAndTip verifies a single database and also returns the hash of its
// last event ("" if empty).
func verifyAndTip(conn *sql.DB, expectedPrev string) (VerifyResult, string, error) {
	result, err := VerifyChained(conn, expectedPrev)
	if err != nil {
		return VerifyResult{}, "", err
	}
	if !result.OK {
		return result, "", nil
	}
	tip, err := chainTip(conn)
	if err != nil {
		return VerifyResult{}, "", err
	}
	if tip == GenesisHash {
		tip = ""
	}
	return result, tip, nil
}

func prefixProblems(path string, problems []string) []string {
	out := make([]string, len(problems))
	for i, p := range problems {
		out[i] = fmt.Sprintf("%s: %s", filepath.Base(path), p)
	}
	return out
}
