package audit

import (
	"database/sql"
	"fmt"
)

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	OK       bool     `json:"ok"`
	Checked  int      `json:"checked"`
	Problems []string `json:"problems,omitempty"`
}

// Verify walks all events in the live database in chain order, checking
// that each row's prev_hash equals the previous row's hash and that each
// row's hash recomputes. It stops at the first break.
//
// After archival the first live row's prev_hash points at the last archived
// row's hash, which is not present in the live database. Callers that want
// full-history verification must pass that hash as expectedGenesis (see
// VerifyWithArchives); Verify alone accepts any starting prev_hash for the
// first row but still verifies the row hashes and all internal links.
func Verify(conn *sql.DB) (VerifyResult, error) {
	return verifyFrom(conn, "", false)
}

// VerifyChained verifies the live chain and additionally requires the first
// row's prev_hash to equal expectedPrev (GenesisHash for a never-archived
// database, or the last archived hash).
func VerifyChained(conn *sql.DB, expectedPrev string) (VerifyResult, error) {
	return verifyFrom(conn, expectedPrev, true)
}

func verifyFrom(conn *sql.DB, expectedPrev string, checkFirst bool) (VerifyResult, error) {
	rows, err := conn.Query(
		`SELECT id, event_type, COALESCE(session_id, ''), COALESCE(prompt_id, ''), payload, created_at, prev_hash, hash
		 FROM audit_events ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to read audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := VerifyResult{OK: true}
	prevHash := expectedPrev
	first := true

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return VerifyResult{}, err
		}

		if first {
			if checkFirst && event.PrevHash != prevHash {
				result.OK = false
				result.Problems = append(result.Problems, fmt.Sprintf(
					"Event 0 (%s): prev_hash mismatch: got %s, want %s",
					event.ID, event.PrevHash, prevHash))
				return result, nil
			}
			first = false
		} else if event.PrevHash != prevHash {
			result.OK = false
			result.Problems = append(result.Problems, fmt.Sprintf(
				"Event %d (%s): prev_hash mismatch: got %s, want %s",
				result.Checked, event.ID, event.PrevHash, prevHash))
			return result, nil
		}

		recomputed, err := ComputeHash(event)
		if err != nil {
			return VerifyResult{}, err
		}
		if recomputed != event.Hash {
			result.OK = false
			result.Problems = append(result.Problems, fmt.Sprintf(
				"Event %d (%s): hash mismatch: stored %s, recomputed %s",
				result.Checked, event.ID, event.Hash, recomputed))
			return result, nil
		}

		prevHash = event.Hash
		result.Checked++
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}
