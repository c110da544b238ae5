// Package bundle assembles a redacted diagnostics tarball: config with
// secrets removed, the recent decision trace, the audit tail, and doctor
// output. Everything passes the redactor before it reaches the archive.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/doctor"
	"github.com/atlasbridge/atlasbridge/internal/redact"
	"github.com/atlasbridge/atlasbridge/internal/trace"
)

const (
	auditTailEvents = 200
	traceTailLines  = 200
)

// Options locate the inputs of the bundle.
type Options struct {
	ConfigPath string
	TracePath  string
	// DB is an open read-only connection, or nil when no database exists.
	DB *sql.DB
	// Doctor is the report to embed; run it before bundling.
	Doctor doctor.Report
	Now    func() time.Time
}

// Write creates the tarball at outPath and returns the files it contains.
func Write(outPath string, opts Options) ([]string, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	var files []string
	add := func(name string, content []byte) error {
		files = append(files, name)
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(content)),
			ModTime: opts.Now().UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
		}
		return nil
	}

	if err := add("config.toml", redactedConfig(opts.ConfigPath)); err != nil {
		return nil, err
	}
	if err := add("doctor.json", marshal(opts.Doctor)); err != nil {
		return nil, err
	}
	traceContent, err := traceTail(opts.TracePath)
	if err != nil {
		return nil, err
	}
	if err := add("trace.jsonl", traceContent); err != nil {
		return nil, err
	}
	if opts.DB != nil {
		auditContent, err := auditTail(opts.DB)
		if err != nil {
			return nil, err
		}
		if err := add("audit.jsonl", auditContent); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress bundle: %w", err)
	}
	return files, nil
}

// DefaultName returns a timestamped bundle filename in dir.
func DefaultName(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("atlasbridge-debug-%s.tar.gz",
		now.UTC().Format("20060102-150405")))
}

func redactedConfig(configPath string) []byte {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return []byte(fmt.Sprintf("# config unavailable: %v\n", err))
	}
	return []byte(redact.RedactLabeled(string(raw)))
}

func traceTail(tracePath string) ([]byte, error) {
	entries, err := trace.Tail(tracePath, traceTailLines)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace for bundle: %w", err)
	}
	var out []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}

// auditTail emits the newest events as JSON lines, oldest first. Payloads
// were redacted at write time but pass the redactor again before leaving
// the machine.
func auditTail(conn *sql.DB) ([]byte, error) {
	rows, err := conn.Query(`
		SELECT id, event_type, COALESCE(session_id,''), COALESCE(prompt_id,''), payload, created_at, prev_hash, hash
		FROM audit_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, auditTailEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit tail for bundle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type line struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		SessionID string `json:"session_id,omitempty"`
		PromptID  string `json:"prompt_id,omitempty"`
		Payload   string `json:"payload"`
		CreatedAt string `json:"created_at"`
		PrevHash  string `json:"prev_hash"`
		Hash      string `json:"hash"`
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.ID, &l.EventType, &l.SessionID, &l.PromptID,
			&l.Payload, &l.CreatedAt, &l.PrevHash, &l.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		l.Payload = redact.Redact(l.Payload)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []byte
	for i := len(lines) - 1; i >= 0; i-- {
		raw, err := json.Marshal(lines[i])
		if err != nil {
			continue
		}
		out = append(out, raw...)
		out = append(out, '\n')
	}
	return out, nil
}

func marshal(v any) []byte {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return raw
}
