package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/redact"
	"go.uber.org/zap"
)

// storedTimeFormat is the column format for created_at. Fixed-width UTC
// nanoseconds, so lexicographic order equals chronological order and
// ORDER BY created_at walks the chain.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Writer appends events to the chain. All writes are serialized through a
// single mutex so the chain has a total order; it is the only component
// allowed to write the audit_events table.
type Writer struct {
	db       *sql.DB
	logger   *logger.Logger
	redactor *redact.Redactor
	now      func() time.Time

	mu       sync.Mutex
	lastHash string
}

// NewWriter creates a Writer, loading the chain tip from the database.
func NewWriter(conn *sql.DB, log *logger.Logger) (*Writer, error) {
	w := &Writer{
		db:       conn,
		logger:   log.WithFields(zap.String("component", "audit-writer")),
		redactor: redact.Default(),
		now:      time.Now,
	}
	tip, err := chainTip(conn)
	if err != nil {
		return nil, err
	}
	w.lastHash = tip
	return w, nil
}

// chainTip returns the hash of the newest event, or GenesisHash for an
// empty table.
func chainTip(conn *sql.DB) (string, error) {
	var hash string
	err := conn.QueryRow(
		"SELECT hash FROM audit_events ORDER BY created_at DESC, rowid DESC LIMIT 1",
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read audit chain tip: %w", err)
	}
	return hash, nil
}

// Append records one event. The payload is redacted before hashing so the
// stored form and the hashed form are identical.
func (w *Writer) Append(eventType, sessionID, promptID string, payload map[string]any) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	event := Event{
		ID:        NewEventID(),
		EventType: eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   w.redactPayload(payload),
		CreatedAt: w.now().UTC(),
		PrevHash:  w.lastHash,
	}

	hash, err := ComputeHash(event)
	if err != nil {
		return Event{}, err
	}
	event.Hash = hash

	rawPayload, err := json.Marshal(event.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to serialize audit payload: %w", err)
	}

	tx, err := w.db.Begin()
	if err != nil {
		return Event{}, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO audit_events (id, event_type, session_id, prompt_id, payload, created_at, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.EventType, nullable(event.SessionID), nullable(event.PromptID),
		string(rawPayload), event.CreatedAt.Format(storedTimeFormat), event.PrevHash, event.Hash,
	)
	if err != nil {
		_ = tx.Rollback()
		return Event{}, fmt.Errorf("failed to append audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("failed to commit audit event: %w", err)
	}

	w.lastHash = event.Hash
	w.logger.Debug("audit event appended",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.ID))
	return event, nil
}

// redactPayload applies the redactor to every string value, recursively.
func (w *Writer) redactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = w.redactValue(v)
	}
	return out
}

func (w *Writer) redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return w.redactor.Redact(t)
	case map[string]any:
		return w.redactPayload(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = w.redactValue(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = w.redactor.Redact(item)
		}
		return out
	default:
		return v
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Tail returns the newest n events, oldest first.
func (w *Writer) Tail(n int) ([]Event, error) {
	return tailEvents(w.db, n)
}

func tailEvents(conn *sql.DB, n int) ([]Event, error) {
	rows, err := conn.Query(
		`SELECT id, event_type, COALESCE(session_id, ''), COALESCE(prompt_id, ''), payload, created_at, prev_hash, hash
		 FROM audit_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit tail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	var rawPayload, createdAt string
	if err := row.Scan(&event.ID, &event.EventType, &event.SessionID, &event.PromptID,
		&rawPayload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
		return Event{}, fmt.Errorf("failed to scan audit event: %w", err)
	}
	if err := json.Unmarshal([]byte(rawPayload), &event.Payload); err != nil {
		return Event{}, fmt.Errorf("failed to decode audit payload for %s: %w", event.ID, err)
	}
	ts, err := time.Parse(storedTimeFormat, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse audit timestamp for %s: %w", event.ID, err)
	}
	event.CreatedAt = ts
	return event, nil
}
