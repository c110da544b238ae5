package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Manager owns all live session records. It is the only component that
// creates sessions and the only writer of session rows.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	db       *sql.DB
	log      *logger.Logger
}

// NewManager creates a manager persisting to the given database. A nil db
// keeps sessions in memory only (tests, dry runs).
func NewManager(conn *sql.DB, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		db:       conn,
		log:      log,
	}
}

// Create registers a new session in starting state and persists it.
func (m *Manager) Create(tool string, argv []string, cwd, label, tag string) (*Session, error) {
	s := New(tool, argv, cwd, label, tag)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.Persist(s); err != nil {
		return nil, err
	}
	m.log.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("tool", tool),
		zap.String("cwd", cwd))
	return s, nil
}

// Get returns the live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns snapshots of all live sessions, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Active returns live sessions not in a terminal state.
func (m *Manager) Active() []Snapshot {
	var active []Snapshot
	for _, snap := range m.List() {
		if !snap.Status.Terminal() {
			active = append(active, snap)
		}
	}
	return active
}

// Transition moves a session's status and persists the change.
func (m *Manager) Transition(sessionID string, status Status) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if err := s.SetStatus(status); err != nil {
		return err
	}
	return m.Persist(s)
}

// Persist writes the session row if a database is attached.
func (m *Manager) Persist(s *Session) error {
	if m.db == nil {
		return nil
	}
	return s.persist(m.db)
}

// Remove drops a terminal session from the live map. The persisted row
// remains as history.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// History reads persisted session rows, newest first, up to limit.
func (m *Manager) History(limit int) ([]Snapshot, error) {
	if m.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.Query(`
		SELECT session_id, tool, argv, cwd, label, pid, status, exit_code, created_at, updated_at, ended_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var argv, createdAt, updatedAt string
		var endedAt sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&snap.ID, &snap.Tool, &argv, &snap.Cwd, &snap.Label,
			&snap.PID, &snap.Status, &exitCode, &createdAt, &updatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		_ = json.Unmarshal([]byte(argv), &snap.Argv)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			snap.ExitCode = &code
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if endedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
				snap.EndedAt = &ts
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// RecordPrompt upserts a prompt's row. The router calls it on every
// lifecycle transition, so the state column always mirrors the in-memory
// state machine.
func (m *Manager) RecordPrompt(ev *detect.PromptEvent, state string) error {
	if m.db == nil {
		return nil
	}
	choices := "[]"
	if len(ev.Choices) > 0 {
		if raw, err := json.Marshal(ev.Choices); err == nil {
			choices = string(raw)
		}
	}
	_, err := m.db.Exec(`
		INSERT INTO prompts (prompt_id, session_id, prompt_type, confidence, excerpt, choices, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(prompt_id) DO UPDATE SET state = excluded.state`,
		ev.PromptID, ev.SessionID, string(ev.Type), string(ev.Confidence),
		ev.Excerpt, choices, state,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		ev.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record prompt: %w", err)
	}
	return nil
}

// RecordReply persists one channel reply with the gate's verdict. The
// caller passes the display value, so suppressed secrets never reach the
// database.
func (m *Manager) RecordReply(nonce, promptID, sessionID, value, identity, threadID string, accepted bool) error {
	if m.db == nil {
		return nil
	}
	if nonce == "" {
		// Plain text replies carry no callback nonce; mint a row key.
		nonce = uuid.NewString()
	}
	acceptedInt := 0
	if accepted {
		acceptedInt = 1
	}
	_, err := m.db.Exec(`
		INSERT OR IGNORE INTO replies (nonce, prompt_id, session_id, value, identity, thread_id, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nonce, promptID, sessionID, value, identity, threadID, acceptedInt,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}
	return nil
}

// MarkInterrupted flags still-open persisted sessions as crashed. Called
// once at daemon startup so a previous unclean shutdown leaves no rows
// stuck in a live status.
func (m *Manager) MarkInterrupted() (int, error) {
	if m.db == nil {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := m.db.Exec(`
		UPDATE sessions SET status = ?, updated_at = ?, ended_at = ?
		WHERE status IN (?, ?, ?, ?)`,
		string(StatusCrashed), now, now,
		string(StatusStarting), string(StatusRunning),
		string(StatusAwaitingReply), string(StatusPaused))
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
