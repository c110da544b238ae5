// Package session owns the supervisor's session records: lifecycle status,
// the single active prompt slot, the pending-prompt FIFO, and persistence
// of the session row.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusAwaitingReply Status = "awaiting_reply"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusCrashed       Status = "crashed"
	StatusCanceled      Status = "canceled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCrashed || s == StatusCanceled
}

// Session is one supervised agent run. Field access goes through the
// methods; the struct is shared between the supervisor's tasks.
type Session struct {
	mu sync.Mutex

	ID        string
	Tool      string
	Argv      []string
	Cwd       string
	Label     string
	Tag       string
	PID       int
	status    Status
	exitCode  *int
	CreatedAt time.Time
	updatedAt time.Time
	endedAt   *time.Time

	// activePrompt is the at-most-one prompt currently routed to a human.
	activePrompt *detect.PromptState
	// pending holds detected prompts waiting for the active slot, FIFO.
	pending []*detect.PromptState
	// messageHandles maps prompt_id to the channel message for edits.
	messageHandles map[string]string
	// autoReplies counts policy auto-replies for max_auto_replies budgets.
	autoReplies int
}

// New creates a session in starting state.
func New(tool string, argv []string, cwd, label, tag string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		Tool:           tool,
		Argv:           argv,
		Cwd:            cwd,
		Label:          label,
		Tag:            tag,
		status:         StatusStarting,
		CreatedAt:      now,
		updatedAt:      now,
		messageHandles: make(map[string]string),
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the session to a new status. Terminal states are sticky.
func (s *Session) SetStatus(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return fmt.Errorf("session %s is already %s", s.ID, s.status)
	}
	s.status = status
	s.updatedAt = time.Now().UTC()
	if status.Terminal() {
		now := s.updatedAt
		s.endedAt = &now
	}
	return nil
}

// SetPID records the child process ID once spawned.
func (s *Session) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PID = pid
}

// SetExitCode records the child's exit code.
func (s *Session) SetExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

// ExitCode returns the recorded exit code, if the child has exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// ActivePrompt returns the prompt currently occupying the single slot.
func (s *Session) ActivePrompt() *detect.PromptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePrompt
}

// ActivePromptID returns the active prompt's ID, or empty.
func (s *Session) ActivePromptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePrompt == nil {
		return ""
	}
	return s.activePrompt.Event().PromptID
}

// ClaimPromptSlot installs the prompt as active if the slot is free;
// otherwise it joins the FIFO and claimed is false.
func (s *Session) ClaimPromptSlot(ps *detect.PromptState) (claimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePrompt == nil {
		s.activePrompt = ps
		return true
	}
	s.pending = append(s.pending, ps)
	return false
}

// ReleasePromptSlot clears the active prompt and promotes the next queued
// one, returning it (or nil).
func (s *Session) ReleasePromptSlot() *detect.PromptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePrompt = nil
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		if next.Terminal() {
			continue
		}
		s.activePrompt = next
		return next
	}
	return nil
}

// PendingCount returns the queued prompt count.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetMessageHandle records the channel message handle for a prompt.
func (s *Session) SetMessageHandle(promptID, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandles[promptID] = handle
}

// MessageHandle returns the channel message handle for a prompt.
func (s *Session) MessageHandle(promptID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.messageHandles[promptID]
	return h, ok
}

// CountAutoReply bumps and returns the session's auto-reply counter.
func (s *Session) CountAutoReply() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReplies++
	return s.autoReplies
}

// AutoReplies returns the auto-reply count without bumping it.
func (s *Session) AutoReplies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReplies
}

// Snapshot is a copyable view for listings and persistence.
type Snapshot struct {
	ID        string     `json:"session_id"`
	Tool      string     `json:"tool"`
	Argv      []string   `json:"argv"`
	Cwd       string     `json:"cwd"`
	Label     string     `json:"label,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Status    Status     `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Pending   int        `json:"pending_prompts"`
	ActiveID  string     `json:"active_prompt_id,omitempty"`
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID: s.ID, Tool: s.Tool, Argv: s.Argv, Cwd: s.Cwd, Label: s.Label,
		PID: s.PID, Status: s.status, ExitCode: s.exitCode,
		CreatedAt: s.CreatedAt, UpdatedAt: s.updatedAt, EndedAt: s.endedAt,
		Pending: len(s.pending),
	}
	if s.activePrompt != nil {
		snap.ActiveID = s.activePrompt.Event().PromptID
	}
	return snap
}

// persist writes the session row, upserting on session_id.
func (s *Session) persist(conn *sql.DB) error {
	snap := s.Snapshot()
	argv, err := json.Marshal(snap.Argv)
	if err != nil {
		return fmt.Errorf("failed to serialize argv: %w", err)
	}
	var endedAt any
	if snap.EndedAt != nil {
		endedAt = snap.EndedAt.Format(time.RFC3339Nano)
	}
	var exitCode any
	if snap.ExitCode != nil {
		exitCode = *snap.ExitCode
	}
	_, err = conn.Exec(`
		INSERT INTO sessions (session_id, tool, argv, cwd, label, pid, status, exit_code, created_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pid = excluded.pid, status = excluded.status,
			exit_code = excluded.exit_code, updated_at = excluded.updated_at,
			ended_at = excluded.ended_at`,
		snap.ID, snap.Tool, string(argv), snap.Cwd, snap.Label, snap.PID,
		string(snap.Status), exitCode,
		snap.CreatedAt.Format(time.RFC3339Nano),
		snap.UpdatedAt.Format(time.RFC3339Nano), endedAt)
	if err != nil {
		return fmt.Errorf("failed to persist session %s: %w", snap.ID, err)
	}
	return nil
}
