package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewManager(conn, logger.Default())
}

func promptState(id string) *detect.PromptState {
	return detect.NewPromptState(&detect.PromptEvent{
		PromptID:  id,
		Type:      detect.PromptYesNo,
		ExpiresAt: time.Now().Add(time.Minute),
	})
}

func TestCreateAndTransition(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("claude", []string{"claude", "--dangerously"}, "/tmp/repo", "demo", "")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, s.Status())
	assert.NotEmpty(t, s.ID)

	require.NoError(t, m.Transition(s.ID, StatusRunning))
	require.NoError(t, m.Transition(s.ID, StatusCompleted))

	// Terminal states are sticky.
	err = m.Transition(s.ID, StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestSinglePromptSlotWithFIFO(t *testing.T) {
	s := New("codex", nil, "/tmp", "", "")

	first, second, third := promptState("p1"), promptState("p2"), promptState("p3")
	assert.True(t, s.ClaimPromptSlot(first))
	assert.False(t, s.ClaimPromptSlot(second), "slot occupied, must queue")
	assert.False(t, s.ClaimPromptSlot(third))
	assert.Equal(t, "p1", s.ActivePromptID())
	assert.Equal(t, 2, s.PendingCount())

	next := s.ReleasePromptSlot()
	require.NotNil(t, next)
	assert.Equal(t, "p2", next.Event().PromptID)
	assert.Equal(t, "p2", s.ActivePromptID())

	// A queued prompt that expired while waiting is skipped on promotion.
	require.NoError(t, third.Advance(detect.StatusExpired))
	assert.Nil(t, s.ReleasePromptSlot())
	assert.Empty(t, s.ActivePromptID())
}

func TestMessageHandles(t *testing.T) {
	s := New("claude", nil, "/tmp", "", "")
	s.SetMessageHandle("p1", "telegram:42:1007")

	h, ok := s.MessageHandle("p1")
	require.True(t, ok)
	assert.Equal(t, "telegram:42:1007", h)

	_, ok = s.MessageHandle("p2")
	assert.False(t, ok)
}

func TestAutoReplyCounter(t *testing.T) {
	s := New("claude", nil, "/tmp", "", "")
	assert.Equal(t, 0, s.AutoReplies())
	assert.Equal(t, 1, s.CountAutoReply())
	assert.Equal(t, 2, s.CountAutoReply())
	assert.Equal(t, 2, s.AutoReplies())
}

func TestHistoryRoundTrip(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("claude", []string{"claude", "-c"}, "/tmp/repo", "roundtrip", "")
	require.NoError(t, err)
	s.SetPID(4242)
	s.SetExitCode(0)
	require.NoError(t, m.Transition(s.ID, StatusCompleted))

	snaps, err := m.History(10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, s.ID, snaps[0].ID)
	assert.Equal(t, []string{"claude", "-c"}, snaps[0].Argv)
	assert.Equal(t, StatusCompleted, snaps[0].Status)
	require.NotNil(t, snaps[0].ExitCode)
	assert.Equal(t, 0, *snaps[0].ExitCode)
	assert.NotNil(t, snaps[0].EndedAt)
}

func TestRecordPromptAndReply(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("claude", nil, "/tmp/repo", "", "")
	require.NoError(t, err)

	ev := &detect.PromptEvent{
		PromptID:   "p-rec",
		SessionID:  s.ID,
		Type:       detect.PromptYesNo,
		Confidence: detect.ConfidenceHigh,
		Excerpt:    "Continue? [y/n]",
		Choices:    []string{"y", "n"},
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, m.RecordPrompt(ev, string(detect.StatusDetected)))
	// Re-recording upserts: only the state column moves.
	require.NoError(t, m.RecordPrompt(ev, string(detect.StatusResolved)))

	var state, choices string
	require.NoError(t, m.db.QueryRow(
		"SELECT state, choices FROM prompts WHERE prompt_id = ?", ev.PromptID,
	).Scan(&state, &choices))
	assert.Equal(t, "resolved", state)
	assert.JSONEq(t, `["y","n"]`, choices)

	require.NoError(t, m.RecordReply("nonce-1", ev.PromptID, s.ID, "y", "telegram:42", "", true))
	// A plain-text reply carries no nonce; the row still lands.
	require.NoError(t, m.RecordReply("", ev.PromptID, s.ID, "stray", "telegram:42", "", false))

	var accepted int
	require.NoError(t, m.db.QueryRow(
		"SELECT accepted FROM replies WHERE nonce = ?", "nonce-1",
	).Scan(&accepted))
	assert.Equal(t, 1, accepted)

	var count int
	require.NoError(t, m.db.QueryRow(
		"SELECT COUNT(*) FROM replies WHERE prompt_id = ?", ev.PromptID,
	).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestRecordPromptWithoutDatabaseIsNoOp(t *testing.T) {
	m := NewManager(nil, logger.Default())
	ev := &detect.PromptEvent{PromptID: "p1", SessionID: "s1"}
	require.NoError(t, m.RecordPrompt(ev, string(detect.StatusDetected)))
	require.NoError(t, m.RecordReply("n1", "p1", "s1", "y", "id", "", true))
}

func TestMarkInterrupted(t *testing.T) {
	m := newTestManager(t)

	running, err := m.Create("claude", nil, "/tmp", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Transition(running.ID, StatusRunning))

	done, err := m.Create("claude", nil, "/tmp", "", "")
	require.NoError(t, err)
	require.NoError(t, m.Transition(done.ID, StatusCompleted))

	n, err := m.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the live session is marked crashed")

	snaps, err := m.History(10)
	require.NoError(t, err)
	byID := map[string]Snapshot{}
	for _, s := range snaps {
		byID[s.ID] = s
	}
	assert.Equal(t, StatusCrashed, byID[running.ID].Status)
	assert.Equal(t, StatusCompleted, byID[done.ID].Status)
}
