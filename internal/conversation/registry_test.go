package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

func newTestRegistry() (*Registry, *time.Time) {
	clock := time.Unix(1_700_000_000, 0)
	r := NewRegistry(logger.Default())
	r.now = func() time.Time { return clock }
	return r, &clock
}

func TestBindResolveUnbind(t *testing.T) {
	r, _ := newTestRegistry()

	r.Bind("telegram", "thread-1", "sess-a")
	sessionID, ok := r.Resolve("telegram", "thread-1")
	require.True(t, ok)
	assert.Equal(t, "sess-a", sessionID)

	_, ok = r.Resolve("telegram", "thread-2")
	assert.False(t, ok)

	// Binding the same thread again replaces the previous session.
	r.Bind("telegram", "thread-1", "sess-b")
	sessionID, _ = r.Resolve("telegram", "thread-1")
	assert.Equal(t, "sess-b", sessionID)

	removed := r.Unbind("sess-b")
	assert.Equal(t, 1, removed)
	_, ok = r.Resolve("telegram", "thread-1")
	assert.False(t, ok)
}

func TestCrossSessionSafety(t *testing.T) {
	r, _ := newTestRegistry()

	r.Bind("telegram", "thread-1", "sess-a")
	r.Bind("telegram", "thread-2", "sess-b")

	sessionID, _ := r.Resolve("telegram", "thread-1")
	assert.Equal(t, "sess-a", sessionID, "thread-1 may only reach its bound session")
	sessionID, _ = r.Resolve("telegram", "thread-2")
	assert.Equal(t, "sess-b", sessionID)
}

func TestTTLEnforcedLazily(t *testing.T) {
	r, clock := newTestRegistry()

	r.Bind("slack", "C123", "sess-a")
	*clock = clock.Add(3 * time.Hour)
	_, ok := r.Resolve("slack", "C123")
	require.True(t, ok)

	// Touch refreshes the window.
	r.Touch("slack", "C123")
	*clock = clock.Add(3 * time.Hour)
	_, ok = r.Resolve("slack", "C123")
	require.True(t, ok)

	*clock = clock.Add(5 * time.Hour)
	_, ok = r.Resolve("slack", "C123")
	assert.False(t, ok, "binding expired 4h after last activity")
}

func TestStateGraph(t *testing.T) {
	r, _ := newTestRegistry()
	r.Bind("telegram", "t1", "sess-a")

	require.NoError(t, r.Transition("telegram", "t1", StateRunning))
	require.NoError(t, r.Transition("telegram", "t1", StateStreaming))
	require.NoError(t, r.Transition("telegram", "t1", StateAwaitingInput))
	require.NoError(t, r.Transition("telegram", "t1", StateRunning))

	err := r.Transition("telegram", "t1", StateIdle)
	require.Error(t, err, "nothing transitions back to idle")

	require.NoError(t, r.Transition("telegram", "t1", StateStopped))
	err = r.Transition("telegram", "t1", StateRunning)
	require.Error(t, err, "stopped is terminal")
	assert.Contains(t, err.Error(), "illegal conversation transition")
}

func TestIdleCannotReachAwaitingDirectly(t *testing.T) {
	r, _ := newTestRegistry()
	r.Bind("telegram", "t1", "sess-a")

	err := r.Transition("telegram", "t1", StateAwaitingInput)
	require.Error(t, err)
}

func TestQueueBounded(t *testing.T) {
	r, _ := newTestRegistry()
	r.Bind("telegram", "t1", "sess-a")

	for i := 0; i < maxQueuedMessages; i++ {
		require.True(t, r.QueueMessage("telegram", "t1", "msg"))
	}
	assert.False(t, r.QueueMessage("telegram", "t1", "overflow"))

	drained := r.DrainMessages("telegram", "t1")
	assert.Len(t, drained, maxQueuedMessages)
	assert.Empty(t, r.DrainMessages("telegram", "t1"))
	assert.True(t, r.QueueMessage("telegram", "t1", "msg"))
}
