package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// fakeChannel is an in-memory Channel for fanout tests.
type fakeChannel struct {
	mu       sync.Mutex
	name     string
	sendErr  error
	prompts  []string
	notifies []string
	outputs  []string
	edits    map[string]string
	replies  []Reply
	allowed  map[string]bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:    name,
		edits:   map[string]string{},
		allowed: map[string]bool{name + ":42": true},
	}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) SendPrompt(_ context.Context, ev *detect.PromptEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.prompts = append(f.prompts, ev.PromptID)
	return "m1", nil
}

func (f *fakeChannel) Notify(_ context.Context, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.notifies = append(f.notifies, text)
	return nil
}

func (f *fakeChannel) SendOutput(_ context.Context, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.outputs = append(f.outputs, text)
	return nil
}

func (f *fakeChannel) EditPromptMessage(_ context.Context, messageID, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.edits[messageID] = newText
	return nil
}

func (f *fakeChannel) ReceiveReplies(ctx context.Context, out chan<- Reply) error {
	for _, r := range f.replies {
		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) IsAllowed(identity string) bool { return f.allowed[identity] }

func TestMultiChannelPrefixesMessageIDs(t *testing.T) {
	tg, sl := newFakeChannel("telegram"), newFakeChannel("slack")
	m, err := NewMultiChannel(logger.Default(), tg, sl)
	require.NoError(t, err)

	id, err := m.SendPrompt(context.Background(), &detect.PromptEvent{PromptID: "p1"})
	require.NoError(t, err)

	parts := strings.Split(id, ",")
	assert.Len(t, parts, 2)
	assert.Contains(t, parts, "telegram:m1")
	assert.Contains(t, parts, "slack:m1")
}

func TestMultiChannelToleratesOneFailure(t *testing.T) {
	tg, sl := newFakeChannel("telegram"), newFakeChannel("slack")
	sl.sendErr = errors.New("slack down")
	m, err := NewMultiChannel(logger.Default(), tg, sl)
	require.NoError(t, err)

	id, err := m.SendPrompt(context.Background(), &detect.PromptEvent{PromptID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "telegram:m1", id)

	require.NoError(t, m.Notify(context.Background(), "hello", ""))
	assert.Equal(t, []string{"hello"}, tg.notifies)
}

func TestMultiChannelAllChannelsDown(t *testing.T) {
	tg := newFakeChannel("telegram")
	tg.sendErr = errors.New("network")
	m, err := NewMultiChannel(logger.Default(), tg)
	require.NoError(t, err)

	_, err = m.SendPrompt(context.Background(), &detect.PromptEvent{PromptID: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reached no channel")
}

func TestMultiChannelEditDispatch(t *testing.T) {
	tg, sl := newFakeChannel("telegram"), newFakeChannel("slack")
	m, err := NewMultiChannel(logger.Default(), tg, sl)
	require.NoError(t, err)

	require.NoError(t, m.EditPromptMessage(context.Background(), "telegram:77/3,slack:168.5", "done"))
	assert.Equal(t, "done", tg.edits["77/3"])
	assert.Equal(t, "done", sl.edits["168.5"])

	err = m.EditPromptMessage(context.Background(), "matrix:1", "done")
	require.Error(t, err)
}

func TestMultiChannelMergesReplies(t *testing.T) {
	tg, sl := newFakeChannel("telegram"), newFakeChannel("slack")
	tg.replies = []Reply{{Channel: "telegram", Value: "y"}}
	sl.replies = []Reply{{Channel: "slack", Value: "n"}}
	m, err := NewMultiChannel(logger.Default(), tg, sl)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Reply, 4)
	go func() { _ = m.ReceiveReplies(ctx, out) }()

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-out:
			got[r.Channel] = r.Value
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for merged replies")
		}
	}
	assert.Equal(t, map[string]string{"telegram": "y", "slack": "n"}, got)
}

func TestMultiChannelAllowlistUnion(t *testing.T) {
	tg, sl := newFakeChannel("telegram"), newFakeChannel("slack")
	m, err := NewMultiChannel(logger.Default(), tg, sl)
	require.NoError(t, err)

	assert.True(t, m.IsAllowed("telegram:42"))
	assert.True(t, m.IsAllowed("slack:42"))
	assert.False(t, m.IsAllowed("telegram:99"))
}

type recordingSink struct {
	mu    sync.Mutex
	sends []string
}

func (s *recordingSink) SendOutput(_ context.Context, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, text)
	return nil
}

func TestForwarderDropsNoise(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder(sink, "sess-1", logger.Default())

	f.Write("  \n\t \n")
	f.Flush(context.Background())
	assert.Empty(t, sink.sends, "whitespace-only batch is dropped")

	f.Write("compiled 14 packages successfully\n")
	f.Flush(context.Background())
	require.Len(t, sink.sends, 1)
	assert.Contains(t, sink.sends[0], "compiled 14 packages")
}

func TestForwarderTruncatesLongBatches(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder(sink, "sess-1", logger.Default())

	f.Write(strings.Repeat("x", 5000))
	f.Flush(context.Background())
	require.Len(t, sink.sends, 1)
	assert.LessOrEqual(t, len(sink.sends[0]), maxBatchChars+len("\n… (truncated)"))
	assert.Contains(t, sink.sends[0], "truncated")
}

func TestForwarderRateLimit(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder(sink, "sess-1", logger.Default())
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	for i := 0; i < maxMessagesPerMinute+5; i++ {
		f.Write("meaningful output line here\n")
		f.Flush(context.Background())
	}
	assert.Len(t, sink.sends, maxMessagesPerMinute)

	// A minute later the window is clear again.
	now = now.Add(61 * time.Second)
	f.Write("meaningful output line here\n")
	f.Flush(context.Background())
	assert.Len(t, sink.sends, maxMessagesPerMinute+1)
}

func TestPollerLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquirePollerLock(dir, "telegram", "123456789:AAtoken")
	require.NoError(t, err)

	_, err = AcquirePollerLock(dir, "telegram", "123456789:AAtoken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already polling")

	// A different token locks independently.
	second, err := AcquirePollerLock(dir, "telegram", "987654321:BBtoken")
	require.NoError(t, err)
	require.NoError(t, second.Release())

	require.NoError(t, first.Release())
	third, err := AcquirePollerLock(dir, "telegram", "123456789:AAtoken")
	require.NoError(t, err)
	require.NoError(t, third.Release())
}
