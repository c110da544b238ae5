//go:build !windows

package pty

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

func shSupervisor(t *testing.T, script string, sink ChunkSink) *Supervisor {
	t.Helper()
	det := detect.New(detect.Options{SessionID: "sess-test"})
	s := NewSupervisor(Config{
		Argv: []string{"/bin/sh", "-c", script},
		Cwd:  t.TempDir(),
	}, det, sink, logger.Default())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func waitEvent(t *testing.T, s *Supervisor, timeout time.Duration) *detect.PromptEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatal("event stream closed before a prompt was detected")
			}
			if ev != nil {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for a prompt event")
		}
	}
}

func TestDetectsPromptAndInjectsReply(t *testing.T) {
	s := shSupervisor(t, `printf 'Continue? [y/n] '; read ans; echo "answer=$ans"`, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Alive())
	assert.NotZero(t, s.PID())

	ev := waitEvent(t, s, 5*time.Second)
	assert.Equal(t, detect.PromptYesNo, ev.Type)
	assert.Equal(t, detect.ConfidenceHigh, ev.Confidence)

	require.NoError(t, s.WriteInput([]byte("y\r")))
	code, crashed := s.WaitExit()
	assert.Equal(t, 0, code)
	assert.False(t, crashed)
}

func TestEnqueueReachesChild(t *testing.T) {
	s := shSupervisor(t, `read ans; exit 0`, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Enqueue([]byte("go\r")))
	code, crashed := s.WaitExit()
	assert.Equal(t, 0, code)
	assert.False(t, crashed)
}

func TestChildExitPropagatesEOF(t *testing.T) {
	s := shSupervisor(t, `echo done; exit 7`, nil)
	require.NoError(t, s.Start(context.Background()))

	code, crashed := s.WaitExit()
	assert.Equal(t, 7, code)
	assert.False(t, crashed)

	// The reader task closes the event stream on EOF.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream was not closed after child exit")
		}
	}
}

func TestStopTerminatesChild(t *testing.T) {
	s := shSupervisor(t, `sleep 30`, nil)
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Alive())

	require.NoError(t, s.Stop())
	assert.False(t, s.Alive())
}

func TestWriteAfterExitFails(t *testing.T) {
	s := shSupervisor(t, `exit 0`, nil)
	require.NoError(t, s.Start(context.Background()))
	s.WaitExit()

	err := s.WriteInput([]byte("y\r"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

type collectSink struct {
	ch chan string
}

func (c *collectSink) Write(text string) {
	select {
	case c.ch <- text:
	default:
	}
}

func TestSinkReceivesSanitizedOutput(t *testing.T) {
	sink := &collectSink{ch: make(chan string, 16)}
	s := shSupervisor(t, `printf '\033[1;32mhello\033[0m world\n'; sleep 1`, sink)
	require.NoError(t, s.Start(context.Background()))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case text := <-sink.ch:
			if text == "" {
				continue
			}
			assert.NotContains(t, text, "\x1b")
			if assert.Contains(t, text, "hello") {
				return
			}
		case <-deadline:
			t.Fatal("sink never received output")
		}
	}
}

func TestBlockedOnStdinEmitsMediumEvent(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs procfs")
	}
	// A long silence threshold keeps signal 3 out of the way; only the
	// blocked-on-stdin poll can surface this prompt, which matches no
	// pattern family.
	det := detect.New(detect.Options{
		SessionID:        "sess-test",
		SilenceThreshold: 60 * time.Second,
	})
	s := NewSupervisor(Config{
		Argv: []string{"/bin/sh", "-c", `stty -echo 2>/dev/null; printf 'awaiting operator input\n'; read x`},
		Cwd:  t.TempDir(),
	}, det, nil, logger.Default())
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.Start(context.Background()))

	ev := waitEvent(t, s, 5*time.Second)
	assert.Equal(t, detect.PromptFreeText, ev.Type)
	assert.Equal(t, detect.ConfidenceMedium, ev.Confidence)
	assert.True(t, ev.TTYBlocked)
	assert.Contains(t, ev.Excerpt, "awaiting operator input")
}

func TestMediumEventsBufferUnlessSuperseded(t *testing.T) {
	det := detect.New(detect.Options{SessionID: "sess-test"})
	s := NewSupervisor(Config{}, det, nil, logger.Default())
	ctx := context.Background()

	// A HIGH arriving inside the confirmation window supersedes the MED.
	s.emit(ctx, &detect.PromptEvent{PromptID: "m1", Confidence: detect.ConfidenceMedium})
	s.emit(ctx, &detect.PromptEvent{PromptID: "h1", Confidence: detect.ConfidenceHigh})
	got := <-s.Events()
	assert.Equal(t, "h1", got.PromptID)
	select {
	case ev := <-s.Events():
		t.Fatalf("superseded MED %s was delivered", ev.PromptID)
	case <-time.After(2 * medConfirmDelay):
	}

	// An unconfirmed MED flushes once the delay passes.
	s.emit(ctx, &detect.PromptEvent{PromptID: "m2", Confidence: detect.ConfidenceMedium})
	select {
	case ev := <-s.Events():
		assert.Equal(t, "m2", ev.PromptID)
	case <-time.After(3 * medConfirmDelay):
		t.Fatal("buffered MED was never flushed")
	}

	// A TTY-blocked MED skips the buffer entirely.
	s.emit(ctx, &detect.PromptEvent{PromptID: "m3", Confidence: detect.ConfidenceMedium, TTYBlocked: true})
	select {
	case ev := <-s.Events():
		assert.Equal(t, "m3", ev.PromptID)
	default:
		t.Fatal("TTY-blocked MED was not delivered immediately")
	}
}

func TestScreenPromptLineFollowsCursor(t *testing.T) {
	sc := NewScreen(80, 24)
	sc.Feed([]byte("build ok\r\nDo you want to proceed? "))
	assert.Equal(t, "Do you want to proceed?", sc.PromptLine())

	// After a trailing newline the cursor sits on a blank line; the
	// nearest non-blank line above carries the prompt.
	sc2 := NewScreen(80, 24)
	sc2.Feed([]byte("Password:\r\n"))
	assert.Equal(t, "Password:", sc2.PromptLine())
}

func TestScreenRendersCurrentDisplay(t *testing.T) {
	s := shSupervisor(t, `printf 'first line\nsecond line\n'; sleep 1`, nil)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		r := s.Screen().Render()
		return r != ""
	}, 5*time.Second, 50*time.Millisecond)
	render := s.Screen().Render()
	assert.Contains(t, render, "first line")
	assert.Contains(t, render, "second line")
}
