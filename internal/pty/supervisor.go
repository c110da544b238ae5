// Package pty supervises one agent child process attached to a pseudo
// terminal: it owns the four per-session tasks (reader, stdin relay,
// stall watchdog, response consumer) and the injection gate every write
// passes through.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

const (
	// DefaultCols and DefaultRows size the PTY generously so TUI agents
	// render full prompts instead of wrapping them.
	DefaultCols uint16 = 220
	DefaultRows uint16 = 50

	stopTimeout      = 5 * time.Second
	watchdogInterval = 1 * time.Second
	injectQueueSize  = 16
	readBufferSize   = 4096

	// medConfirmDelay buffers MED events that lack a TTY-blocked report,
	// giving a pattern match one beat to confirm (or supersede) them.
	medConfirmDelay = 1 * time.Second
)

// Config describes the child to supervise.
type Config struct {
	Argv []string
	Env  []string
	Cwd  string
	Cols uint16
	Rows uint16
	// Stdin, when set, is relayed into the PTY (foreground passthrough).
	Stdin io.Reader
}

// ChunkSink receives sanitized output chunks; the output forwarder
// implements it.
type ChunkSink interface {
	Write(text string)
}

// Supervisor runs one child in a PTY. All tasks live in one scoped group;
// Stop cancels and awaits them.
type Supervisor struct {
	cfg      Config
	detector *detect.Detector
	sink     ChunkSink
	screen   *Screen
	log      *logger.Logger

	term    *childTerminal
	events  chan *detect.PromptEvent
	injectQ chan []byte

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	pendingMu    sync.Mutex
	pendingMED   *detect.PromptEvent
	pendingTimer *time.Timer
}

// NewSupervisor wires a supervisor; sink may be nil.
func NewSupervisor(cfg Config, detector *detect.Detector, sink ChunkSink, log *logger.Logger) *Supervisor {
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	return &Supervisor{
		cfg:      cfg,
		detector: detector,
		sink:     sink,
		screen:   NewScreen(int(cfg.Cols), int(cfg.Rows)),
		log:      log,
		events:   make(chan *detect.PromptEvent, 8),
		injectQ:  make(chan []byte, injectQueueSize),
	}
}

// Start spawns the child and launches the task group. A spawn failure is
// fatal for the session.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started {
		return errors.New("supervisor already started")
	}
	term, err := spawn(s.cfg.Argv, s.cfg.Env, s.cfg.Cwd, s.cfg.Cols, s.cfg.Rows)
	if err != nil {
		return err
	}
	s.term = term
	s.started = true

	taskCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go s.readLoop(taskCtx)
	go s.watchdog(taskCtx)
	go s.injectLoop(taskCtx)
	if s.cfg.Stdin != nil {
		s.wg.Add(1)
		go s.stdinRelay(taskCtx)
	}

	s.log.Info("child started",
		zap.Strings("argv", s.cfg.Argv),
		zap.Int("pid", term.Pid()))
	return nil
}

// Events streams detected prompts. Closed when the child's output ends.
func (s *Supervisor) Events() <-chan *detect.PromptEvent {
	return s.events
}

// Screen returns the virtual terminal mirror of the child's display.
func (s *Supervisor) Screen() *Screen {
	return s.screen
}

// readLoop is task 1: it drains the PTY master, feeding the virtual
// screen, the detector, and the output forwarder.
func (s *Supervisor) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	defer s.dropPendingMED()

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.screen.Feed(chunk)
			if s.sink != nil {
				s.sink.Write(detect.Sanitize(string(chunk)))
			}
			if ev := s.detector.Observe(chunk); ev != nil {
				s.emit(ctx, ev)
			}
		}
		if err != nil {
			// EOF (or EIO on linux) means the child closed its side.
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("pty read ended")
			}
			return
		}
	}
}

// watchdog is task 3: every second it polls the OS for a child parked on
// a stdin read, then gives the detector a chance to fire the silence
// fallback. The blocked poll carries the virtual screen's cursor line so
// echo-off prompts still get an excerpt.
func (s *Supervisor) watchdog(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive := s.Alive()
			if alive && blockedOnStdin(s.PID()) {
				if ev := s.detector.ObserveBlocked(s.screen.PromptLine()); ev != nil {
					s.emit(ctx, ev)
					continue
				}
			}
			if ev := s.detector.CheckSilence(alive); ev != nil {
				s.emit(ctx, ev)
			}
		}
	}
}

// injectLoop is task 4: it serializes queued reply injections.
func (s *Supervisor) injectLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.injectQ:
			if err := s.WriteInput(data); err != nil {
				s.log.WithError(err).Warn("queued injection failed")
			}
		}
	}
}

// stdinRelay is task 2: operator keystrokes pass straight through to the
// child. Local typing is not an injection, so the echo window stays shut.
func (s *Supervisor) stdinRelay(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.cfg.Stdin.Read(buf)
		if n > 0 {
			if _, werr := s.term.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// emit routes one detection. HIGH goes out immediately and cancels any
// buffered MED; a MED without a TTY-blocked report waits medConfirmDelay
// in case the next chunks complete a pattern that supersedes it.
func (s *Supervisor) emit(ctx context.Context, ev *detect.PromptEvent) {
	switch ev.Confidence {
	case detect.ConfidenceHigh:
		s.dropPendingMED()
	case detect.ConfidenceMedium:
		if !ev.TTYBlocked {
			s.holdMED(ctx, ev)
			return
		}
	}
	s.deliver(ctx, ev)
}

func (s *Supervisor) holdMED(ctx context.Context, ev *detect.PromptEvent) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.pendingMED = ev
	s.pendingTimer = time.AfterFunc(medConfirmDelay, func() { s.flushPendingMED(ctx) })
}

// flushPendingMED delivers a still-pending MED once the confirmation
// delay passes. It holds pendingMu across the send so readLoop's closing
// dropPendingMED cannot overtake an in-flight delivery.
func (s *Supervisor) flushPendingMED(ctx context.Context) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ev := s.pendingMED
	s.pendingMED = nil
	if ev != nil && ctx.Err() == nil {
		s.deliver(ctx, ev)
	}
}

func (s *Supervisor) dropPendingMED() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.pendingMED = nil
}

func (s *Supervisor) deliver(ctx context.Context, ev *detect.PromptEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// WriteInput writes supervisor-originated input through the injection
// gate: the write is immediately followed by MarkInjected, opening the
// echo-suppression window.
func (s *Supervisor) WriteInput(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.term == nil || !s.term.Alive() {
		return fmt.Errorf("child is not running")
	}
	if _, err := s.term.Write(data); err != nil {
		return fmt.Errorf("pty write failed: %w", err)
	}
	s.detector.MarkInjected()
	return nil
}

// Enqueue hands an injection to the response consumer task.
func (s *Supervisor) Enqueue(data []byte) error {
	select {
	case s.injectQ <- data:
		return nil
	default:
		return fmt.Errorf("injection queue full")
	}
}

// Alive reports whether the child is still running.
func (s *Supervisor) Alive() bool {
	return s.term != nil && s.term.Alive()
}

// PID returns the child's OS process ID.
func (s *Supervisor) PID() int {
	if s.term == nil {
		return 0
	}
	return s.term.Pid()
}

// Resize propagates a new terminal size to the PTY and the virtual screen.
func (s *Supervisor) Resize(cols, rows uint16) error {
	if s.term == nil {
		return errors.New("supervisor not started")
	}
	s.screen.Resize(int(cols), int(rows))
	return s.term.Resize(cols, rows)
}

// Pause suspends the child (SIGSTOP where supported).
func (s *Supervisor) Pause() error {
	if s.term == nil {
		return errors.New("supervisor not started")
	}
	return s.term.Pause()
}

// Resume continues a paused child.
func (s *Supervisor) Resume() error {
	if s.term == nil {
		return errors.New("supervisor not started")
	}
	return s.term.Resume()
}

// WaitExit blocks until the child exits, returning the exit code and
// whether the exit was a crash.
func (s *Supervisor) WaitExit() (int, bool) {
	return s.term.ExitCode()
}

// Stop gracefully ends the child (SIGTERM, SIGKILL after 5s), then cancels
// and awaits the task group.
func (s *Supervisor) Stop() error {
	if s.term == nil {
		return nil
	}
	err := s.term.Terminate(stopTimeout)
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.term.Close()
	s.wg.Wait()
	return err
}
