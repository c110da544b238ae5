//go:build windows

package pty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UserExistsError/conpty"
	"golang.org/x/sys/windows"
)

// childTerminal wraps a ConPTY pseudo console on Windows.
type childTerminal struct {
	cpty *conpty.ConPty

	waitOnce sync.Once
	exitCode int
	waitErr  error
	exited   chan struct{}
}

// spawn launches argv attached to a new pseudo console of the given size.
func spawn(argv []string, env []string, cwd string, cols, rows uint16) (*childTerminal, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	commandLine := windows.ComposeCommandLine(argv)
	cpty, err := conpty.Start(commandLine,
		conpty.ConPtyDimensions(int(cols), int(rows)),
		conpty.ConPtyWorkDir(cwd),
		conpty.ConPtyEnv(env))
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s in conpty: %w", argv[0], err)
	}
	t := &childTerminal{cpty: cpty, exited: make(chan struct{})}
	go t.reap()
	return t, nil
}

func (t *childTerminal) reap() {
	t.waitOnce.Do(func() {
		code, err := t.cpty.Wait(context.Background())
		t.exitCode = int(code)
		t.waitErr = err
		close(t.exited)
	})
}

func (t *childTerminal) Read(p []byte) (int, error)  { return t.cpty.Read(p) }
func (t *childTerminal) Write(p []byte) (int, error) { return t.cpty.Write(p) }

func (t *childTerminal) Resize(cols, rows uint16) error {
	return t.cpty.Resize(int(cols), int(rows))
}

func (t *childTerminal) Pid() int { return 0 }

func (t *childTerminal) Alive() bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// ExitCode blocks until the child exits.
func (t *childTerminal) ExitCode() (int, bool) {
	<-t.exited
	if t.waitErr != nil {
		return -1, true
	}
	return t.exitCode, t.exitCode != 0 && t.exitCode >= 128
}

// Terminate closes the pseudo console, which ends the attached process;
// ConPTY has no graceful-signal equivalent of SIGTERM.
func (t *childTerminal) Terminate(timeout time.Duration) error {
	if !t.Alive() {
		return nil
	}
	if err := t.cpty.Close(); err != nil {
		return fmt.Errorf("failed to close conpty: %w", err)
	}
	select {
	case <-t.exited:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("child did not exit after conpty close")
	}
}

// Pause is unsupported on Windows; there is no SIGSTOP equivalent for a
// ConPTY child.
func (t *childTerminal) Pause() error {
	return fmt.Errorf("pause is not supported on windows")
}

// Resume is unsupported on Windows.
func (t *childTerminal) Resume() error {
	return fmt.Errorf("resume is not supported on windows")
}

func (t *childTerminal) Close() error {
	return t.cpty.Close()
}
