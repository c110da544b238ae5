//go:build !windows

package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// childTerminal is the unix PTY pair around a spawned child.
type childTerminal struct {
	master *os.File
	cmd    *exec.Cmd

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// spawn launches argv attached to a new PTY of the given size.
func spawn(argv []string, env []string, cwd string, cols, rows uint16) (*childTerminal, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s in pty: %w", argv[0], err)
	}
	t := &childTerminal{master: master, cmd: cmd, exited: make(chan struct{})}
	go t.reap()
	return t, nil
}

func (t *childTerminal) reap() {
	t.waitOnce.Do(func() {
		t.waitErr = t.cmd.Wait()
		close(t.exited)
	})
}

func (t *childTerminal) Read(p []byte) (int, error)  { return t.master.Read(p) }
func (t *childTerminal) Write(p []byte) (int, error) { return t.master.Write(p) }

func (t *childTerminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.master, &pty.Winsize{Cols: cols, Rows: rows})
}

func (t *childTerminal) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *childTerminal) Alive() bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// ExitCode blocks until the child exits and reports the code plus whether
// the exit was a crash (signal or nonzero without a clean wait).
func (t *childTerminal) ExitCode() (int, bool) {
	<-t.exited
	if t.waitErr == nil {
		return 0, false
	}
	if exitErr, ok := t.waitErr.(*exec.ExitError); ok {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return 128 + int(status.Signal()), true
		}
		return exitErr.ExitCode(), false
	}
	return -1, true
}

// Terminate asks the child to exit with SIGTERM, escalating to SIGKILL
// after the timeout.
func (t *childTerminal) Terminate(timeout time.Duration) error {
	if !t.Alive() {
		return nil
	}
	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal child: %w", err)
	}
	select {
	case <-t.exited:
		return nil
	case <-time.After(timeout):
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill child: %w", err)
	}
	<-t.exited
	return nil
}

// Pause stops the child with SIGSTOP.
func (t *childTerminal) Pause() error {
	if !t.Alive() {
		return fmt.Errorf("child has exited")
	}
	return t.cmd.Process.Signal(syscall.SIGSTOP)
}

// Resume continues a paused child with SIGCONT.
func (t *childTerminal) Resume() error {
	if !t.Alive() {
		return fmt.Errorf("child has exited")
	}
	return t.cmd.Process.Signal(syscall.SIGCONT)
}

func (t *childTerminal) Close() error {
	return t.master.Close()
}
