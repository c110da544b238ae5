//go:build !windows

package commands

import (
	"fmt"
	"syscall"
)

// signalProcess maps the verb onto the matching process signal.
func signalProcess(pid int, verb string) error {
	var sig syscall.Signal
	switch verb {
	case "pause":
		sig = syscall.SIGSTOP
	case "resume":
		sig = syscall.SIGCONT
	case "stop":
		sig = syscall.SIGTERM
	default:
		return fmt.Errorf("unknown signal verb %q", verb)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}
