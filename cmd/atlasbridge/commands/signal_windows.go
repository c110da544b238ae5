//go:build windows

package commands

import (
	"fmt"
	"os"
)

// signalProcess supports only stop on windows; ConPTY has no SIGSTOP
// equivalent.
func signalProcess(pid int, verb string) error {
	if verb != "stop" {
		return fmt.Errorf("%s is not supported on windows", verb)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find pid %d: %w", pid, err)
	}
	return proc.Kill()
}
