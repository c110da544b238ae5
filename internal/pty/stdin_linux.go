//go:build linux

package pty

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// readSyscallNum is the read(2) number for the build architecture.
var readSyscallNum = func() string {
	switch runtime.GOARCH {
	case "arm64", "riscv64":
		return "63"
	default:
		return "0"
	}
}()

// blockedOnStdin reports whether the child is parked in a read(2) on fd 0.
// /proc/<pid>/syscall holds the syscall number and arguments while the
// process sleeps in a call, and the word "running" while it is on CPU, so
// any shape we do not recognize means not blocked.
func blockedOnStdin(pid int) bool {
	if pid <= 0 {
		return false
	}
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/syscall")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return false
	}
	return fields[0] == readSyscallNum && fields[1] == "0x0"
}
