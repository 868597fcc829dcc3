//go:build !windows

package daemon

import (
	"os"
	"syscall"
)

// isProcessRunning reports whether a process with the given PID exists.
// FindProcess always succeeds on unix, so signal 0 does the real check.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
