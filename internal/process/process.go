// Package process provides PID liveness, identity, and termination helpers
// for the daemon manager and watchdog.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Alive reports whether a process with the given PID exists. Uses signal 0,
// which checks existence without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// EPERM means the process exists but belongs to someone else.
	err = proc.Signal(unix.Signal(0))
	return err == nil || err == unix.EPERM
}

// IsForemanDaemon checks whether a PID is actually a foreman daemon
// process. This guards against OS PID reuse: a PID file can point at a
// live process that is no longer ours. Uses ps for portability across
// Linux and macOS.
func IsForemanDaemon(pid int) bool {
	cmd := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=")
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	cmdline := strings.TrimSpace(string(output))
	return strings.Contains(cmdline, "fm") && strings.Contains(cmdline, "daemon") && strings.Contains(cmdline, "run")
}

// Terminate sends SIGTERM and waits up to timeout for the process to exit.
// When force is set and the deadline passes, it escalates to SIGKILL.
// Returns true if the process is gone on return.
func Terminate(pid int, timeout time.Duration, force bool) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}

	if err := proc.Signal(unix.SIGTERM); err != nil {
		// Already gone.
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !force {
		return !Alive(pid), nil
	}

	if err := proc.Signal(unix.SIGKILL); err != nil {
		return !Alive(pid), nil
	}

	// SIGKILL is not synchronous; give the kernel a moment.
	for i := 0; i < 20; i++ {
		if !Alive(pid) {
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false, fmt.Errorf("process %d survived SIGKILL", pid)
}
