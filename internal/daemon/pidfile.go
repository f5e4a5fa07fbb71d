package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sagehill/foreman/internal/process"
)

// WritePIDFile writes "<pid> <unix-start>\n" via write-then-rename so a
// reader never observes a half-written file.
func WritePIDFile(path string, pid int, startedAt time.Time) error {
	tmp := path + ".tmp"
	content := fmt.Sprintf("%d %d\n", pid, startedAt.Unix())
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("installing PID file: %w", err)
	}
	return nil
}

// ReadPIDFile parses a PID file. A missing file returns os.ErrNotExist;
// a corrupt one returns a parse error, which callers treat as "not
// running" rather than a crash.
func ReadPIDFile(path string) (pid int, startedAt time.Time, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}

	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, time.Time{}, fmt.Errorf("empty PID file %s", path)
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid PID %q in %s", fields[0], path)
	}
	if len(fields) >= 2 {
		if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			startedAt = time.Unix(ts, 0)
		}
	}
	return pid, startedAt, nil
}

// IsRunning reports whether a live, identity-verified daemon holds the
// root's PID file. Stale and corrupt PID files are removed; neither is an
// error to the caller.
//
// The identity check guards against PID reuse: the kernel can hand a dead
// daemon's PID to an unrelated process, and signal-0 alone would call
// that "running" forever.
func IsRunning(root string) (bool, int, error) {
	p := Paths{Root: root}

	pid, _, err := ReadPIDFile(p.PIDFile())
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		// Corrupt PID file: treat as not running and clean it up.
		_ = os.Remove(p.PIDFile())
		return false, 0, nil
	}

	if !process.Alive(pid) {
		_ = os.Remove(p.PIDFile())
		return false, 0, nil
	}
	if !process.IsForemanDaemon(pid) {
		// PID reused by a different process.
		_ = os.Remove(p.PIDFile())
		return false, 0, nil
	}
	return true, pid, nil
}
