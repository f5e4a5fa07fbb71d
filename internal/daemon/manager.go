package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sagehill/foreman/internal/config"
	"github.com/sagehill/foreman/internal/health"
	"github.com/sagehill/foreman/internal/process"
	"github.com/sagehill/foreman/internal/watchdog"
)

// Errors surfaced by the manager.
var (
	ErrAlreadyRunning = errors.New("daemon is already running")
	ErrNotRunning     = errors.New("daemon is not running")
)

// startupWait bounds how long Start waits for the child to claim the PID
// file before declaring the start failed.
const startupWait = 5 * time.Second

// Manager is the operator-facing daemon lifecycle: it runs in the CLI
// process and manipulates the daemon through the filesystem and signals.
type Manager struct {
	root string
	cfg  *config.Config
	logf func(format string, args ...any)
}

// NewManager creates a Manager for the given root.
func NewManager(root string, cfg *config.Config, logf func(string, ...any)) *Manager {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Manager{root: root, cfg: cfg, logf: logf}
}

// Start launches the supervisor as a detached process and waits for the
// daemon to come up. The supervisor owns the watchdog; the daemon itself
// is its child.
func (m *Manager) Start() error {
	running, pid, err := IsRunning(m.root)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}

	p := Paths{Root: m.root}
	if err := os.MkdirAll(p.DaemonDir(), 0755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	// A marker left by the previous manual stop must not suppress the
	// watchdog for this run.
	removeStopMarker(m.root)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating foreman binary: %w", err)
	}

	logFile, err := os.OpenFile(p.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "daemon", "supervise")
	cmd.Env = append(os.Environ(), "FOREMAN_HOME="+m.root)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detaching supervisor: %w", err)
	}

	// Wait for the daemon child to claim the PID file.
	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		if running, _, _ := IsRunning(m.root); running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start within %v; see %s", startupWait, p.LogFile())
}

// restartJournal persists watchdog restart events into state.json. The
// supervisor's own memory dies with it; the relaunched daemon seeds its
// health history from the record, so the journal is how reason=watchdog
// and the crash exit code reach the operator.
type restartJournal struct {
	root string
}

func (j *restartJournal) RecordRestart(ev health.RestartEvent) {
	appendRestart(j.root, ev)
}

// Supervise runs the watchdog loop in the current process. This is the
// body of the hidden "fm daemon supervise" command; it blocks until the
// daemon stops deliberately or the restart budget is exhausted.
func (m *Manager) Supervise(ctx context.Context) error {
	p := Paths{Root: m.root}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating foreman binary: %w", err)
	}
	launch := func() (watchdog.Runner, error) {
		return &watchdog.CommandRunner{Path: exe, Args: []string{"daemon", "run"}}, nil
	}
	manualStop := func() bool {
		_, err := os.Stat(p.StopMarker())
		return err == nil
	}
	onExhausted := func(err error) {
		m.logf("watchdog exhausted, daemon stays down: %v", err)
		rec, _ := LoadRecord(m.root)
		if rec == nil {
			rec = &Record{}
		}
		rec.State = StateFailed
		rec.LastError = err.Error()
		_ = SaveRecord(m.root, rec)
	}

	wd := watchdog.New(m.cfg.Watchdog.MaxRestarts, m.cfg.WatchdogWindow(), launch, &restartJournal{root: m.root}, manualStop,
		watchdog.WithLogf(m.logf), watchdog.WithOnExhausted(onExhausted))
	return wd.Run(ctx)
}

// StopOptions control Stop.
type StopOptions struct {
	// Timeout bounds the graceful wait after SIGTERM.
	Timeout time.Duration
	// Force escalates to SIGKILL when the timeout expires.
	Force bool
}

// Stop terminates the running daemon. The stop marker goes down first so
// the watchdog treats the exit as deliberate instead of relaunching.
func (m *Manager) Stop(opts StopOptions) error {
	running, pid, err := IsRunning(m.root)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}

	p := Paths{Root: m.root}
	if err := os.WriteFile(p.StopMarker(), []byte(time.Now().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("writing stop marker: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	exited, err := process.Terminate(pid, opts.Timeout, opts.Force)
	if err != nil {
		return fmt.Errorf("stopping daemon (PID %d): %w", pid, err)
	}
	if !exited {
		return fmt.Errorf("daemon (PID %d) still running after %v; retry with --force", pid, opts.Timeout)
	}

	if opts.Force {
		// The daemon never saw the signal coming; leave the audit trail
		// ourselves.
		appendRestart(m.root, health.RestartEvent{
			Timestamp: time.Now(),
			Reason:    health.ReasonForcedStop,
		})
	}

	_ = os.Remove(p.PIDFile())
	if rec, _ := LoadRecord(m.root); rec != nil && rec.State != StateStopped {
		rec.State = StateStopped
		_ = SaveRecord(m.root, rec)
	}
	return nil
}

// Restart stops the daemon if running, then starts it.
func (m *Manager) Restart(opts StopOptions) error {
	if err := m.Stop(opts); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.Start()
}

// StatusInfo is a best-effort daemon snapshot. Missing or corrupt state
// degrades to zero values; Status never fails on bad data.
type StatusInfo struct {
	Running     bool
	PID         int
	Uptime      time.Duration
	StaleBinary bool
	Record      *Record
}

// Status inspects the PID file, the persisted record, and the binary on
// disk.
func (m *Manager) Status() (*StatusInfo, error) {
	info := &StatusInfo{}

	running, pid, err := IsRunning(m.root)
	if err != nil {
		return nil, err
	}
	info.Running = running
	info.PID = pid

	info.Record, _ = LoadRecord(m.root)

	if running {
		if _, startedAt, err := ReadPIDFile(Paths{Root: m.root}.PIDFile()); err == nil && !startedAt.IsZero() {
			info.Uptime = time.Since(startedAt)
			info.StaleBinary = binaryNewerThan(startedAt)
		} else if info.Record != nil && !info.Record.StartedAt.IsZero() {
			info.Uptime = time.Since(info.Record.StartedAt)
		}
	}
	return info, nil
}

// binaryNewerThan reports whether the foreman binary on disk is newer
// than the running daemon, meaning a restart would pick up new code.
func binaryNewerThan(startedAt time.Time) bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	fi, err := os.Stat(exe)
	if err != nil {
		return false
	}
	return fi.ModTime().After(startedAt)
}
