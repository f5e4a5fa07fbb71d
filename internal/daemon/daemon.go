// Package daemon hosts the foreman background service: single-instance
// enforcement, startup recovery, the scheduler and health loops, and the
// operator-facing start/stop/status surface.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/sagehill/foreman/internal/backend"
	"github.com/sagehill/foreman/internal/config"
	"github.com/sagehill/foreman/internal/eventbus"
	"github.com/sagehill/foreman/internal/health"
	"github.com/sagehill/foreman/internal/limits"
	"github.com/sagehill/foreman/internal/process"
	"github.com/sagehill/foreman/internal/recovery"
	"github.com/sagehill/foreman/internal/scheduler"
	"github.com/sagehill/foreman/internal/store"
)

// Daemon is the foreground daemon process, normally launched as
// "fm daemon run" under the supervisor.
type Daemon struct {
	root    string
	cfg     *config.Config
	paths   Paths
	logger  *log.Logger
	logFile *os.File

	store   *store.Store
	bus     *eventbus.Bus
	monitor *health.Monitor
	sched   *scheduler.Scheduler
}

// New wires a daemon from the given root and config. The backend is
// injected so tests (and alternative runners) can supply their own.
func New(root string, cfg *config.Config, be backend.Backend) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := Paths{Root: root}
	if err := os.MkdirAll(p.DaemonDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating daemon directory: %w", err)
	}

	logFile, err := os.OpenFile(p.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	st, err := store.Open(p.DBFile())
	if err != nil {
		logFile.Close()
		return nil, err
	}

	lm, err := limits.NewMonitor(cfg.Session.Budget, limits.Thresholds{
		Summarize:  cfg.Session.Thresholds.Summarize,
		Checkpoint: cfg.Session.Thresholds.Checkpoint,
		Handoff:    cfg.Session.Thresholds.Handoff,
	})
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("invalid session limits: %w", err)
	}

	bus := eventbus.New()
	monitor := health.NewMonitor(cfg.HealthCheckInterval(), cfg.Health.RestartHistorySize,
		health.WithLogf(logger.Printf))
	sched := scheduler.New(st, be, lm, bus, cfg.TickInterval(), cfg.Scheduler.TaskRetryMax,
		scheduler.WithLogf(logger.Printf))

	return &Daemon{
		root:    root,
		cfg:     cfg,
		paths:   p,
		logger:  logger,
		logFile: logFile,
		store:   st,
		bus:     bus,
		monitor: monitor,
		sched:   sched,
	}, nil
}

// Close releases the daemon's resources.
func (d *Daemon) Close() {
	d.bus.Close()
	_ = d.store.Close()
	_ = d.logFile.Close()
}

// Run executes the daemon until ctx is cancelled or a shutdown signal
// arrives. The startup order is load-bearing: lock, PID file, orphan
// recovery, and only then the scheduler's first dispatch.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("daemon starting (PID %d)", os.Getpid())

	// The flock closes the TOCTOU race where two concurrent starts both
	// pass the PID check before either writes the PID file.
	fileLock := flock.New(d.paths.LockFile())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = fileLock.Unlock() }()

	startedAt := time.Now()
	if err := WritePIDFile(d.paths.PIDFile(), os.Getpid(), startedAt); err != nil {
		return err
	}
	defer func() { _ = os.Remove(d.paths.PIDFile()) }()

	d.seedRestartHistory()

	rec := &Record{State: StateStarting, PID: os.Getpid(), StartedAt: startedAt}
	if err := SaveRecord(d.root, rec); err != nil {
		d.logger.Printf("warning: saving daemon state: %v", err)
	}

	// Recovery must finish before the first dispatch: a task that looks
	// running but belongs to a dead instance must not also be claimed.
	recoverer := recovery.New(d.store, d.bus, d.cfg.StalenessThreshold(), d.cfg.Recovery.Policy, d.logger.Printf)
	result, err := recoverer.Run(ctx)
	if err != nil {
		rec.State = StateFailed
		rec.LastError = err.Error()
		_ = SaveRecord(d.root, rec)
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	if result.Detected > 0 {
		d.logger.Printf("recovered %d orphaned tasks (of %d running)", result.Detected, result.Scanned)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.monitor.Run(runCtx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = d.sched.Run(runCtx)
	}()

	rec.State = StateRunning
	rec.Health = reportPtr(d.monitor.Report())
	if err := SaveRecord(d.root, rec); err != nil {
		d.logger.Printf("warning: saving daemon state: %v", err)
	}
	d.logger.Printf("daemon running (tick %v, health interval %v)",
		d.cfg.TickInterval(), d.cfg.HealthCheckInterval())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(d.cfg.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("context cancelled, shutting down")
			return d.shutdown(rec, cancel, schedDone)

		case sig := <-sigChan:
			d.logger.Printf("received %v, shutting down", sig)
			return d.shutdown(rec, cancel, schedDone)

		case <-ticker.C:
			rec.LastHeartbeat = time.Now()
			rec.HeartbeatCount++
			rec.Health = reportPtr(d.monitor.Report())
			if err := SaveRecord(d.root, rec); err != nil {
				d.logger.Printf("warning: saving daemon state: %v", err)
			}
		}
	}
}

// seedRestartHistory carries restart history across daemon generations and
// classifies the previous generation's death. The watchdog restarts us
// after a crash but its own counters die with the supervisor; the
// state.json snapshot is what survives.
func (d *Daemon) seedRestartHistory() {
	prior, err := LoadRecord(d.root)
	if err != nil || prior == nil {
		return
	}

	journaled := false
	if prior.Health != nil {
		// Report lists most recent first; replay oldest first so the
		// monitor's ring keeps the newest events.
		for i := len(prior.Health.RecentRestarts) - 1; i >= 0; i-- {
			d.monitor.RecordRestart(prior.Health.RecentRestarts[i])
		}
		// An event stamped after the prior generation's last heartbeat
		// means the supervisor already journaled that death, exit code
		// and all.
		if len(prior.Health.RecentRestarts) > 0 &&
			prior.Health.RecentRestarts[0].Timestamp.After(prior.LastHeartbeat) {
			journaled = true
		}
	}

	// A prior record still marked running whose PID is dead means that
	// generation crashed without a clean shutdown. Only synthesized when
	// no supervisor recorded the death; the exit code is unknown here.
	if !journaled && prior.State == StateRunning && prior.PID != 0 && prior.PID != os.Getpid() && !process.Alive(prior.PID) {
		d.logger.Printf("previous daemon (PID %d) died without clean shutdown", prior.PID)
		d.monitor.RecordRestart(health.RestartEvent{
			Timestamp: time.Now(),
			Reason:    health.ReasonCrash,
		})
	}
}

func (d *Daemon) shutdown(rec *Record, cancel context.CancelFunc, schedDone <-chan struct{}) error {
	rec.State = StateStopping
	_ = SaveRecord(d.root, rec)

	cancel()
	select {
	case <-schedDone:
	case <-time.After(5 * time.Second):
		d.logger.Printf("warning: scheduler did not stop in time")
	}

	rec.State = StateStopped
	rec.Health = reportPtr(d.monitor.Report())
	_ = SaveRecord(d.root, rec)
	d.logger.Printf("daemon stopped")
	return nil
}

func reportPtr(r health.Report) *health.Report {
	return &r
}
