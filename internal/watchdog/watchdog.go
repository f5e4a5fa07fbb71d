// Package watchdog supervises the daemon process: it relaunches it after
// unexpected exits, bounded by a sliding-window restart policy, and stands
// down for manual stops.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sagehill/foreman/internal/health"
)

// ErrExhausted is returned when the restart policy's budget is spent.
// This is terminal: the operator must intervene.
var ErrExhausted = errors.New("watchdog exhausted: too many restarts within window")

// Runner is one supervised daemon process. Start launches it; Wait blocks
// until exit and returns the exit code (negative when unknown, e.g. killed
// by signal before exec).
type Runner interface {
	Start() error
	Wait() (exitCode int, err error)
}

// Launcher produces a fresh Runner for each (re)launch attempt.
type Launcher func() (Runner, error)

// Recorder receives a RestartEvent for every watchdog-initiated restart.
// The daemon's health monitor satisfies this in-process; the supervisor
// uses a recorder that persists events so they outlive it.
type Recorder interface {
	RecordRestart(ev health.RestartEvent)
}

// Default backoff between relaunches. Doubles per consecutive restart so
// an instant-crash loop cannot burn the whole window budget in
// milliseconds; resets once a child stays up past the max.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
)

// Policy is the sliding-window restart budget. A restart is allowed while
// fewer than Max restarts have happened inside the trailing Window.
type Policy struct {
	Max    int
	Window time.Duration

	mu       sync.Mutex
	restarts []time.Time
}

// Allow reports whether a restart at now fits the budget.
func (p *Policy) Allow(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	return len(p.restarts) < p.Max
}

// Record notes a restart at now.
func (p *Policy) Record(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	p.restarts = append(p.restarts, now)
}

// CountInWindow returns the restarts currently inside the window.
func (p *Policy) CountInWindow(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	return len(p.restarts)
}

// prune drops timestamps that fell out of the window. Callers hold p.mu.
func (p *Policy) prune(now time.Time) {
	cutoff := now.Add(-p.Window)
	kept := p.restarts[:0]
	for _, ts := range p.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.restarts = kept
}

// Watchdog supervises daemon processes through a Launcher.
type Watchdog struct {
	policy   *Policy
	launch   Launcher
	recorder Recorder

	initialBackoff time.Duration
	maxBackoff     time.Duration

	// manualStop reports whether the current exit was operator-intended
	// (stop marker present). Manual stops never trigger a restart.
	manualStop func() bool

	logf        func(format string, args ...any)
	onExhausted func(error)
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogf sets the watchdog's log sink.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(w *Watchdog) { w.logf = logf }
}

// WithOnExhausted installs a callback invoked once when the restart budget
// is spent, so the failure can be surfaced in operator-facing status.
func WithOnExhausted(fn func(error)) Option {
	return func(w *Watchdog) { w.onExhausted = fn }
}

// WithBackoff overrides the relaunch backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(w *Watchdog) {
		w.initialBackoff = initial
		w.maxBackoff = max
	}
}

// New creates a Watchdog. recorder receives a RestartEvent for every
// watchdog-initiated restart; manualStop is consulted on every exit.
func New(maxRestarts int, window time.Duration, launch Launcher, recorder Recorder, manualStop func() bool, opts ...Option) *Watchdog {
	w := &Watchdog{
		policy:         &Policy{Max: maxRestarts, Window: window},
		launch:         launch,
		recorder:       recorder,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		manualStop:     manualStop,
		logf:           func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run launches the daemon and supervises it until a manual stop, context
// cancellation, or policy exhaustion. Returns nil on intended shutdown and
// ErrExhausted when the budget is spent.
func (w *Watchdog) Run(ctx context.Context) error {
	backoff := w.initialBackoff
	for {
		runner, err := w.launch()
		if err != nil {
			return fmt.Errorf("launching daemon: %w", err)
		}
		if err := runner.Start(); err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}

		launched := time.Now()
		exitCode, waitErr := runner.Wait()
		if waitErr != nil {
			w.logf("daemon wait error: %v", waitErr)
		}
		if time.Since(launched) > w.maxBackoff {
			// The child held steady for a while; that run was not part
			// of a crash loop.
			backoff = w.initialBackoff
		}

		if ctx.Err() != nil {
			return nil
		}
		if w.manualStop() {
			w.logf("daemon exited during manual stop, standing down")
			return nil
		}

		now := time.Now()
		if !w.policy.Allow(now) {
			err := fmt.Errorf("%w (%d within %s)", ErrExhausted, w.policy.CountInWindow(now), w.policy.Window)
			w.logf("%v", err)
			if w.onExhausted != nil {
				w.onExhausted(err)
			}
			return err
		}

		w.policy.Record(now)
		code := exitCode
		ev := health.RestartEvent{
			Timestamp: now,
			Reason:    health.ReasonWatchdog,
		}
		if code >= 0 {
			ev.ExitCode = &code
		}
		w.recorder.RecordRestart(ev)
		w.logf("daemon exited unexpectedly (code %d), restarting in %s (%d/%d in window)",
			exitCode, backoff, w.policy.CountInWindow(now), w.policy.Max)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}
