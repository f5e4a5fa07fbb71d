// Package health implements the daemon's health monitor: a fixed-interval
// sampler of process metrics, a bounded history of restart events, and an
// on-demand aggregate report.
package health

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// RestartReason says what triggered a restart event.
type RestartReason string

const (
	ReasonCrash      RestartReason = "crash"
	ReasonWatchdog   RestartReason = "watchdog"
	ReasonManual     RestartReason = "manual"
	ReasonForcedStop RestartReason = "forced-stop"
)

// RestartEvent records one daemon restart (or forced stop, for audit).
// ExitCode is nil when the exit code is unknown; nil and zero are distinct
// and must stay that way.
type RestartEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Reason    RestartReason `json:"reason"`
	ExitCode  *int          `json:"exit_code,omitempty"`
}

// Report is a point-in-time health snapshot. Derived on demand from the
// monitor's counters and history; never persisted independently.
type Report struct {
	Uptime         time.Duration  `json:"uptime"`
	MemoryBytes    uint64         `json:"memory_bytes"`
	ChecksRun      int            `json:"checks_run"`
	ChecksPassed   int            `json:"checks_passed"`
	ChecksFailed   int            `json:"checks_failed"`
	PassRate       float64        `json:"pass_rate"`
	RecentRestarts []RestartEvent `json:"recent_restarts"` // most recent first
}

// Sampler reads a process-level metric sample. Injectable so tests can
// force failures; the default reads runtime.MemStats.
type Sampler func() (memoryBytes uint64, err error)

func runtimeSampler() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}

// Monitor samples process health on a fixed interval and owns the bounded
// restart-event history.
type Monitor struct {
	interval    time.Duration
	historySize int
	sampler     Sampler
	logf        func(format string, args ...any)
	metrics     *monitorMetrics

	mu           sync.RWMutex
	startedAt    time.Time
	checksRun    int
	checksPassed int
	checksFailed int
	lastMemory   uint64
	restarts     []RestartEvent // append order; oldest evicted at cap
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the default runtime sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithLogf sets the monitor's log sink.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(m *Monitor) { m.logf = logf }
}

// NewMonitor creates a Monitor sampling every interval, keeping at most
// historySize restart events.
func NewMonitor(interval time.Duration, historySize int, opts ...Option) *Monitor {
	m := &Monitor{
		interval:    interval,
		historySize: historySize,
		sampler:     runtimeSampler,
		logf:        func(string, ...any) {},
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMonitorMetrics(m)
	return m
}

// Run samples on the configured interval until ctx is cancelled. Sampler
// errors count as failed checks; the loop itself never dies. The monitor
// must be more reliable than the thing it watches.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs a single health sample.
func (m *Monitor) Check() {
	mem, err := m.safeSample()

	m.mu.Lock()
	m.checksRun++
	if err != nil {
		m.checksFailed++
	} else {
		m.checksPassed++
		m.lastMemory = mem
	}
	m.mu.Unlock()

	if err != nil {
		m.logf("health check failed: %v", err)
	}
	m.metrics.recordCheck(context.Background(), err == nil)
}

// safeSample guards against a panicking sampler; a panic is a failed
// check, not a dead monitor.
func (m *Monitor) safeSample() (mem uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("health sampler panicked")
		}
	}()
	return m.sampler()
}

// RecordRestart appends an event to the bounded history, evicting the
// oldest entry at capacity.
func (m *Monitor) RecordRestart(ev RestartEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.restarts = append(m.restarts, ev)
	if len(m.restarts) > m.historySize {
		m.restarts = m.restarts[len(m.restarts)-m.historySize:]
	}
	m.mu.Unlock()

	m.metrics.recordRestart(context.Background(), string(ev.Reason))
}

// Report returns the current health snapshot. Pure: calling it does not
// mutate counters or history.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{
		Uptime:       time.Since(m.startedAt),
		MemoryBytes:  m.lastMemory,
		ChecksRun:    m.checksRun,
		ChecksPassed: m.checksPassed,
		ChecksFailed: m.checksFailed,
	}
	if m.checksRun > 0 {
		r.PassRate = float64(m.checksPassed) / float64(m.checksRun)
	}

	// History is kept in append order; reporting wants most recent first.
	r.RecentRestarts = make([]RestartEvent, len(m.restarts))
	for i, ev := range m.restarts {
		r.RecentRestarts[len(m.restarts)-1-i] = ev
	}
	return r
}

// Reset clears counters and restart history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checksRun = 0
	m.checksPassed = 0
	m.checksFailed = 0
	m.lastMemory = 0
	m.restarts = nil
	m.startedAt = time.Now()
}
