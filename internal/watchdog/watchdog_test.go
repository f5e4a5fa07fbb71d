package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehill/foreman/internal/health"
)

// fakeRunner exits with a scripted code after an optional delay.
type fakeRunner struct {
	exitCode int
	delay    time.Duration
	started  chan<- struct{}
}

func (r *fakeRunner) Start() error { return nil }
func (r *fakeRunner) Wait() (int, error) {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	time.Sleep(r.delay)
	return r.exitCode, nil
}

func TestPolicySlidingWindow(t *testing.T) {
	p := &Policy{Max: 3, Window: time.Minute}
	now := time.Now()

	assert.True(t, p.Allow(now))
	p.Record(now)
	p.Record(now.Add(time.Second))
	assert.True(t, p.Allow(now.Add(2*time.Second)))
	p.Record(now.Add(2*time.Second))

	// Three restarts inside the window: the fourth is denied.
	assert.False(t, p.Allow(now.Add(3*time.Second)))

	// Once the oldest falls out of the window, budget frees up.
	assert.True(t, p.Allow(now.Add(61*time.Second)))
	assert.Equal(t, 2, p.CountInWindow(now.Add(61*time.Second)))
}

func TestWatchdogRestartsUntilExhausted(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)
	launches := 0

	w := New(2, time.Minute, func() (Runner, error) {
		launches++
		return &fakeRunner{exitCode: 7}, nil
	}, monitor, func() bool { return false },
		WithBackoff(time.Millisecond, 4*time.Millisecond))

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	// Initial launch + 2 budgeted restarts = 3 launches; the third crash
	// inside the window exhausts the policy instead of relaunching.
	assert.Equal(t, 3, launches)

	r := monitor.Report()
	require.Len(t, r.RecentRestarts, 2)
	for _, ev := range r.RecentRestarts {
		assert.Equal(t, health.ReasonWatchdog, ev.Reason)
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 7, *ev.ExitCode)
	}
}

func TestWatchdogBacksOffBetweenRestarts(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)

	w := New(2, time.Minute, func() (Runner, error) {
		return &fakeRunner{exitCode: 1}, nil
	}, monitor, func() bool { return false },
		WithBackoff(30*time.Millisecond, 200*time.Millisecond))

	start := time.Now()
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	// Two restarts with doubling backoff: 30ms + 60ms at minimum. An
	// instant-crash loop must not burn the whole budget immediately.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// spyRecorder collects restart events outside a health.Monitor.
type spyRecorder struct {
	events []health.RestartEvent
}

func (r *spyRecorder) RecordRestart(ev health.RestartEvent) {
	r.events = append(r.events, ev)
}

func TestWatchdogReportsThroughRecorder(t *testing.T) {
	rec := &spyRecorder{}

	w := New(1, time.Minute, func() (Runner, error) {
		return &fakeRunner{exitCode: 9}, nil
	}, rec, func() bool { return false },
		WithBackoff(time.Millisecond, 4*time.Millisecond))

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	require.Len(t, rec.events, 1)
	assert.Equal(t, health.ReasonWatchdog, rec.events[0].Reason)
	require.NotNil(t, rec.events[0].ExitCode)
	assert.Equal(t, 9, *rec.events[0].ExitCode)
}

func TestWatchdogStandsDownOnManualStop(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)
	launches := 0

	w := New(5, time.Minute, func() (Runner, error) {
		launches++
		return &fakeRunner{exitCode: 0}, nil
	}, monitor, func() bool { return true })

	err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launches, "manual stop must not trigger a restart")
	assert.Empty(t, monitor.Report().RecentRestarts)
}

func TestWatchdogStopsOnContextCancel(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)
	started := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	w := New(100, time.Minute, func() (Runner, error) {
		return &fakeRunner{exitCode: 1, delay: 10 * time.Millisecond, started: started}, nil
	}, monitor, func() bool { return false },
		WithBackoff(time.Millisecond, 4*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		// Cancellation may race one extra restart; either way Run returns
		// nil rather than ErrExhausted.
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop on cancel")
	}
}

func TestWatchdogExhaustedCallback(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)
	var surfaced error

	w := New(0, time.Minute, func() (Runner, error) {
		return &fakeRunner{exitCode: 2}, nil
	}, monitor, func() bool { return false },
		WithOnExhausted(func(err error) { surfaced = err }))

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, surfaced, ErrExhausted)
}

func TestWatchdogSignalExitPreservesUnknownCode(t *testing.T) {
	monitor := health.NewMonitor(time.Minute, 10)
	first := true

	w := New(1, time.Minute, func() (Runner, error) {
		if first {
			first = false
			return &fakeRunner{exitCode: -1}, nil // killed by signal
		}
		return &fakeRunner{exitCode: 3}, nil
	}, monitor, func() bool { return false },
		WithBackoff(time.Millisecond, 4*time.Millisecond))

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	r := monitor.Report()
	require.Len(t, r.RecentRestarts, 1)
	assert.Nil(t, r.RecentRestarts[0].ExitCode, "signal death records unknown exit code")
}
