package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehill/foreman/internal/backend"
	"github.com/sagehill/foreman/internal/eventbus"
	"github.com/sagehill/foreman/internal/limits"
	"github.com/sagehill/foreman/internal/store"
	"github.com/sagehill/foreman/internal/task"
)

const (
	testTick     = 20 * time.Millisecond
	testRetryMax = 2
	waitFor      = 3 * time.Second
	pollEvery    = 10 * time.Millisecond
)

type fixture struct {
	store  *store.Store
	double *backend.Double
	bus    *eventbus.Bus
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lm, err := limits.NewMonitor(1000, limits.Thresholds{
		Summarize: 0.60, Checkpoint: 0.80, Handoff: 0.95,
	})
	require.NoError(t, err)

	double := backend.NewDouble()
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	return &fixture{
		store:  s,
		double: double,
		bus:    bus,
		sched:  New(s, double, lm, bus, testTick, testRetryMax, WithLogf(t.Logf)),
	}
}

// run starts the scheduler loop and stops it at test cleanup.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) enqueue(t *testing.T, title string, p task.Priority, deps []string) *task.Task {
	t.Helper()
	tk := task.New(title, p, deps)
	require.NoError(t, f.store.Create(context.Background(), tk))
	return tk
}

func (f *fixture) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, waitFor, pollEvery, "task %s never reached status %s", id, want)
	return got
}

func TestDispatchOrdersByPriority(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe()
	defer unsub()

	low := f.enqueue(t, "background sweep", task.PriorityLow, nil)
	high := f.enqueue(t, "hotfix", task.PriorityHigh, nil)
	f.double.ScriptTask(low.ID, backend.Script{Hang: true})
	f.double.ScriptTask(high.ID, backend.Script{Hang: true})

	f.run(t)

	var order []string
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.TypeTaskDispatched {
					order = append(order, ev.TaskID)
				}
			default:
				return len(order) >= 2
			}
		}
	}, waitFor, pollEvery)

	assert.Equal(t, []string{high.ID, low.ID}, order)
}

func TestTaskCompletes(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "quick win", task.PriorityNormal, nil)

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusCompleted)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.StartedAt)
	assert.Empty(t, got.FailReason)
}

func TestDependentRunsAfterDependency(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, "build", task.PriorityNormal, nil)
	second := f.enqueue(t, "deploy", task.PriorityNormal, []string{first.ID})

	f.run(t)

	f.waitStatus(t, first.ID, task.StatusCompleted)
	f.waitStatus(t, second.ID, task.StatusCompleted)
}

func TestUrgentTaskWaitsForDependency(t *testing.T) {
	f := newFixture(t)
	dep := f.enqueue(t, "long prep", task.PriorityNormal, nil)
	urgent := f.enqueue(t, "urgent but blocked", task.PriorityUrgent, []string{dep.ID})
	free := f.enqueue(t, "small free task", task.PriorityNormal, nil)
	f.double.ScriptTask(dep.ID, backend.Script{Hang: true})

	f.run(t)

	f.waitStatus(t, free.ID, task.StatusCompleted)

	got, err := f.store.Get(context.Background(), urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status, "dependency incomplete, urgency does not matter")
}

func TestRetryableFailureRequeuedUntilBudgetSpent(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "flaky job", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{Fail: true, Reason: "transient network error", Retryable: true})

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusFailed)
	assert.Equal(t, testRetryMax, got.RetryCount)
	assert.Equal(t, "transient network error", got.FailReason)
}

func TestNonRetryableFailureIsFinal(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "doomed job", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{Fail: true, Reason: "bad input", Retryable: false})

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusFailed)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "bad input", got.FailReason)
}

func TestFailedDependencyHoldsDependent(t *testing.T) {
	f := newFixture(t)
	dep := f.enqueue(t, "prereq", task.PriorityNormal, nil)
	child := f.enqueue(t, "needs prereq", task.PriorityNormal, []string{dep.ID})
	f.double.ScriptTask(dep.ID, backend.Script{Fail: true, Reason: "broken", Retryable: false})

	f.run(t)

	f.waitStatus(t, dep.ID, task.StatusFailed)
	time.Sleep(3 * testTick)

	got, err := f.store.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status, "blocked tasks are held, not dropped")

	blocked, err := f.store.ListBlocked(context.Background())
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, child.ID, blocked[0].ID)
}

func TestPausesAtCheckpointThreshold(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "token hungry", task.PriorityNormal, nil)
	// 500 then 350: 850 of 1000 crosses checkpoint (0.80) but not handoff.
	f.double.ScriptTask(tk.ID, backend.Script{
		ProgressDeltas: []int{500, 350},
		StepDelay:      5 * time.Millisecond,
		Hang:           true,
	})

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusPaused)
	assert.NotEmpty(t, got.ResumeRef)
	assert.Equal(t, "checkpoint", got.Stage)

	pauses, _, _ := f.double.Calls()
	assert.Equal(t, []string{tk.ID}, pauses)
}

func TestPausesAtHandoffThreshold(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "runaway session", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{
		ProgressDeltas: []int{960},
		StepDelay:      5 * time.Millisecond,
		Hang:           true,
	})

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusPaused)
	assert.Equal(t, "handoff", got.Stage)
}

func TestCancelPausedTaskTearsDownWorkspace(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "paused then cancelled", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{
		ProgressDeltas: []int{900},
		StepDelay:      5 * time.Millisecond,
		Hang:           true,
	})

	f.run(t)
	f.waitStatus(t, tk.ID, task.StatusPaused)

	require.NoError(t, f.sched.Cancel(context.Background(), tk.ID))

	got := f.waitStatus(t, tk.ID, task.StatusCancelled)
	assert.NotEmpty(t, got.WorkspaceRef)

	_, _, cancels := f.double.Calls()
	assert.Equal(t, []string{tk.ID}, cancels, "paused workspace must be torn down")
}

func TestTextOnlyProgressCountsTokens(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "chatty backend", task.PriorityNormal, nil)
	// No usage numbers, only raw output. Enough text that any counting
	// method blows well past the 1000-token budget.
	f.double.ScriptTask(tk.ID, backend.Script{
		ProgressTexts: []string{strings.Repeat("alpha beta gamma delta ", 400)},
		StepDelay:     5 * time.Millisecond,
		Hang:          true,
	})

	f.run(t)

	got := f.waitStatus(t, tk.ID, task.StatusPaused)
	assert.NotEmpty(t, got.ResumeRef)

	pauses, _, _ := f.double.Calls()
	assert.Equal(t, []string{tk.ID}, pauses)
}

func TestResumeContinuesPausedTask(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "pausable", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{
		ProgressDeltas: []int{900},
		StepDelay:      5 * time.Millisecond,
		Hang:           true,
	})

	f.run(t)
	f.waitStatus(t, tk.ID, task.StatusPaused)

	require.NoError(t, f.sched.Resume(context.Background(), tk.ID))

	got := f.waitStatus(t, tk.ID, task.StatusRunning)
	assert.Empty(t, got.ResumeRef, "resume reference is consumed")

	_, resumes, _ := f.double.Calls()
	assert.Equal(t, []string{tk.ID}, resumes)
}

func TestResumeRejectsNonPaused(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "still queued", task.PriorityNormal, nil)

	err := f.sched.Resume(context.Background(), tk.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queued")
}

func TestCancelQueuedTaskIsNeverDispatched(t *testing.T) {
	f := newFixture(t)
	blockerDep := f.enqueue(t, "slow dep", task.PriorityNormal, nil)
	tk := f.enqueue(t, "to cancel", task.PriorityNormal, []string{blockerDep.ID})
	f.double.ScriptTask(blockerDep.ID, backend.Script{Hang: true})

	f.run(t)
	f.waitStatus(t, blockerDep.ID, task.StatusRunning)

	require.NoError(t, f.sched.Cancel(context.Background(), tk.ID))
	time.Sleep(3 * testTick)

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	_, _, cancels := f.double.Calls()
	assert.Empty(t, cancels, "queued tasks have no workspace to tear down")
}

func TestCancelRunningTaskTearsDownWorkspace(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "long runner", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{Hang: true})

	f.run(t)
	f.waitStatus(t, tk.ID, task.StatusRunning)
	require.Eventually(t, func() bool { return f.sched.ActiveCount() == 1 }, waitFor, pollEvery)

	require.NoError(t, f.sched.Cancel(context.Background(), tk.ID))

	f.waitStatus(t, tk.ID, task.StatusCancelled)
	require.Eventually(t, func() bool {
		_, _, cancels := f.double.Calls()
		return len(cancels) == 1 && cancels[0] == tk.ID
	}, waitFor, pollEvery)
	assert.Equal(t, 0, f.sched.ActiveCount())
}

func TestExternallyCancelledTaskIsReconciled(t *testing.T) {
	f := newFixture(t)
	tk := f.enqueue(t, "cancelled from another process", task.PriorityNormal, nil)
	f.double.ScriptTask(tk.ID, backend.Script{Hang: true})

	f.run(t)
	f.waitStatus(t, tk.ID, task.StatusRunning)

	// Another process flips the row straight in the store.
	_, err := f.store.Cancel(context.Background(), tk.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, cancels := f.double.Calls()
		return len(cancels) == 1 && f.sched.ActiveCount() == 0
	}, waitFor, pollEvery, "reconcile tears down the abandoned workspace")
}

func TestCompletionEventPublished(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe()
	defer unsub()

	tk := f.enqueue(t, "observed task", task.PriorityNormal, nil)
	f.run(t)
	f.waitStatus(t, tk.ID, task.StatusCompleted)

	var sawDispatch, sawComplete bool
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				switch ev.Type {
				case eventbus.TypeTaskDispatched:
					sawDispatch = true
				case eventbus.TypeTaskCompleted:
					sawComplete = true
				}
			default:
				return sawDispatch && sawComplete
			}
		}
	}, waitFor, pollEvery)
}
