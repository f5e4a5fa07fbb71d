// Package scheduler owns task dispatch. It picks ready work out of the
// store, hands it to the execution backend, and consumes the backend's
// event stream. All backend progress arrives on a single channel owned by
// the scheduler; no shared mutable state crosses the boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sagehill/foreman/internal/backend"
	"github.com/sagehill/foreman/internal/eventbus"
	"github.com/sagehill/foreman/internal/limits"
	"github.com/sagehill/foreman/internal/store"
	"github.com/sagehill/foreman/internal/task"
)

// eventBuffer sizes the backend event channel. Backends block when the
// scheduler falls this far behind, which is the correct backpressure.
const eventBuffer = 64

// activeTask is the scheduler's in-memory record of one dispatched task.
type activeTask struct {
	handle   backend.Handle
	consumed int
	advised  limits.Recommendation
}

// Scheduler runs the dispatch loop.
type Scheduler struct {
	store    *store.Store
	backend  backend.Backend
	limits   *limits.Monitor
	bus      *eventbus.Bus
	tick     time.Duration
	retryMax int
	logf     func(format string, args ...any)
	metrics  *schedulerMetrics

	events chan backend.Event

	mu      sync.Mutex
	active  map[string]*activeTask
	blocked map[string]bool // task IDs already reported blocked
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogf routes scheduler log lines to a custom sink.
func WithLogf(logf func(string, ...any)) Option {
	return func(s *Scheduler) { s.logf = logf }
}

// New creates a Scheduler. bus may be nil when no one listens.
func New(st *store.Store, be backend.Backend, lm *limits.Monitor, bus *eventbus.Bus, tick time.Duration, retryMax int, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		backend:  be,
		limits:   lm,
		bus:      bus,
		tick:     tick,
		retryMax: retryMax,
		logf:     func(string, ...any) {},
		events:   make(chan backend.Event, eventBuffer),
		active:   make(map[string]*activeTask),
		blocked:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newSchedulerMetrics(s)
	return s
}

// Run drives the scheduler until ctx is cancelled. One dispatch pass runs
// immediately; after that, ticks and backend events interleave.
func (s *Scheduler) Run(ctx context.Context) error {
	s.dispatch(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
			s.heartbeats(ctx)
			s.surfaceBlocked(ctx)
			s.dispatch(ctx)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// ActiveCount reports how many tasks the scheduler currently tracks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// dispatch claims and starts every ready task. A task that fails to start
// is not retried within the same pass; the next tick picks it up again.
func (s *Scheduler) dispatch(ctx context.Context) {
	attempted := make(map[string]bool)
	for {
		t, err := s.store.NextReady(ctx)
		if err != nil {
			s.logf("dispatch: ready query failed: %v", err)
			return
		}
		if t == nil || attempted[t.ID] {
			return
		}
		attempted[t.ID] = true

		claimed, err := s.store.Claim(ctx, t.ID)
		if errors.Is(err, store.ErrNotClaimable) {
			// Another actor moved the task between the ready query and
			// the claim. Normal under concurrency.
			continue
		}
		if err != nil {
			s.logf("dispatch: claiming task %s: %v", t.ID, err)
			return
		}
		s.start(ctx, claimed)
	}
}

// start hands a freshly claimed task to the backend.
func (s *Scheduler) start(ctx context.Context, t *task.Task) {
	handle, err := s.backend.Run(ctx, t, s.events)
	if err != nil {
		s.logf("dispatch: backend rejected task %s: %v", t.ID, err)
		s.failOrRetry(ctx, t.ID, fmt.Sprintf("dispatch: %v", err), true)
		return
	}

	ref := string(handle)
	if err := s.store.UpdateStatus(ctx, t.ID, task.StatusRunning, &store.Fields{WorkspaceRef: &ref}); err != nil {
		s.logf("dispatch: recording workspace for task %s: %v", t.ID, err)
	}

	s.mu.Lock()
	s.active[t.ID] = &activeTask{handle: handle, advised: limits.Continue}
	s.mu.Unlock()

	s.logf("dispatched task %s (%s, priority %s, retry %d)", t.ID, t.Title, t.Priority, t.RetryCount)
	s.publish(eventbus.TypeTaskDispatched, t.ID, map[string]any{
		"priority":    t.Priority.String(),
		"retry_count": t.RetryCount,
	})
	s.metrics.recordDispatched(ctx)
}

// handleEvent processes one backend event.
func (s *Scheduler) handleEvent(ctx context.Context, ev backend.Event) {
	switch ev.Kind {
	case backend.EventProgress:
		s.handleProgress(ctx, ev)
	case backend.EventCompleted:
		s.handleCompleted(ctx, ev)
	case backend.EventFailed:
		s.handleFailed(ctx, ev)
	default:
		s.logf("ignoring unknown backend event kind %q for task %s", ev.Kind, ev.TaskID)
	}
}

func (s *Scheduler) handleProgress(ctx context.Context, ev backend.Event) {
	s.mu.Lock()
	at := s.active[ev.TaskID]
	if at == nil {
		// Late event from a task already released (cancelled, paused,
		// or finished). Dropped.
		s.mu.Unlock()
		return
	}
	delta := ev.UsageDelta
	if delta == 0 && ev.Text != "" {
		// Text-only backends report raw output; count it ourselves.
		delta = limits.CountTokens(ev.Text)
	}
	at.consumed += delta
	consumed := at.consumed
	prior := at.advised
	s.mu.Unlock()

	if err := s.store.Heartbeat(ctx, ev.TaskID); err != nil {
		s.logf("heartbeat for task %s: %v", ev.TaskID, err)
	}

	st := s.limits.Evaluate(consumed)
	if st.Recommendation == prior || !st.Recommendation.AtLeast(prior) {
		return
	}

	s.mu.Lock()
	if at := s.active[ev.TaskID]; at != nil {
		at.advised = st.Recommendation
	}
	s.mu.Unlock()

	switch {
	case st.Recommendation.AtLeast(limits.Checkpoint):
		s.pause(ctx, ev.TaskID, st)
	case st.Recommendation == limits.Summarize:
		s.logf("task %s at %.0f%% of session budget, summarize advised",
			ev.TaskID, st.Utilization*100)
	}
}

// pause checkpoints a running task whose session is near its limit. The
// resumable reference the backend hands back is persisted so the task can
// continue in a fresh session.
func (s *Scheduler) pause(ctx context.Context, id string, st limits.Status) {
	s.mu.Lock()
	at := s.active[id]
	if at == nil {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	s.mu.Unlock()

	resumable, err := s.backend.Pause(at.handle)
	if err != nil {
		// The task keeps running; the budget pressure only grows, so the
		// next progress event retries the pause.
		s.logf("pausing task %s: %v", id, err)
		s.mu.Lock()
		at.advised = limits.Summarize
		s.active[id] = at
		s.mu.Unlock()
		return
	}

	stage := string(st.Recommendation)
	if err := s.store.UpdateStatus(ctx, id, task.StatusPaused, &store.Fields{
		ResumeRef: &resumable,
		Stage:     &stage,
	}); err != nil {
		s.logf("recording pause for task %s: %v", id, err)
	}

	s.logf("paused task %s at %.0f%% of session budget (%s)", id, st.Utilization*100, st.Recommendation)
	s.publish(eventbus.TypeTaskPaused, id, map[string]any{
		"recommendation": string(st.Recommendation),
		"utilization":    st.Utilization,
		"consumed":       st.Consumed,
	})
	s.metrics.recordPaused(ctx, st.Recommendation)
}

func (s *Scheduler) handleCompleted(ctx context.Context, ev backend.Event) {
	s.release(ev.TaskID)

	if err := s.store.UpdateStatus(ctx, ev.TaskID, task.StatusCompleted, nil); err != nil {
		s.logf("recording completion for task %s: %v", ev.TaskID, err)
		return
	}
	s.logf("task %s completed", ev.TaskID)
	s.publish(eventbus.TypeTaskCompleted, ev.TaskID, nil)
	s.metrics.recordCompleted(ctx)

	// A completion can unblock dependents; re-evaluate immediately instead
	// of waiting out the tick.
	s.dispatch(ctx)
}

func (s *Scheduler) handleFailed(ctx context.Context, ev backend.Event) {
	s.release(ev.TaskID)
	s.failOrRetry(ctx, ev.TaskID, ev.Reason, ev.Retryable)
	s.metrics.recordFailed(ctx, ev.Retryable)
	s.dispatch(ctx)
}

// failOrRetry requeues a retryable failure until the retry budget is
// spent, then marks the task failed for good.
func (s *Scheduler) failOrRetry(ctx context.Context, id, reason string, retryable bool) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.logf("looking up failed task %s: %v", id, err)
		return
	}

	if retryable && t.RetryCount < s.retryMax {
		if err := s.store.Requeue(ctx, id); err != nil {
			s.logf("requeueing task %s: %v", id, err)
			return
		}
		s.logf("task %s failed (%s), requeued (attempt %d of %d)", id, reason, t.RetryCount+1, s.retryMax)
		s.publish(eventbus.TypeTaskFailed, id, map[string]any{
			"reason":    reason,
			"retryable": true,
			"requeued":  true,
		})
		return
	}

	if err := s.store.UpdateStatus(ctx, id, task.StatusFailed, &store.Fields{FailReason: &reason}); err != nil {
		s.logf("recording failure for task %s: %v", id, err)
		return
	}
	s.logf("task %s failed permanently: %s", id, reason)
	s.publish(eventbus.TypeTaskFailed, id, map[string]any{
		"reason":    reason,
		"retryable": retryable,
		"requeued":  false,
	})
}

// Cancel stops a queued, running, or paused task. Running tasks also get
// their backend workspace torn down. A task cancelled while queued is
// never dispatched afterward.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	prior, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}

	if prior == task.StatusRunning || prior == task.StatusPaused {
		s.mu.Lock()
		at := s.active[id]
		delete(s.active, id)
		s.mu.Unlock()

		// Paused tasks left the active set; their workspace handle
		// survives on the record.
		handle := backend.Handle("")
		if at != nil {
			handle = at.handle
		} else if t, err := s.store.Get(ctx, id); err == nil {
			handle = backend.Handle(t.WorkspaceRef)
		}
		if handle != "" {
			if err := s.backend.Cancel(handle); err != nil {
				s.logf("tearing down workspace for cancelled task %s: %v", id, err)
			}
		}
	}

	s.logf("task %s cancelled (was %s)", id, prior)
	s.publish(eventbus.TypeTaskCancelled, id, map[string]any{"prior_status": string(prior)})
	s.metrics.recordCancelled(ctx)
	return nil
}

// Resume continues a paused task from its persisted resumable reference.
// Session consumption restarts at zero: the pause ended the old session.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPaused {
		return fmt.Errorf("cannot resume task in status %q", t.Status)
	}

	handle := backend.Handle(t.WorkspaceRef)
	if err := s.backend.Resume(handle, t.ResumeRef); err != nil {
		return fmt.Errorf("resuming task %s: %w", id, err)
	}

	empty := ""
	if err := s.store.UpdateStatus(ctx, id, task.StatusRunning, &store.Fields{ResumeRef: &empty}); err != nil {
		return fmt.Errorf("recording resume for task %s: %w", id, err)
	}
	if err := s.store.Heartbeat(ctx, id); err != nil {
		s.logf("heartbeat for resumed task %s: %v", id, err)
	}

	s.mu.Lock()
	s.active[id] = &activeTask{handle: handle, advised: limits.Continue}
	s.mu.Unlock()

	s.logf("resumed task %s", id)
	s.publish(eventbus.TypeTaskDispatched, id, map[string]any{"resumed": true})
	return nil
}

// reconcile notices store-side changes the scheduler did not make itself,
// chiefly tasks cancelled by another process while running.
func (s *Scheduler) reconcile(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		t, err := s.store.Get(ctx, id)
		if errors.Is(err, store.ErrTaskNotFound) {
			s.teardown(id, "deleted")
			continue
		}
		if err != nil {
			s.logf("reconcile: reading task %s: %v", id, err)
			continue
		}
		if t.Status == task.StatusCancelled {
			if s.teardown(id, "cancelled externally") {
				s.publish(eventbus.TypeTaskCancelled, id, map[string]any{"prior_status": string(task.StatusRunning)})
				s.metrics.recordCancelled(ctx)
			}
		}
	}
}

// teardown drops a task from the active set and cancels its workspace.
// Reports whether the task was still tracked.
func (s *Scheduler) teardown(id, why string) bool {
	s.mu.Lock()
	at := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if at == nil {
		return false
	}
	if err := s.backend.Cancel(at.handle); err != nil {
		s.logf("tearing down workspace for task %s (%s): %v", id, why, err)
	}
	s.logf("released task %s: %s", id, why)
	return true
}

// heartbeats stamps liveness for every active task once per tick, so a
// backend that emits progress rarely still keeps its tasks out of orphan
// recovery's reach.
func (s *Scheduler) heartbeats(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.store.Heartbeat(ctx, id); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			s.logf("heartbeat for task %s: %v", id, err)
		}
	}
}

// surfaceBlocked logs tasks whose dependencies have failed or been
// cancelled. They stay queued for an operator to untangle; the log line
// fires once per task.
func (s *Scheduler) surfaceBlocked(ctx context.Context) {
	blocked, err := s.store.ListBlocked(ctx)
	if err != nil {
		s.logf("blocked query failed: %v", err)
		return
	}
	for _, t := range blocked {
		s.mu.Lock()
		seen := s.blocked[t.ID]
		s.blocked[t.ID] = true
		s.mu.Unlock()
		if !seen {
			s.logf("task %s is blocked: a dependency failed or was cancelled", t.ID)
		}
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Scheduler) publish(t eventbus.Type, taskID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishTask(t, taskID, data)
}
