// Package recovery reconciles tasks left running by a dead daemon
// instance. It runs once per startup, after the PID file is claimed and
// strictly before the scheduler's first dispatch.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sagehill/foreman/internal/config"
	"github.com/sagehill/foreman/internal/eventbus"
	"github.com/sagehill/foreman/internal/store"
	"github.com/sagehill/foreman/internal/task"
)

// Result summarizes one recovery pass.
type Result struct {
	Scanned    int      // running tasks examined
	Detected   int      // reclassified orphaned
	Requeued   int      // policy=requeue outcomes
	Failed     int      // policy=fail outcomes
	LeftManual int      // policy=manual outcomes
	Orphans    []string // task IDs detected this pass
}

// Recoverer applies the configured orphan policy to stale running tasks.
type Recoverer struct {
	store     *store.Store
	bus       *eventbus.Bus
	threshold time.Duration
	policy    config.RecoveryPolicy
	logf      func(format string, args ...any)
}

// New creates a Recoverer. bus may be nil when no one listens.
func New(s *store.Store, bus *eventbus.Bus, threshold time.Duration, policy config.RecoveryPolicy, logf func(string, ...any)) *Recoverer {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Recoverer{
		store:     s,
		bus:       bus,
		threshold: threshold,
		policy:    policy,
		logf:      logf,
	}
}

// Run executes one recovery pass. Errors here are fatal to the startup
// attempt: a scheduler that dispatches before recovery is known safe is a
// correctness bug. Idempotent: a second pass with no intervening task
// activity changes nothing.
func (r *Recoverer) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	running, err := r.store.ListByStatus(ctx, task.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("scanning running tasks: %w", err)
	}
	result.Scanned = len(running)
	if len(running) == 0 {
		return result, nil
	}

	now := time.Now()
	cutoff := now.Add(-r.threshold)

	// Tasks updated within the threshold are presumed to belong to a
	// still-shutting-down prior instance and are left alone this pass.
	stale, err := r.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("staleness query: %w", err)
	}

	for _, t := range stale {
		lastSeen := t.LastSeen()
		if lastSeen.IsZero() {
			// Malformed row with neither start nor heartbeat timestamp;
			// maximally stale by definition.
			r.logf("task %s running with no timestamps, treating as stale", t.ID)
		}

		elapsed := now.Sub(lastSeen)
		if err := r.store.UpdateStatus(ctx, t.ID, task.StatusOrphaned, nil); err != nil {
			return nil, fmt.Errorf("marking task %s orphaned: %w", t.ID, err)
		}
		result.Detected++
		result.Orphans = append(result.Orphans, t.ID)
		r.logf("orphan detected: task %s last seen %s ago", t.ID, elapsed.Round(time.Second))
		r.publish(eventbus.TypeOrphanDetected, t.ID, map[string]any{
			"last_seen": lastSeen,
			"elapsed":   elapsed,
		})

		newStatus, err := r.apply(ctx, t, result)
		if err != nil {
			return nil, err
		}
		r.publish(eventbus.TypeOrphanRecovered, t.ID, map[string]any{
			"policy":     string(r.policy),
			"new_status": string(newStatus),
		})
	}

	if result.Detected > 0 {
		r.logf("orphan recovery: %d detected of %d running (policy %s)",
			result.Detected, result.Scanned, r.policy)
	}
	return result, nil
}

// apply runs the configured policy against one orphaned task and returns
// the task's resulting status.
func (r *Recoverer) apply(ctx context.Context, t *task.Task, result *Result) (task.Status, error) {
	switch r.policy {
	case config.PolicyRequeue:
		if err := r.store.Requeue(ctx, t.ID); err != nil {
			return "", fmt.Errorf("requeueing orphan %s: %w", t.ID, err)
		}
		result.Requeued++
		return task.StatusQueued, nil

	case config.PolicyFail:
		reason := "orphaned"
		if err := r.store.UpdateStatus(ctx, t.ID, task.StatusFailed, &store.Fields{FailReason: &reason}); err != nil {
			return "", fmt.Errorf("failing orphan %s: %w", t.ID, err)
		}
		result.Failed++
		return task.StatusFailed, nil

	case config.PolicyManual:
		result.LeftManual++
		return task.StatusOrphaned, nil
	}
	return "", fmt.Errorf("unknown recovery policy %q", r.policy)
}

func (r *Recoverer) publish(t eventbus.Type, taskID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.PublishTask(t, taskID, data)
}
