// Package backend defines the execution backend contract. Backends isolate
// and run a task's actual work (worktrees, containers, agent sessions);
// the core only dispatches, pauses, resumes, and cancels through this
// interface and consumes the events backends emit.
package backend

import (
	"context"

	"github.com/sagehill/foreman/internal/task"
)

// Handle is an opaque reference to a backend workspace. The core stores it
// on the task record but never interprets it.
type Handle string

// EventKind identifies a backend event.
type EventKind string

const (
	// EventProgress reports incremental resource consumption.
	EventProgress EventKind = "progress"
	// EventCompleted reports successful completion.
	EventCompleted EventKind = "completed"
	// EventFailed reports failure, with a retryable classification.
	EventFailed EventKind = "failed"
)

// Event is a backend-to-scheduler message. Dispatch is non-blocking; all
// progress and completion arrives through these.
type Event struct {
	TaskID string
	Kind   EventKind

	// UsageDelta is the resource (token) consumption since the previous
	// progress event. Progress events only.
	UsageDelta int

	// Text is the raw output since the previous progress event, for
	// backends that never see token counts. The scheduler converts it to
	// a usage delta when UsageDelta is zero. Progress events only.
	Text string

	// Reason describes a failure. Failed events only.
	Reason string

	// Retryable is the backend's classification of a failure. Failed
	// events only.
	Retryable bool
}

// Backend runs tasks asynchronously and reports through the events channel
// handed to Run. Implementations must not block Run on task completion.
type Backend interface {
	// Run starts executing the task and returns its workspace handle.
	// Events for the task are delivered to events until a terminal event.
	Run(ctx context.Context, t *task.Task, events chan<- Event) (Handle, error)

	// Pause stops execution and returns a resumable-state reference.
	Pause(h Handle) (resumable string, err error)

	// Resume continues a paused task from a resumable-state reference.
	Resume(h Handle, resumable string) error

	// Cancel tears the workspace down. No further events are emitted.
	Cancel(h Handle) error
}
