// Package task defines the task data model shared by the store, the
// scheduler, and orphan recovery.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusOrphaned  Status = "orphaned"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusPaused:    true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusOrphaned:  true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// Terminal returns true for states a task never leaves on its own.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks for dispatch. Higher values dispatch first.
// The named tiers cover normal use; operators may use any int.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
	PriorityUrgent Priority = 30
)

// ParsePriority maps a tier name to a Priority. Numeric strings are not
// accepted here; the CLI handles those separately.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// String returns the tier name, or the numeric value for custom levels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("%d", int(p))
}

// Validation errors surfaced at enqueue time.
var (
	ErrSelfDependency  = errors.New("task depends on itself")
	ErrDependencyCycle = errors.New("dependency cycle detected")
	ErrEmptyTitle      = errors.New("task title is empty")
)

// Task is a long-lived, multi-stage unit of work.
//
// StartedAt is set exactly when the task first leaves queued and is never
// cleared afterward, even across requeues. WorkspaceRef is an opaque handle
// owned by the execution backend; the core stores it but never interprets it.
type Task struct {
	// ID is the unique task identifier (UUID string).
	ID string `json:"id"`

	// Title is a human-readable label for the task.
	Title string `json:"title"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Priority orders dispatch; higher first, FIFO within a tier.
	Priority Priority `json:"priority"`

	// DependsOn lists task IDs that must be completed before this task
	// is ready for dispatch.
	DependsOn []string `json:"depends_on,omitempty"`

	// Stage is a free-form workflow step label maintained by the backend.
	Stage string `json:"stage,omitempty"`

	// WorkspaceRef is the execution backend's workspace handle.
	WorkspaceRef string `json:"workspace_ref,omitempty"`

	// ResumeRef is the backend's resumable-state reference, set when the
	// task is paused and consumed on resume.
	ResumeRef string `json:"resume_ref,omitempty"`

	// FailReason holds the most recent failure reason, if any.
	FailReason string `json:"fail_reason,omitempty"`

	// RetryCount is the number of requeues (retry or orphan recovery).
	RetryCount int `json:"retry_count"`

	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the task first left queued. Nil until then.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// LastHeartbeatAt is the most recent progress report from the backend.
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued task with a fresh ID and creation timestamp.
func New(title string, priority Priority, dependsOn []string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusQueued,
		Priority:  priority,
		DependsOn: dependsOn,
		CreatedAt: time.Now(),
	}
}

// Validate checks the task's own fields. Cycle detection against the rest
// of the graph happens at the store boundary, where the graph is known.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return ErrSelfDependency
		}
	}
	return nil
}

// LastSeen returns the task's most recent sign of life: LastHeartbeatAt if
// recorded, otherwise StartedAt. The zero time means the task never started.
func (t *Task) LastSeen() time.Time {
	if t.LastHeartbeatAt != nil {
		return *t.LastHeartbeatAt
	}
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return time.Time{}
}

// CheckCycle reports whether adding candidate (with its DependsOn set) to
// the dependency graph described by deps would create a cycle. The deps map
// holds the existing graph: task ID to its dependency IDs.
func CheckCycle(candidate *Task, deps map[string][]string) error {
	for _, d := range candidate.DependsOn {
		if d == candidate.ID {
			return ErrSelfDependency
		}
	}

	// Walk the graph from each declared dependency; reaching the candidate
	// again means the new edge closes a loop.
	graph := make(map[string][]string, len(deps)+1)
	for id, d := range deps {
		graph[id] = d
	}
	graph[candidate.ID] = candidate.DependsOn

	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == candidate.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range graph[id] {
			if walk(next) {
				return true
			}
		}
		return false
	}

	for _, d := range candidate.DependsOn {
		if walk(d) {
			return fmt.Errorf("%w: via %s", ErrDependencyCycle, d)
		}
	}
	return nil
}
