package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sagehill/foreman/internal/task"
)

// Double is a FAKE with SPY capabilities for the Backend interface: a
// working in-memory backend whose per-task behavior is scripted, recording
// Pause/Resume/Cancel calls for verification.
type Double struct {
	mu      sync.Mutex
	scripts map[string]Script
	handles map[Handle]string // handle -> task ID
	paused  map[Handle]string // handle -> resumable ref
	nextID  int

	// Call logs for test assertions.
	PauseLog  []string
	ResumeLog []string
	CancelLog []string
}

// Script describes what the double does for one task.
type Script struct {
	// ProgressDeltas are emitted as progress events, in order, with
	// StepDelay between them.
	ProgressDeltas []int

	// ProgressTexts are emitted as text-only progress events, after any
	// ProgressDeltas. Simulates a backend with no token accounting.
	ProgressTexts []string

	StepDelay time.Duration

	// Fail, when set, ends the run with a failed event instead of
	// completed.
	Fail      bool
	Reason    string
	Retryable bool

	// Hang, when set, emits progress then never terminates (until
	// cancelled). Simulates a task that dies with the daemon.
	Hang bool
}

// NewDouble creates an in-memory Backend test double.
func NewDouble() *Double {
	return &Double{
		scripts: make(map[string]Script),
		handles: make(map[Handle]string),
		paused:  make(map[Handle]string),
	}
}

// Ensure Double implements Backend.
var _ Backend = (*Double)(nil)

// ScriptTask installs the behavior for a task ID. Unscripted tasks
// complete immediately with no progress.
func (d *Double) ScriptTask(taskID string, s Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[taskID] = s
}

// Run starts the scripted behavior on a goroutine and returns a handle.
func (d *Double) Run(ctx context.Context, t *task.Task, events chan<- Event) (Handle, error) {
	d.mu.Lock()
	d.nextID++
	h := Handle(fmt.Sprintf("ws-%d", d.nextID))
	d.handles[h] = t.ID
	script := d.scripts[t.ID]
	d.mu.Unlock()

	progress := make([]Event, 0, len(script.ProgressDeltas)+len(script.ProgressTexts))
	for _, delta := range script.ProgressDeltas {
		progress = append(progress, Event{TaskID: t.ID, Kind: EventProgress, UsageDelta: delta})
	}
	for _, text := range script.ProgressTexts {
		progress = append(progress, Event{TaskID: t.ID, Kind: EventProgress, Text: text})
	}

	go func() {
		for _, ev := range progress {
			if script.StepDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(script.StepDelay):
				}
			}
			if d.isPausedOrGone(h) {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}

		if script.Hang {
			<-ctx.Done()
			return
		}
		if d.isPausedOrGone(h) {
			return
		}

		ev := Event{TaskID: t.ID, Kind: EventCompleted}
		if script.Fail {
			ev = Event{TaskID: t.ID, Kind: EventFailed, Reason: script.Reason, Retryable: script.Retryable}
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}()

	return h, nil
}

func (d *Double) isPausedOrGone(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[h]; !ok {
		return true
	}
	_, paused := d.paused[h]
	return paused
}

// Pause records the call and returns a synthetic resumable reference.
func (d *Double) Pause(h Handle) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	taskID, ok := d.handles[h]
	if !ok {
		return "", errors.New("unknown handle: " + string(h))
	}
	ref := "resume-" + string(h)
	d.paused[h] = ref
	d.PauseLog = append(d.PauseLog, taskID)
	return ref, nil
}

// Resume records the call and clears the paused mark.
func (d *Double) Resume(h Handle, resumable string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	taskID, ok := d.handles[h]
	if !ok {
		return errors.New("unknown handle: " + string(h))
	}
	if d.paused[h] != resumable {
		return errors.New("resumable state mismatch for handle " + string(h))
	}
	delete(d.paused, h)
	d.ResumeLog = append(d.ResumeLog, taskID)
	return nil
}

// Calls returns copies of the three call logs, safe to read while the
// double is in use concurrently.
func (d *Double) Calls() (pause, resume, cancel []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.PauseLog...),
		append([]string(nil), d.ResumeLog...),
		append([]string(nil), d.CancelLog...)
}

// Cancel records the call and releases the handle.
func (d *Double) Cancel(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	taskID, ok := d.handles[h]
	if !ok {
		return errors.New("unknown handle: " + string(h))
	}
	delete(d.handles, h)
	delete(d.paused, h)
	d.CancelLog = append(d.CancelLog, taskID)
	return nil
}
