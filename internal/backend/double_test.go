package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehill/foreman/internal/task"
)

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d/%d events", len(got), n)
		}
	}
	return got
}

func TestDoubleCompletesUnscriptedTask(t *testing.T) {
	d := NewDouble()
	events := make(chan Event, 10)
	tk := task.New("simple", task.PriorityNormal, nil)

	h, err := d.Run(context.Background(), tk, events)
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	got := collect(t, events, 1)
	assert.Equal(t, EventCompleted, got[0].Kind)
	assert.Equal(t, tk.ID, got[0].TaskID)
}

func TestDoubleEmitsProgressThenFailure(t *testing.T) {
	d := NewDouble()
	events := make(chan Event, 10)
	tk := task.New("doomed", task.PriorityNormal, nil)
	d.ScriptTask(tk.ID, Script{
		ProgressDeltas: []int{100, 200},
		Fail:           true,
		Reason:         "compile error",
		Retryable:      true,
	})

	_, err := d.Run(context.Background(), tk, events)
	require.NoError(t, err)

	got := collect(t, events, 3)
	assert.Equal(t, EventProgress, got[0].Kind)
	assert.Equal(t, 100, got[0].UsageDelta)
	assert.Equal(t, EventProgress, got[1].Kind)
	assert.Equal(t, 200, got[1].UsageDelta)
	assert.Equal(t, EventFailed, got[2].Kind)
	assert.Equal(t, "compile error", got[2].Reason)
	assert.True(t, got[2].Retryable)
}

func TestDoublePauseResumeRoundTrip(t *testing.T) {
	d := NewDouble()
	events := make(chan Event, 10)
	tk := task.New("pausable", task.PriorityNormal, nil)
	d.ScriptTask(tk.ID, Script{Hang: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := d.Run(ctx, tk, events)
	require.NoError(t, err)

	ref, err := d.Pause(h)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, []string{tk.ID}, d.PauseLog)

	require.Error(t, d.Resume(h, "wrong-ref"))
	require.NoError(t, d.Resume(h, ref))
	assert.Equal(t, []string{tk.ID}, d.ResumeLog)
}

func TestDoubleCancelReleasesHandle(t *testing.T) {
	d := NewDouble()
	events := make(chan Event, 10)
	tk := task.New("cancellable", task.PriorityNormal, nil)
	d.ScriptTask(tk.ID, Script{Hang: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := d.Run(ctx, tk, events)
	require.NoError(t, err)

	require.NoError(t, d.Cancel(h))
	assert.Equal(t, []string{tk.ID}, d.CancelLog)

	// Operations on a released handle fail.
	_, err = d.Pause(h)
	assert.Error(t, err)
	assert.Error(t, d.Cancel(h))
}
