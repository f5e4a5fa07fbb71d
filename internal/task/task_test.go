package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled, StatusOrphaned} {
		assert.True(t, s.IsValid(), "status %q should be valid", s)
	}
	assert.False(t, Status("sleeping").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusOrphaned.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"normal", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"High", PriorityHigh, false},
		{"URGENT", PriorityUrgent, false},
		{"whenever", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNewTask(t *testing.T) {
	tk := New("build the thing", PriorityHigh, []string{"a", "b"})
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusQueued, tk.Status)
	assert.Equal(t, PriorityHigh, tk.Priority)
	assert.WithinDuration(t, time.Now(), tk.CreatedAt, time.Second)
	assert.Nil(t, tk.StartedAt)
	require.NoError(t, tk.Validate())
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	tk := New("self-loop", PriorityNormal, nil)
	tk.DependsOn = []string{tk.ID}
	assert.ErrorIs(t, tk.Validate(), ErrSelfDependency)
}

func TestValidateRejectsEmptyTitle(t *testing.T) {
	tk := New("   ", PriorityNormal, nil)
	assert.ErrorIs(t, tk.Validate(), ErrEmptyTitle)
}

func TestCheckCycle(t *testing.T) {
	// Existing graph: b -> a, c -> b
	deps := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}

	// d -> c is fine (linear chain)
	d := &Task{ID: "d", DependsOn: []string{"c"}}
	assert.NoError(t, CheckCycle(d, deps))

	// Closing the loop: a would now depend on c, and c reaches a.
	deps2 := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}
	a2 := &Task{ID: "a", DependsOn: []string{"c"}}
	assert.ErrorIs(t, CheckCycle(a2, deps2), ErrDependencyCycle)
}

func TestCheckCycleToleratesUnknownDeps(t *testing.T) {
	// Depending on a task the graph doesn't know about is not a cycle;
	// readiness checks will simply never see it completed.
	tk := &Task{ID: "x", DependsOn: []string{"ghost"}}
	assert.NoError(t, CheckCycle(tk, map[string][]string{}))
}

func TestLastSeen(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tk := &Task{}
	assert.True(t, tk.LastSeen().IsZero())

	tk.StartedAt = &earlier
	assert.Equal(t, earlier, tk.LastSeen())

	tk.LastHeartbeatAt = &now
	assert.Equal(t, now, tk.LastSeen())
}
