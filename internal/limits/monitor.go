// Package limits implements the session limit monitor: it grades a running
// task's resource consumption against its budget and recommends when the
// scheduler should summarize, checkpoint, or hand the task off.
package limits

import (
	"fmt"
)

// Recommendation is the graduated action the scheduler should take.
type Recommendation string

const (
	// Continue means the task has budget headroom.
	Continue Recommendation = "continue"
	// Summarize means the task should compact its working context soon.
	Summarize Recommendation = "summarize"
	// Checkpoint means the task should persist resumable state now.
	Checkpoint Recommendation = "checkpoint"
	// Handoff means the task is near the limit and must move to a fresh
	// execution context before the budget is exhausted.
	Handoff Recommendation = "handoff"
)

// Thresholds are the utilization fractions at which each band begins.
// A boundary value belongs to the higher band.
type Thresholds struct {
	Summarize  float64
	Checkpoint float64
	Handoff    float64
}

// Status is a point-in-time limit evaluation. Computed per call, never
// persisted; the scheduler consumes it immediately.
type Status struct {
	Utilization    float64
	Consumed       int
	Budget         int
	Recommendation Recommendation
	Thresholds     Thresholds
}

// Monitor evaluates consumption against a fixed budget and thresholds.
type Monitor struct {
	budget     int
	thresholds Thresholds
}

// NewMonitor builds a Monitor. A non-positive budget or unordered
// thresholds are configuration errors and rejected here so evaluation
// never divides by zero.
func NewMonitor(budget int, th Thresholds) (*Monitor, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("session budget must be positive, got %d", budget)
	}
	for name, v := range map[string]float64{
		"summarize":  th.Summarize,
		"checkpoint": th.Checkpoint,
		"handoff":    th.Handoff,
	} {
		if v <= 0 || v > 1 {
			return nil, fmt.Errorf("%s threshold must be in (0, 1], got %v", name, v)
		}
	}
	if th.Summarize > th.Checkpoint || th.Checkpoint > th.Handoff {
		return nil, fmt.Errorf("thresholds must satisfy summarize <= checkpoint <= handoff, got %v <= %v <= %v",
			th.Summarize, th.Checkpoint, th.Handoff)
	}
	return &Monitor{budget: budget, thresholds: th}, nil
}

// Budget returns the configured budget.
func (m *Monitor) Budget() int {
	return m.budget
}

// Evaluate grades the given consumption. Negative consumption is clamped
// to zero; consumption past the budget still reports handoff (utilization
// may exceed 1.0).
func (m *Monitor) Evaluate(consumed int) Status {
	if consumed < 0 {
		consumed = 0
	}
	utilization := float64(consumed) / float64(m.budget)

	rec := Continue
	switch {
	case utilization >= m.thresholds.Handoff:
		rec = Handoff
	case utilization >= m.thresholds.Checkpoint:
		rec = Checkpoint
	case utilization >= m.thresholds.Summarize:
		rec = Summarize
	}

	return Status{
		Utilization:    utilization,
		Consumed:       consumed,
		Budget:         m.budget,
		Recommendation: rec,
		Thresholds:     m.thresholds,
	}
}

// rank orders recommendations for monotonicity comparisons.
func rank(r Recommendation) int {
	switch r {
	case Continue:
		return 0
	case Summarize:
		return 1
	case Checkpoint:
		return 2
	case Handoff:
		return 3
	}
	return -1
}

// AtLeast reports whether r is as severe as other.
func (r Recommendation) AtLeast(other Recommendation) bool {
	return rank(r) >= rank(other)
}
