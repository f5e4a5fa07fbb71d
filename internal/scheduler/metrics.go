package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sagehill/foreman/internal/limits"
)

const meterName = "github.com/sagehill/foreman/scheduler"

// schedulerMetrics holds the scheduler's OTel instruments. All methods are
// nil-safe so callers don't need to guard against disabled telemetry.
type schedulerMetrics struct {
	dispatched metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	paused     metric.Int64Counter
	cancelled  metric.Int64Counter
}

// newSchedulerMetrics registers instruments against the global
// MeterProvider. Returns nil (disabling telemetry) if any fails.
func newSchedulerMetrics(s *Scheduler) *schedulerMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	sm := &schedulerMetrics{}

	var err error

	sm.dispatched, err = meter.Int64Counter("foreman.tasks.dispatched.total",
		metric.WithDescription("Tasks handed to the execution backend"),
	)
	if err != nil {
		return nil
	}

	sm.completed, err = meter.Int64Counter("foreman.tasks.completed.total",
		metric.WithDescription("Tasks that completed successfully"),
	)
	if err != nil {
		return nil
	}

	sm.failed, err = meter.Int64Counter("foreman.tasks.failed.total",
		metric.WithDescription("Task failures reported by the backend, labeled by retryability"),
	)
	if err != nil {
		return nil
	}

	sm.paused, err = meter.Int64Counter("foreman.tasks.paused.total",
		metric.WithDescription("Tasks paused on session-limit pressure, labeled by recommendation"),
	)
	if err != nil {
		return nil
	}

	sm.cancelled, err = meter.Int64Counter("foreman.tasks.cancelled.total",
		metric.WithDescription("Tasks cancelled by an operator"),
	)
	if err != nil {
		return nil
	}

	activeGauge, err := meter.Int64ObservableGauge("foreman.tasks.active",
		metric.WithDescription("Tasks currently tracked by the scheduler"),
	)
	if err != nil {
		return nil
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(activeGauge, int64(s.ActiveCount()))
		return nil
	}, activeGauge)
	if err != nil {
		return nil
	}

	return sm
}

func (sm *schedulerMetrics) recordDispatched(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.dispatched.Add(ctx, 1)
}

func (sm *schedulerMetrics) recordCompleted(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.completed.Add(ctx, 1)
}

func (sm *schedulerMetrics) recordFailed(ctx context.Context, retryable bool) {
	if sm == nil {
		return
	}
	sm.failed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("task.retryable", retryable)))
}

func (sm *schedulerMetrics) recordPaused(ctx context.Context, rec limits.Recommendation) {
	if sm == nil {
		return
	}
	sm.paused.Add(ctx, 1, metric.WithAttributes(attribute.String("limit.recommendation", string(rec))))
}

func (sm *schedulerMetrics) recordCancelled(ctx context.Context) {
	if sm == nil {
		return
	}
	sm.cancelled.Add(ctx, 1)
}
