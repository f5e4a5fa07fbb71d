package health

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sagehill/foreman/health"

// monitorMetrics holds OTel instruments for the health monitor.
// All methods are nil-safe so callers don't need to guard against
// disabled telemetry.
type monitorMetrics struct {
	checksTotal  metric.Int64Counter
	restartTotal metric.Int64Counter
}

// newMonitorMetrics registers the monitor's OTel instruments against the
// global MeterProvider. Returns nil (disabling telemetry) if any
// instrument fails to register.
func newMonitorMetrics(m *Monitor) *monitorMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	mm := &monitorMetrics{}

	var err error

	mm.checksTotal, err = meter.Int64Counter("foreman.health.checks.total",
		metric.WithDescription("Total health checks run, labeled by result"),
	)
	if err != nil {
		return nil
	}

	mm.restartTotal, err = meter.Int64Counter("foreman.daemon.restart.total",
		metric.WithDescription("Total daemon restart events, labeled by reason"),
	)
	if err != nil {
		return nil
	}

	memGauge, err := meter.Int64ObservableGauge("foreman.daemon.memory_bytes",
		metric.WithDescription("Daemon process memory from the last health sample"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil
	}

	passRateGauge, err := meter.Float64ObservableGauge("foreman.health.pass_rate",
		metric.WithDescription("Fraction of health checks that passed"),
	)
	if err != nil {
		return nil
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		o.ObserveInt64(memGauge, int64(m.lastMemory))
		var rate float64
		if m.checksRun > 0 {
			rate = float64(m.checksPassed) / float64(m.checksRun)
		}
		o.ObserveFloat64(passRateGauge, rate)
		return nil
	}, memGauge, passRateGauge)
	if err != nil {
		return nil
	}

	return mm
}

// recordCheck increments the check counter with a pass/fail label.
func (mm *monitorMetrics) recordCheck(ctx context.Context, passed bool) {
	if mm == nil {
		return
	}
	result := "pass"
	if !passed {
		result = "fail"
	}
	mm.checksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("check.result", result)),
	)
}

// recordRestart increments the restart counter labeled with the reason.
func (mm *monitorMetrics) recordRestart(ctx context.Context, reason string) {
	if mm == nil {
		return
	}
	mm.restartTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("restart.reason", reason)),
	)
}
