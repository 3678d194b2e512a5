package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds sweep metrics using OTEL semantic conventions
type DaemonMetrics struct {
	sweeps        metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("vouch.daemon")

	sweeps, err := meter.Int64Counter(
		"vouch.daemon.sweeps",
		metric.WithDescription("Number of compliance sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"vouch.daemon.sweep.duration",
		metric.WithDescription("Duration of compliance sweeps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		sweeps:        sweeps,
		sweepDuration: sweepDuration,
	}, nil
}

// RecordSweep records a sweep with status
func (m *DaemonMetrics) RecordSweep(ctx context.Context, status string) {
	m.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSweepDuration records sweep duration
func (m *DaemonMetrics) RecordSweepDuration(ctx context.Context, durationSeconds float64, status string) {
	m.sweepDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("status", status)))
}
