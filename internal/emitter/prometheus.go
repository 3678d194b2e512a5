package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vouch/pkg/compliance"
)

// PrometheusEmitter records check results as OTEL metrics, exported in
// Prometheus format by whichever reader the meter provider carries.
type PrometheusEmitter struct {
	meter metric.Meter

	checksTotal      metric.Int64Counter
	checkDuration    metric.Float64Histogram
	lineItemsTotal   metric.Int64Counter
	breachesTotal    metric.Int64Counter
	auditEntries     metric.Int64Counter
	checkErrorsTotal metric.Int64Counter
	passingGauge     metric.Int64ObservableGauge

	// Last known outcome per org and kind for the observable gauge
	mu      sync.RWMutex
	passing map[passingKey]bool
}

type passingKey struct {
	org  string
	kind compliance.Kind
}

// NewPrometheusEmitter creates an emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return NewPrometheusEmitterWithProvider(otel.GetMeterProvider())
}

// NewPrometheusEmitterWithProvider creates an emitter on provider.
func NewPrometheusEmitterWithProvider(provider metric.MeterProvider) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:   provider.Meter("vouch"),
		passing: make(map[passingKey]bool),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.checksTotal, err = e.meter.Int64Counter(
		"vouch_compliance_checks_total",
		metric.WithDescription("Compliance checks run"),
	)
	if err != nil {
		return fmt.Errorf("create checks counter: %w", err)
	}

	e.checkDuration, err = e.meter.Float64Histogram(
		"vouch_compliance_check_duration_seconds",
		metric.WithDescription("Time taken to run a compliance check"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create check_duration histogram: %w", err)
	}

	e.lineItemsTotal, err = e.meter.Int64Counter(
		"vouch_compliance_line_items_total",
		metric.WithDescription("Resources evaluated"),
	)
	if err != nil {
		return fmt.Errorf("create line_items counter: %w", err)
	}

	e.breachesTotal, err = e.meter.Int64Counter(
		"vouch_compliance_breaches_total",
		metric.WithDescription("Resources that breached a compliance rule"),
	)
	if err != nil {
		return fmt.Errorf("create breaches counter: %w", err)
	}

	e.auditEntries, err = e.meter.Int64Counter(
		"vouch_compliance_audit_entries_total",
		metric.WithDescription("Compliance log entries written"),
	)
	if err != nil {
		return fmt.Errorf("create audit_entries counter: %w", err)
	}

	e.checkErrorsTotal, err = e.meter.Int64Counter(
		"vouch_compliance_check_errors_total",
		metric.WithDescription("Compliance checks that failed"),
	)
	if err != nil {
		return fmt.Errorf("create check_errors counter: %w", err)
	}

	e.passingGauge, err = e.meter.Int64ObservableGauge(
		"vouch_compliance_passing",
		metric.WithDescription("1 when the last check for an org and resource kind passed"),
		metric.WithInt64Callback(e.observePassing),
	)
	if err != nil {
		return fmt.Errorf("create passing gauge: %w", err)
	}

	return nil
}

// Emit records the result as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, result CheckResult) error {
	attrs := metric.WithAttributes(
		attribute.String("org", result.Org),
		attribute.String("resource", string(result.Kind)),
	)

	if len(result.Logs) > 0 {
		e.auditEntries.Add(ctx, int64(len(result.Logs)), attrs)
	}
	if result.Remediation {
		return nil
	}

	e.checksTotal.Add(ctx, 1, attrs)
	e.checkDuration.Record(ctx, result.Duration.Seconds(), attrs)

	if result.Error != nil {
		e.checkErrorsTotal.Add(ctx, 1, attrs)
		log.Debug().
			Err(result.Error).
			Str("org", result.Org).
			Str("resource", string(result.Kind)).
			Msg("check error recorded")
		return nil
	}

	e.lineItemsTotal.Add(ctx, int64(result.LineItems), attrs)
	e.breachesTotal.Add(ctx, int64(result.Breaches), attrs)

	e.mu.Lock()
	e.passing[passingKey{org: result.Org, kind: result.Kind}] = result.Passing
	e.mu.Unlock()

	return nil
}

// observePassing is the callback for the passing gauge.
func (e *PrometheusEmitter) observePassing(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for key, passing := range e.passing {
		var v int64
		if passing {
			v = 1
		}
		o.Observe(v, metric.WithAttributes(
			attribute.String("org", key.org),
			attribute.String("resource", string(key.kind)),
		))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
