package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDaemonMetrics_RecordSweep(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	dm, err := newDaemonMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	dm.RecordSweep(ctx, "success")
	dm.RecordSweep(ctx, "error")
	dm.RecordSweepDuration(ctx, 1.5, "success")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	sum := byName["vouch.daemon.sweeps"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)
	statuses := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, ok := dp.Attributes.Value(attribute.Key("status"))
		require.True(t, ok)
		statuses[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"success": 1, "error": 1}, statuses)

	hist := byName["vouch.daemon.sweep.duration"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, 1.5, hist.DataPoints[0].Sum)
}
