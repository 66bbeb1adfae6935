package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := New(provider.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	m.Decision(ctx, "0xPool", "PAUSE", "PAUSE", "EXECUTE")
	m.Decision(ctx, "0xPool", "PAUSE", "COOLDOWN_BLOCKED", "EXECUTE")
	m.Suppressed(ctx, "0xPool")
	m.JournalFailure(ctx, "0xPool")
	m.AuthRejected(ctx, "invalid_sender")
	m.AdvisorFailure(ctx)
	m.IncidentRetry(ctx)

	totals := collect(t, reader)
	require.Equal(t, int64(2), totals["sentinel.decisions"])
	require.Equal(t, int64(1), totals["sentinel.cooldown.suppressions"])
	require.Equal(t, int64(1), totals["sentinel.journal.failures"])
	require.Equal(t, int64(1), totals["sentinel.auth.rejections"])
	require.Equal(t, int64(1), totals["sentinel.advisor.failures"])
	require.Equal(t, int64(1), totals["sentinel.incident.retries"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Decision(ctx, "t", "PAUSE", "PAUSE", "EXECUTE")
	m.Suppressed(ctx, "t")
	m.JournalFailure(ctx, "t")
	m.AuthRejected(ctx, "x")
	m.AdvisorFailure(ctx)
	m.IncidentRetry(ctx)
}

func TestNewWithGlobalMeter(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, m)
}
