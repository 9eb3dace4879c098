package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, noopMeter{}, m)

	m, err = New(&Config{Enabled: true, ServiceName: "mediacore-test"})
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestCounterWithManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(&Config{Enabled: true}, WithReader(reader))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	c, err := m.Counter(MetricInvokerOutcomes, "invoker outcomes")
	require.NoError(t, err)

	ctx := context.Background()
	c.Inc(ctx, L(LabelDependency, "provider-auth"), L(LabelOutcome, "success"))
	c.Inc(ctx, L(LabelDependency, "provider-auth"), L(LabelOutcome, "success"))
	c.Add(ctx, 3, L(LabelDependency, "provider-auth"), L(LabelOutcome, "timeout"))

	assert.EqualValues(t, 2, sumOf(t, reader, MetricInvokerOutcomes,
		attribute.String(LabelDependency, "provider-auth"), attribute.String(LabelOutcome, "success")))
	assert.EqualValues(t, 3, sumOf(t, reader, MetricInvokerOutcomes,
		attribute.String(LabelDependency, "provider-auth"), attribute.String(LabelOutcome, "timeout")))
}

func TestGaugeIncDec(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(&Config{Enabled: true}, WithReader(reader))
	require.NoError(t, err)

	g, err := m.Gauge(MetricCacheDegraded, "degraded flag")
	require.NoError(t, err)
	ctx := context.Background()
	g.Inc(ctx)
	g.Inc(ctx)
	g.Dec(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	gauge, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, 1.0, gauge.DataPoints[0].Value)
}

func TestPrometheusHandler(t *testing.T) {
	m, err := New(&Config{Enabled: true, ServiceName: "mediacore-test"})
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	h, err := m.Histogram(MetricInvokerAttemptDuration, "attempt duration", WithUnit("s"), WithBuckets(DurationBuckets))
	require.NoError(t, err)
	h.Record(context.Background(), 0.2, L(LabelDependency, "provider-stream"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "invoker_attempt_duration_seconds")
	assert.Contains(t, string(body), `dependency="provider-stream"`)
}

func TestDiscard(t *testing.T) {
	m := Discard()
	c, err := m.Counter("x", "x")
	require.NoError(t, err)
	c.Inc(context.Background())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
