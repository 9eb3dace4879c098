package testkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ceyewan/mediacore/metrics"
)

// MeterProbe 基于 ManualReader 的 Meter，可在断言时读取指标值
type MeterProbe struct {
	Meter  metrics.Meter
	reader *sdkmetric.ManualReader
}

// NewMeterProbe 创建可读取的测试 Meter
func NewMeterProbe(t *testing.T) *MeterProbe {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "mediacore-test"}, metrics.WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &MeterProbe{Meter: m, reader: reader}
}

// Counter 读取计数器在给定标签集合下的值，不存在时返回 0
func (p *MeterProbe) Counter(t *testing.T, name string, labels ...metrics.Label) int64 {
	t.Helper()
	want := toSet(labels)
	for _, m := range p.collect(t) {
		if m.Name != name {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok, "%s is not an int64 sum", name)
		for _, dp := range sum.DataPoints {
			if dp.Attributes.Equals(&want) {
				return dp.Value
			}
		}
	}
	return 0
}

// Gauge 读取 gauge 在给定标签集合下的最新值
func (p *MeterProbe) Gauge(t *testing.T, name string, labels ...metrics.Label) (float64, bool) {
	t.Helper()
	want := toSet(labels)
	for _, m := range p.collect(t) {
		if m.Name != name {
			continue
		}
		g, ok := m.Data.(metricdata.Gauge[float64])
		require.True(t, ok, "%s is not a float64 gauge", name)
		for _, dp := range g.DataPoints {
			if dp.Attributes.Equals(&want) {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func (p *MeterProbe) collect(t *testing.T) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, p.reader.Collect(context.Background(), &rm))
	var out []metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		out = append(out, sm.Metrics...)
	}
	return out
}

func toSet(labels []metrics.Label) attribute.Set {
	kvs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kvs[i] = attribute.String(l.Key, l.Value)
	}
	return attribute.NewSet(kvs...)
}

// NewSpanRecorder 返回同步记录 span 的 TracerProvider
func NewSpanRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, rec
}
