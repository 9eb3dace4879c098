// Package metrics 基于 OpenTelemetry 提供 Counter、Gauge、Histogram 指标，
// 默认通过 Prometheus exporter 暴露。
//
//	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "mediacore", Port: 9090, Path: "/metrics"})
//	defer meter.Shutdown(ctx)
//
//	counter, _ := meter.Counter(metrics.MetricInvokerOutcomes, "invoker outcomes")
//	counter.Inc(ctx, metrics.L(metrics.LabelDependency, "provider-auth"), metrics.L(metrics.LabelOutcome, "success"))
//
// 未启用时返回 no-op 实现，调用方无需判空。
package metrics

import (
	"context"
	"net/http"
)

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可任意增减的瞬时值，例如缓存降级状态
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 值分布，例如每次尝试的耗时
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建入口，创建出的指标可并发使用
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)
	// Handler 返回 Prometheus 抓取端点
	Handler() http.Handler
	Shutdown(ctx context.Context) error
}

// MetricOption 指标选项
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项
type MetricOptions struct {
	Unit    string
	Buckets []float64
}

// WithUnit 设置单位，建议使用 UCUM 代码，如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的显式桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = buckets
	}
}
