package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ceyewan/mediacore/clog"
)

// New 创建 Meter。cfg.Enabled 为 false 时返回 Discard()。
//
// 默认每个 Meter 使用独立的 Prometheus registry；通过 WithReader 注入
// 其他 Reader（例如测试中的 ManualReader）时不创建 exporter。
func New(cfg *Config, opts ...Option) (Meter, error) {
	if cfg == nil {
		return nil, errors.New("metrics: config is required")
	}
	if !cfg.Enabled {
		return Discard(), nil
	}
	cfg.setDefaults()

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	m := &meterImpl{logger: o.logger, handler: http.NotFoundHandler()}

	reader := o.reader
	if reader == nil {
		reg := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
		}
		reader = exporter
		m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	m.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	m.meter = m.provider.Meter(cfg.ServiceName)

	if cfg.Port > 0 {
		m.startServer(cfg)
	}
	return m, nil
}

type meterImpl struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	handler  http.Handler
	server   *http.Server
	logger   clog.Logger
}

func (m *meterImpl) startServer(cfg *Config) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.handler)
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("metrics server started", clog.String("addr", m.server.Addr), clog.String("path", cfg.Path))
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server stopped", clog.Error(err))
		}
	}()
}

func (m *meterImpl) Counter(name string, desc string, opts ...MetricOption) (Counter, error) {
	mo := collect(opts)
	copts := []metric.Int64CounterOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		copts = append(copts, metric.WithUnit(mo.Unit))
	}
	c, err := m.meter.Int64Counter(name, copts...)
	if err != nil {
		return nil, err
	}
	return &counterImpl{c: c}, nil
}

func (m *meterImpl) Gauge(name string, desc string, opts ...MetricOption) (Gauge, error) {
	mo := collect(opts)
	gopts := []metric.Float64GaugeOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		gopts = append(gopts, metric.WithUnit(mo.Unit))
	}
	g, err := m.meter.Float64Gauge(name, gopts...)
	if err != nil {
		return nil, err
	}
	return &gaugeImpl{g: g, values: make(map[string]float64)}, nil
}

func (m *meterImpl) Histogram(name string, desc string, opts ...MetricOption) (Histogram, error) {
	mo := collect(opts)
	hopts := []metric.Float64HistogramOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		hopts = append(hopts, metric.WithUnit(mo.Unit))
	}
	if len(mo.Buckets) > 0 {
		hopts = append(hopts, metric.WithExplicitBucketBoundaries(mo.Buckets...))
	}
	h, err := m.meter.Float64Histogram(name, hopts...)
	if err != nil {
		return nil, err
	}
	return &histogramImpl{h: h}, nil
}

func (m *meterImpl) Handler() http.Handler {
	return m.handler
}

func (m *meterImpl) Shutdown(ctx context.Context) error {
	var errs []error
	if m.server != nil {
		errs = append(errs, m.server.Shutdown(ctx))
	}
	errs = append(errs, m.provider.Shutdown(ctx))
	return errors.Join(errs...)
}

func collect(opts []MetricOption) *MetricOptions {
	mo := &MetricOptions{}
	for _, o := range opts {
		o(mo)
	}
	return mo
}

type counterImpl struct {
	c metric.Int64Counter
}

func (c *counterImpl) Inc(ctx context.Context, labels ...Label) {
	c.c.Add(ctx, 1, metric.WithAttributes(toAttributes(labels)...))
}

func (c *counterImpl) Add(ctx context.Context, val float64, labels ...Label) {
	c.c.Add(ctx, int64(val), metric.WithAttributes(toAttributes(labels)...))
}

// gaugeImpl OTel 同步 Gauge 只支持 Record，Inc/Dec 需要本地记住当前值
type gaugeImpl struct {
	g      metric.Float64Gauge
	mu     sync.Mutex
	values map[string]float64
}

func (g *gaugeImpl) Set(ctx context.Context, val float64, labels ...Label) {
	g.mu.Lock()
	g.values[labelKey(labels)] = val
	g.mu.Unlock()
	g.g.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

func (g *gaugeImpl) Inc(ctx context.Context, labels ...Label) {
	g.add(ctx, 1, labels)
}

func (g *gaugeImpl) Dec(ctx context.Context, labels ...Label) {
	g.add(ctx, -1, labels)
}

func (g *gaugeImpl) add(ctx context.Context, delta float64, labels []Label) {
	key := labelKey(labels)
	g.mu.Lock()
	g.values[key] += delta
	val := g.values[key]
	g.mu.Unlock()
	g.g.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

type histogramImpl struct {
	h metric.Float64Histogram
}

func (h *histogramImpl) Record(ctx context.Context, val float64, labels ...Label) {
	h.h.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels []Label) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		attrs[i] = attribute.String(l.Key, l.Value)
	}
	return attrs
}

func labelKey(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	return strings.Join(parts, "|")
}
