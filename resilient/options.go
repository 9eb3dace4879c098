package resilient

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	tracer    oteltrace.TracerProvider
	observers []Observer
}

// WithLogger 设置 Logger，内部会自动添加 namespace: "invoker"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = clog.Discard()
		} else {
			o.logger = logger.WithNamespace("invoker")
		}
	}
}

// WithMeter 设置指标
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithTracerProvider 设置 TracerProvider，默认使用全局 Provider
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp
		}
	}
}

// WithObserver 追加结果观察者，与内置的日志/指标观察者一起收到每个事件
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}
