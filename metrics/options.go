package metrics

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ceyewan/mediacore/clog"
)

// Option Meter 选项
type Option func(*options)

type options struct {
	logger clog.Logger
	reader sdkmetric.Reader
}

// WithLogger 注入日志记录器，自动追加 "metrics" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("metrics")
		}
	}
}

// WithReader 使用指定 Reader 代替 Prometheus exporter
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) {
		o.reader = r
	}
}
