package breaker

import (
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

// options 组件初始化选项配置（内部使用，小写）
type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// WithLogger 设置 Logger，传入 nil 时使用 clog.Discard()
// 内部会自动添加 namespace: "breaker"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = clog.Discard()
		} else {
			o.logger = logger.WithNamespace("breaker")
		}
	}
}

// WithMeter 设置指标，记录状态迁移次数
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}
