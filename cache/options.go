package cache

import (
	"time"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
)

// Option 缓存组件选项函数
type Option func(*options)

// options 选项结构（内部使用）
type options struct {
	logger clog.Logger
	meter  metrics.Meter
	shared SharedStore
	bus    Bus
	now    func() time.Time
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 Namespace: logger.WithNamespace("cache")
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("cache")
		}
	}
}

// WithMeter 注入指标 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithShared 注入共享层。未注入时所有类别只使用本地层。
func WithShared(s SharedStore) Option {
	return func(o *options) {
		o.shared = s
	}
}

// WithBus 注入跨实例失效广播
func WithBus(b Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithClock 替换时间来源，TTL 判定与降级探测都以它为准
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// SetOption Set 选项
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL 覆盖类别默认 TTL
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// GetOption Get 选项
type GetOption func(*getOptions)

type getOptions struct {
	skipLocal bool
}

// SkipLocal 跳过本地层，直接以共享层为准，命中后回填本地层。
// 用于其他实例可能刚刚覆盖过的条目；类别不含共享层或处于降级时无效。
func SkipLocal() GetOption {
	return func(o *getOptions) {
		o.skipLocal = true
	}
}
