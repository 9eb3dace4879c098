package session

import (
	"time"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
)

// Option 配置选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	now    func() time.Time
}

func defaultOptions() *options {
	return &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		now:    time.Now,
	}
}

// WithLogger 注入日志记录器，自动添加 "session" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("session")
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

// WithClock 替换时间来源，过期判定与令牌校验都以它为准
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
