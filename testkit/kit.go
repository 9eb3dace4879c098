// Package testkit 提供测试用的公共依赖：日志、指标读取器、链路记录器、
// 内存 Redis 以及基于 testcontainers 的 Redis/NATS 容器。
package testkit

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
)

// Kit 通用测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回默认测试依赖，Ctx 随测试结束取消
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(t),
		Meter:  metrics.Discard(),
	}
}

// NewLogger 返回写入 t.Log 的 logger，失败测试时才会显示
func NewLogger(t *testing.T) clog.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() { w.done.Store(true) })
	logger, err := clog.New(&clog.Config{Level: "debug", Format: "console"}, clog.WithWriter(w))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// testWriter 测试结束后丢弃输出，后台 goroutine 的迟到日志不会触发 t.Log panic
type testWriter struct {
	t    *testing.T
	done atomic.Bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	if !w.done.Load() {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// NewContext 返回带超时的上下文
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回唯一的短 ID，用于隔离测试间的 key
func NewID() string {
	return uuid.New().String()[0:8]
}
