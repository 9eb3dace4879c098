// Package clog 为 mediacore 提供基于 slog 的结构化日志组件。
//
// 特性：
//   - 抽象 Logger 接口，组件通过 WithLogger 注入并追加自己的命名空间
//   - 支持运行时调整日志级别（配合 config.Watch 实现热更新）
//   - 敏感字段脱敏：access_token、refresh_token、password 等键永远不会落盘
//   - 可选提取 OpenTelemetry TraceID/SpanID
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"},
//	    clog.WithNamespace("mediacore"),
//	    clog.WithTraceContext(),
//	)
//	logger.Info("session issued", clog.String("user_id", uid))
package clog

import "fmt"

// New 创建一个新的 Logger 实例，config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newLogger(config, applyOptions(opts...))
}
