package clog

import "context"

// Logger 日志接口
//
// 子 Logger：
//
//	l := logger.With(clog.String("dependency", "provider-auth"))
//	l = l.WithNamespace("breaker") // 命名空间以 "." 追加
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// Context 版本会按配置提取 Context 字段与 TraceID
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	With(fields ...Field) Logger
	WithNamespace(parts ...string) Logger

	// SetLevel 运行时调整级别，所有派生 Logger 共享同一级别
	SetLevel(level Level) error
	Flush()
}
