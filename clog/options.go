package clog

import "io"

// ContextField 定义从 Context 中提取字段的规则
type ContextField struct {
	Key       any
	FieldName string
}

// Option 函数式选项
type Option func(*options)

type options struct {
	namespaceParts []string
	contextFields  []ContextField
	writer         io.Writer
	traceContext   bool
}

// WithNamespace 设置日志命名空间，多级以 "." 连接。
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}

// WithContextField 从 Context 中按 key 提取值写为 fieldName 字段。
func WithContextField(key any, fieldName string) Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields, ContextField{Key: key, FieldName: fieldName})
	}
}

// WithTraceContext 自动提取 OpenTelemetry 的 trace_id 与 span_id。
func WithTraceContext() Option {
	return func(o *options) {
		o.traceContext = true
	}
}

// WithWriter 将输出重定向到 w，忽略 Config.Output。主要用于测试捕获日志。
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
