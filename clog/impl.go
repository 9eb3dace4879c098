package clog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NamespaceKey 日志中命名空间的字段名
const NamespaceKey = "namespace"

type loggerImpl struct {
	handler   slog.Handler
	levelVar  *slog.LevelVar
	options   *options
	namespace string
	baseAttrs []slog.Attr
}

func newLogger(config *Config, o *options) (Logger, error) {
	w := o.writer
	if w == nil {
		var err error
		if w, err = resolveWriter(config.Output); err != nil {
			return nil, err
		}
	}

	level, _ := ParseLevel(config.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level.slogLevel())

	hopts := &slog.HandlerOptions{
		AddSource:   config.AddSource,
		Level:       levelVar,
		ReplaceAttr: newReplaceAttr(config.SourceRoot, newRedactor(config.RedactKeys)),
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}

	return &loggerImpl{
		handler:   handler,
		levelVar:  levelVar,
		options:   o,
		namespace: strings.Join(o.namespaceParts, "."),
	}, nil
}

func resolveWriter(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	}
}

// newReplaceAttr 统一级别名、时间格式、caller 裁剪，并对敏感字段脱敏。
func newReplaceAttr(sourceRoot string, r redactor) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			if lv, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(levelName(lv))
			}
			return a
		case slog.TimeKey:
			if a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
			}
			return a
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok {
				file := src.File
				if sourceRoot != "" {
					if rel, err := filepath.Rel(sourceRoot, file); err == nil && !strings.HasPrefix(rel, "..") {
						file = rel
					}
				}
				return slog.String("caller", fmt.Sprintf("%s:%d", file, src.Line))
			}
			return a
		}
		if r.match(a.Key) {
			return slog.String(a.Key, RedactedValue)
		}
		return a
	}
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields))
	attrs = append(attrs, l.baseAttrs...)
	attrs = append(attrs, fields...)

	child := *l
	child.baseAttrs = attrs
	return &child
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	if len(parts) == 0 {
		return l
	}
	child := *l
	ns := strings.Join(parts, ".")
	if child.namespace != "" {
		ns = child.namespace + "." + ns
	}
	child.namespace = ns
	return &child
}

func (l *loggerImpl) SetLevel(level Level) error {
	l.levelVar.Set(level.slogLevel())
	return nil
}

// Flush slog handler 是同步写出的，无需处理
func (l *loggerImpl) Flush() {}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	sl := level.slogLevel()
	if !l.handler.Enabled(ctx, sl) {
		return
	}

	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields)+4)
	if l.namespace != "" {
		attrs = append(attrs, slog.String(NamespaceKey, l.namespace))
	}
	attrs = append(attrs, l.baseAttrs...)
	for _, f := range fields {
		if f.Key == "" && f.Value.Any() == nil {
			continue
		}
		attrs = append(attrs, f)
	}
	attrs = l.appendContext(ctx, attrs)

	// skip: runtime.Callers, log, Info/Error 等
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), sl, msg, pcs[0])
	record.AddAttrs(attrs...)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func (l *loggerImpl) appendContext(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	for _, cf := range l.options.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			attrs = append(attrs, slog.Any(cf.FieldName, v))
		}
	}
	if l.options.traceContext {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			attrs = append(attrs,
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return attrs
}
