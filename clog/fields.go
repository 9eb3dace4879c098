package clog

import (
	"log/slog"
	"strings"
	"time"
)

// Field 是 slog.Attr 的类型别名
type Field = slog.Attr

func String(k, v string) Field                 { return slog.String(k, v) }
func Int(k string, v int) Field                { return slog.Int(k, v) }
func Int64(k string, v int64) Field            { return slog.Int64(k, v) }
func Float64(k string, v float64) Field        { return slog.Float64(k, v) }
func Bool(k string, v bool) Field              { return slog.Bool(k, v) }
func Time(k string, v time.Time) Field         { return slog.Time(k, v) }
func Duration(k string, v time.Duration) Field { return slog.Duration(k, v) }
func Any(k string, v any) Field                { return slog.Any(k, v) }

// Error 只输出错误消息：err_msg="..."。err 为 nil 时返回空字段，会被 handler 丢弃。
func Error(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("err_msg", err.Error())
}

// ErrorWithCode 输出嵌套结构 error={msg=..., code=...}，用于带分类的错误，
// 例如重试分类 TRANSIENT / TIMEOUT / PERMANENT。
func ErrorWithCode(err error, code string) Field {
	if err == nil {
		return slog.Group("error", slog.String("code", code))
	}
	return slog.Group("error",
		slog.String("msg", err.Error()),
		slog.String("code", code),
	)
}

// RedactedValue 脱敏后写入日志的占位值
const RedactedValue = "[REDACTED]"

// Redacted 显式标记一个敏感字段，只记录其存在。
func Redacted(k string) Field {
	return slog.String(k, RedactedValue)
}

// defaultRedactKeys 内置的敏感字段名，匹配时忽略大小写。
var defaultRedactKeys = []string{
	"access_token",
	"refresh_token",
	"password",
	"secret",
	"authorization",
	"credential",
	"token",
}

type redactor map[string]struct{}

func newRedactor(extra []string) redactor {
	r := make(redactor, len(defaultRedactKeys)+len(extra))
	for _, k := range defaultRedactKeys {
		r[k] = struct{}{}
	}
	for _, k := range extra {
		r[strings.ToLower(k)] = struct{}{}
	}
	return r
}

func (r redactor) match(key string) bool {
	_, ok := r[strings.ToLower(key)]
	return ok
}
