package retry

import (
	"context"
	"errors"
	"net/http"

	"github.com/ceyewan/mediacore/xerrors"
)

// Class 失败分类
type Class int

const (
	// Transient 网络抖动、5xx 等，可重试
	Transient Class = iota
	// Timeout 单次尝试超时，可重试，并计入熔断失败
	Timeout
	// Permanent 凭证无效、4xx 等，不可重试，不计入熔断
	Permanent
)

// 附着在 xerrors.CodedError 上的分类码
const (
	CodeTransient = "TRANSIENT"
	CodeTimeout   = "TIMEOUT"
	CodePermanent = "PERMANENT"
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Timeout:
		return "timeout"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Code 返回分类对应的错误码
func (c Class) Code() string {
	switch c {
	case Timeout:
		return CodeTimeout
	case Permanent:
		return CodePermanent
	default:
		return CodeTransient
	}
}

// Retryable 只有 Transient 和 Timeout 可重试
func (c Class) Retryable() bool {
	return c == Transient || c == Timeout
}

// MarkPermanent 标记 err 为不可重试
func MarkPermanent(err error) error {
	return xerrors.WithCode(err, CodePermanent)
}

// MarkTransient 标记 err 为可重试的瞬时错误
func MarkTransient(err error) error {
	return xerrors.WithCode(err, CodeTransient)
}

// MarkTimeout 标记 err 为超时
func MarkTimeout(err error) error {
	return xerrors.WithCode(err, CodeTimeout)
}

// Classify 判定错误分类。
//
// 最外层的分类码优先；其次是链上任意位置的分类码；
// context.DeadlineExceeded 或实现 Timeout() bool 的错误视为 Timeout；
// context.Canceled 视为 Permanent；其余未标记错误按 Transient 处理。
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	switch xerrors.GetCode(err) {
	case CodePermanent:
		return Permanent
	case CodeTimeout:
		return Timeout
	case CodeTransient:
		return Transient
	}

	switch {
	case xerrors.HasCode(err, CodePermanent):
		return Permanent
	case xerrors.HasCode(err, CodeTimeout):
		return Timeout
	case xerrors.HasCode(err, CodeTransient):
		return Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return Timeout
	}
	return Transient
}

// ClassifyHTTPStatus 按上游 HTTP 状态码分类：408 为 Timeout，
// 429 与 5xx 为 Transient，其余 4xx 为 Permanent。
func ClassifyHTTPStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Transient
	}
}
