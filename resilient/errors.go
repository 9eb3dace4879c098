package resilient

import (
	"errors"
	"fmt"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/xerrors"
)

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.New("resilient: invalid config")

	// ErrRateLimited 依赖限流，调用未发出
	ErrRateLimited = xerrors.New("resilient: rate limited")
)

// Error 一次 Execute 的终态错误，保留分类与最后一次失败的原因。
//
// 熔断拒绝时 Unwrap 得到 breaker.ErrOpenState。
type Error struct {
	Dependency string
	Class      retry.Class
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resilient: %s failed after %d attempt(s) [%s]: %v", e.Dependency, e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCircuitOpen 判断 err 是否为熔断快速失败
func IsCircuitOpen(err error) bool {
	return errors.Is(err, breaker.ErrOpenState)
}

// ClassOf 返回终态错误的分类，非 *Error 时按 retry.Classify 判定
func ClassOf(err error) retry.Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return retry.Classify(err)
}
