package breaker

import "github.com/ceyewan/mediacore/xerrors"

// 错误定义
var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("breaker: config is nil")

	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.New("breaker: invalid config")

	// ErrDependencyEmpty 依赖名为空
	ErrDependencyEmpty = xerrors.New("breaker: dependency is empty")

	// ErrOpenState 熔断器打开（或半开探测名额已满），调用被快速拒绝
	ErrOpenState = xerrors.New("breaker: circuit open")
)
