package media

import "github.com/ceyewan/mediacore/xerrors"

var (
	ErrInvalidConfig = xerrors.New("media: invalid config")
	ErrNotFound      = xerrors.New("media: not found")
	ErrInvalidQuery  = xerrors.New("media: invalid query")

	// ErrTryAgain 依赖熔断或重试耗尽，提示用户稍后重试，区别于普通错误
	ErrTryAgain = xerrors.New("media: try again shortly")
)
