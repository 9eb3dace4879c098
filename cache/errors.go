package cache

import "github.com/ceyewan/mediacore/xerrors"

// 错误定义
var (
	ErrInvalidConfig = xerrors.New("cache: invalid config")
	ErrUnknownClass  = xerrors.New("cache: unknown key class")
	ErrKeyEmpty      = xerrors.New("cache: key name is empty")

	// ErrScopeRequired user/session 作用域的键缺少归属身份
	ErrScopeRequired = xerrors.New("cache: owner required for scoped key")

	// ErrClosed 管理器已关闭
	ErrClosed = xerrors.New("cache: manager closed")
)
