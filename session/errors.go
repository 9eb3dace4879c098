package session

import "github.com/ceyewan/mediacore/xerrors"

var (
	ErrInvalidConfig = xerrors.New("session: invalid config")

	// ErrInvalidCredentials 不区分用户不存在与密码错误
	ErrInvalidCredentials = xerrors.New("session: invalid credentials")

	// ErrProviderUnavailable 提供方熔断或重试耗尽，提示用户稍后重试
	ErrProviderUnavailable = xerrors.New("session: provider unavailable, try again shortly")

	ErrSessionNotFound = xerrors.New("session: not found")
	ErrSessionExpired  = xerrors.New("session: expired")
	ErrMissingToken    = xerrors.New("session: missing token")
)
