package provider

import "github.com/ceyewan/mediacore/xerrors"

var (
	ErrInvalidCredentials = xerrors.New("provider: invalid credentials")
	ErrRefreshRejected    = xerrors.New("provider: refresh token rejected")
	ErrAccessDenied       = xerrors.New("provider: access token rejected")
	ErrContentNotFound    = xerrors.New("provider: content not found")
	ErrUnavailable        = xerrors.New("provider: temporarily unavailable")
)
