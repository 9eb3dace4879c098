// Package provider 定义第三方流媒体提供方的黑盒契约。
//
// 所有调用都应经由 resilient.Invoker 发起：实现方只负责把失败分类标记清楚
// （retry.MarkPermanent / MarkTransient / MarkTimeout），重试、熔断、超时
// 由调用方统一处理。
//
// 测试与示例可使用内存实现 Fake：
//
//	p := provider.NewFake(provider.WithUser("alice", "s3cret"))
//	grant, err := p.Authenticate(ctx, provider.Credentials{Username: "alice", Password: "s3cret"})
package provider

import (
	"context"
	"log/slog"
	"time"
)

// 依赖标识，用作熔断器与限流的维度
const (
	DependencyAuth   = "provider-auth"
	DependencyStream = "provider-stream"
)

// Credentials 用户登录凭据
type Credentials struct {
	Username string
	Password string
}

// LogValue 日志中只出现用户名
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username), slog.String("password", "[REDACTED]"))
}

// Credential 提供方签发的访问凭证。只保存在 user 作用域的缓存条目里，
// 不写日志、不返回给客户端。
type Credential struct {
	AccessToken  string    `json:"access_token" msgpack:"access_token"`
	RefreshToken string    `json:"refresh_token" msgpack:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" msgpack:"expires_at"`
}

// LogValue 凭证内容整体脱敏
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(slog.Time("expires_at", c.ExpiresAt))
}

// Grant 认证结果
type Grant struct {
	UserID     string
	Credential Credential
}

// Stream 播放授权。URL 在 ExpiresAt 之前有效，与签发它的访问凭证是否刷新无关。
type Stream struct {
	ContentID string    `json:"content_id" msgpack:"content_id"`
	URL       string    `json:"url" msgpack:"url"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
}

// Provider 第三方流媒体提供方
type Provider interface {
	// Authenticate 用户名密码换取凭证。凭据错误返回 ErrInvalidCredentials（Permanent）。
	Authenticate(ctx context.Context, creds Credentials) (Grant, error)

	// Refresh 用刷新令牌换取新凭证。刷新令牌失效返回 ErrRefreshRejected（Permanent）。
	Refresh(ctx context.Context, refreshToken string) (Credential, error)

	// ResolveStream 为 contentID 解析播放地址
	ResolveStream(ctx context.Context, accessToken, contentID string) (Stream, error)
}
