package session

import (
	"strings"
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// Config 会话管理配置
type Config struct {
	// Secret 会话令牌签名密钥（HS256，至少 32 字符）
	Secret string `mapstructure:"secret" yaml:"secret"`
	// Issuer 令牌签发者
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// AbsoluteExpiry 会话绝对有效期（默认：24h），创建后不再延长
	AbsoluteExpiry time.Duration `mapstructure:"absolute_expiry" yaml:"absolute_expiry"`
	// SlidingWindow 空闲超时（默认：30m），每次验证只刷新最后访问时间；负值表示不启用
	SlidingWindow time.Duration `mapstructure:"sliding_window" yaml:"sliding_window"`
	// RefreshSkew 提供方凭证距过期不足该值时在使用时刷新（默认：1m）
	RefreshSkew time.Duration `mapstructure:"refresh_skew" yaml:"refresh_skew"`
	// GCInterval 过期会话清理间隔（默认：1m）
	GCInterval time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
	// AuthTimeout 单次调用 provider-auth 的期限，0 使用调用器配置
	AuthTimeout time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`

	// TokenLookup 令牌提取方式，如 "header:Authorization" / "query:token" / "cookie:session"。
	// 留空时依次尝试 header:Authorization -> query:token -> cookie:session
	TokenLookup string `mapstructure:"token_lookup" yaml:"token_lookup"`
	// TokenHeadName Header 前缀（默认：Bearer）
	TokenHeadName string `mapstructure:"token_head_name" yaml:"token_head_name"`
}

func (c *Config) setDefaults() {
	if c.AbsoluteExpiry == 0 {
		c.AbsoluteExpiry = 24 * time.Hour
	}
	if c.SlidingWindow == 0 {
		c.SlidingWindow = 30 * time.Minute
	}
	if c.RefreshSkew == 0 {
		c.RefreshSkew = time.Minute
	}
	if c.GCInterval == 0 {
		c.GCInterval = time.Minute
	}
	if c.TokenHeadName == "" {
		c.TokenHeadName = "Bearer"
	}
}

func (c *Config) validate() error {
	if len(c.Secret) < 32 {
		return xerrors.Wrap(ErrInvalidConfig, "secret must be at least 32 characters")
	}
	if c.AbsoluteExpiry <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "absolute_expiry must be positive")
	}
	if c.RefreshSkew < 0 || c.GCInterval <= 0 || c.AuthTimeout < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	if c.TokenLookup != "" {
		source, key, ok := strings.Cut(c.TokenLookup, ":")
		if !ok || key == "" || (source != "header" && source != "query" && source != "cookie") {
			return xerrors.Wrapf(ErrInvalidConfig, "token_lookup %q", c.TokenLookup)
		}
	}
	return nil
}
