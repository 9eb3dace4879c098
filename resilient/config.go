package resilient

import (
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// Config 调用器配置
type Config struct {
	// DefaultTimeout Execute 未指定超时、依赖也没有单独配置时使用的单次尝试超时
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`

	// Timeouts 按依赖覆盖单次尝试超时
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts"`

	// RateLimits 按依赖限流，未配置的依赖不限流
	RateLimits map[string]Limit `mapstructure:"rate_limits" yaml:"rate_limits"`
}

// Limit 令牌桶参数
type Limit struct {
	Rate  float64 `mapstructure:"rate" yaml:"rate"` // 每秒生成的令牌数
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

func (c *Config) validate() error {
	if c.DefaultTimeout <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "default_timeout must be positive")
	}
	for dep, d := range c.Timeouts {
		if d <= 0 {
			return xerrors.Wrapf(ErrInvalidConfig, "timeout for %s must be positive", dep)
		}
	}
	for dep, l := range c.RateLimits {
		if l.Rate <= 0 || l.Burst <= 0 {
			return xerrors.Wrapf(ErrInvalidConfig, "rate limit for %s must have positive rate and burst", dep)
		}
	}
	return nil
}

// timeoutFor 显式参数 > 依赖配置 > 默认值
func (c *Config) timeoutFor(dependency string, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if d, ok := c.Timeouts[dependency]; ok {
		return d
	}
	return c.DefaultTimeout
}
