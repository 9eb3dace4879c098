package breaker

import (
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// Policy 单个依赖的熔断策略
type Policy struct {
	// FailureThreshold 触发熔断的失败次数
	FailureThreshold uint32 `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// CoolDown Open 状态持续时间，结束后进入 HalfOpen
	CoolDown time.Duration `mapstructure:"cool_down" yaml:"cool_down"`

	// HalfOpenTrials HalfOpen 状态下允许的探测调用数，全部成功才闭合
	HalfOpenTrials uint32 `mapstructure:"half_open_trials" yaml:"half_open_trials"`

	// Window 可选的滚动统计窗口；为 0 时只看连续失败数
	Window time.Duration `mapstructure:"window" yaml:"window"`

	// BucketPeriod 滚动窗口的桶粒度；为 0 时整个窗口到期一次性清空
	BucketPeriod time.Duration `mapstructure:"bucket_period" yaml:"bucket_period"`
}

// Config 熔断器配置。Dependencies 中的零值字段继承 Default。
type Config struct {
	Default      Policy            `mapstructure:"default" yaml:"default"`
	Dependencies map[string]Policy `mapstructure:"dependencies" yaml:"dependencies"`
}

func (c *Config) validate() error {
	if err := c.Default.validate("default"); err != nil {
		return err
	}
	for name := range c.Dependencies {
		if name == "" {
			return ErrDependencyEmpty
		}
		p := c.policyFor(name)
		if err := p.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (p Policy) validate(name string) error {
	switch {
	case p.FailureThreshold == 0:
		return xerrors.Wrapf(ErrInvalidConfig, "%s: failure_threshold must be positive", name)
	case p.CoolDown <= 0:
		return xerrors.Wrapf(ErrInvalidConfig, "%s: cool_down must be positive", name)
	case p.HalfOpenTrials == 0:
		return xerrors.Wrapf(ErrInvalidConfig, "%s: half_open_trials must be positive", name)
	case p.Window < 0 || p.BucketPeriod < 0:
		return xerrors.Wrapf(ErrInvalidConfig, "%s: window must not be negative", name)
	case p.BucketPeriod > 0 && p.Window == 0:
		return xerrors.Wrapf(ErrInvalidConfig, "%s: bucket_period requires window", name)
	}
	return nil
}

// policyFor 合并依赖级覆盖与默认策略
func (c *Config) policyFor(dependency string) Policy {
	p := c.Default
	o, ok := c.Dependencies[dependency]
	if !ok {
		return p
	}
	if o.FailureThreshold > 0 {
		p.FailureThreshold = o.FailureThreshold
	}
	if o.CoolDown > 0 {
		p.CoolDown = o.CoolDown
	}
	if o.HalfOpenTrials > 0 {
		p.HalfOpenTrials = o.HalfOpenTrials
	}
	if o.Window != 0 {
		p.Window = o.Window
	}
	if o.BucketPeriod != 0 {
		p.BucketPeriod = o.BucketPeriod
	}
	return p
}
