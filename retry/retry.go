// Package retry 决定一次失败的依赖调用是否应该重试、等待多久。
//
// Policy 是纯函数式的决策器：输入尝试序号、失败分类与已耗时，输出
// Decision。等待时间为 base * 2^attempt * jitter，jitter 在 [0.5, 1.5)
// 内均匀分布，上限为 MaxDelay。所有参数必须显式配置，代码中不隐含默认值。
//
//	p, err := retry.New(retry.Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 3})
//	d := p.Decide(0, retry.Classify(err), time.Since(start))
//	if d.Retry { time.Sleep(d.Wait) }
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// ErrInvalidConfig 重试配置缺失或非法
var ErrInvalidConfig = xerrors.New("retry: invalid config")

// Config 重试配置
type Config struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"` // 包含首次调用
	// MaxElapsed 可选，总耗时预算；为 0 表示不限制
	MaxElapsed time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// Validate 校验配置，缺失项直接报错
func (c Config) Validate() error {
	switch {
	case c.BaseDelay <= 0:
		return xerrors.Wrap(ErrInvalidConfig, "base_delay must be positive")
	case c.MaxDelay <= 0:
		return xerrors.Wrap(ErrInvalidConfig, "max_delay must be positive")
	case c.MaxDelay < c.BaseDelay:
		return xerrors.Wrap(ErrInvalidConfig, "max_delay must not be less than base_delay")
	case c.MaxAttempts <= 0:
		return xerrors.Wrap(ErrInvalidConfig, "max_attempts must be positive")
	case c.MaxElapsed < 0:
		return xerrors.Wrap(ErrInvalidConfig, "max_elapsed must not be negative")
	}
	return nil
}

// Attempt 一次已完成的尝试
type Attempt struct {
	Index   int // 从 0 开始
	Elapsed time.Duration
	Class   Class
}

// Decision 重试决策
type Decision struct {
	Retry bool
	Wait  time.Duration
}

// Option Policy 选项
type Option func(*Policy)

// WithJitter 替换抖动来源，f 返回 [0, 1) 的值。用于测试中固定等待时间。
func WithJitter(f func() float64) Option {
	return func(p *Policy) {
		if f != nil {
			p.jitter = f
		}
	}
}

// Policy 重试策略，并发安全
type Policy struct {
	cfg    Config
	jitter func() float64
}

// New 创建重试策略
func New(cfg Config, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{cfg: cfg, jitter: rand.Float64}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config 返回策略配置
func (p *Policy) Config() Config {
	return p.cfg
}

// Decide 根据刚失败的第 attempt 次尝试（从 0 开始）给出决策。
func (p *Policy) Decide(attempt int, class Class, elapsed time.Duration) Decision {
	if !class.Retryable() {
		return Decision{}
	}
	if attempt < 0 || attempt+1 >= p.cfg.MaxAttempts {
		return Decision{}
	}

	wait := p.Backoff(attempt)
	if p.cfg.MaxElapsed > 0 && elapsed+wait >= p.cfg.MaxElapsed {
		return Decision{}
	}
	return Decision{Retry: true, Wait: wait}
}

// Backoff 第 attempt 次失败后的等待时间
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := 0.5 + p.jitter()
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt)) * factor
	if d >= float64(p.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}
