// Package breaker 提供按依赖隔离的熔断器。
//
// 每个依赖（如 "provider-auth"、"provider-stream"）拥有独立的 gobreaker
// 两段式熔断器，一个依赖的故障不会打开另一个依赖的熔断：
//
//   - Closed → Open：连续失败数达到 FailureThreshold；配置了 Window 时，
//     滚动窗口内的失败总数达到阈值同样触发
//   - Open → HalfOpen：CoolDown 结束后自动进入，无需人工干预
//   - HalfOpen → Closed：探测调用成功（HalfOpenTrials 次，通常为 1）
//   - HalfOpen → Open：任意探测失败，冷却计时重新开始
//
// Open 状态下 Allow 直接返回 ErrOpenState，不会触达依赖。Permanent 分类的
// 错误与调用方取消不计入统计，它们不是依赖本身的故障。
//
// ## 基本使用
//
//	reg, _ := breaker.New(&breaker.Config{
//		Default: breaker.Policy{FailureThreshold: 5, CoolDown: 30 * time.Second, HalfOpenTrials: 1},
//	}, breaker.WithLogger(logger), breaker.WithMeter(meter))
//
//	done, err := reg.Allow("provider-auth")
//	if err != nil {
//		return err // breaker.ErrOpenState
//	}
//	err = call()
//	done(err) // 尝试结束时必须上报结果，即使调用方已经离开
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/xerrors"
)

// State 熔断器状态
type State int

const (
	// StateClosed 闭合状态（正常）
	StateClosed State = iota
	// StateHalfOpen 半开状态（探测恢复）
	StateHalfOpen
	// StateOpen 打开状态（熔断中）
	StateOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Counts 当前统计周期内的计数
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	TotalExclusions      uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Registry 管理所有依赖的熔断器，并发安全。
//
// 每个依赖的熔断器独立加锁，依赖之间互不竞争。
type Registry struct {
	cfg         *Config
	logger      clog.Logger
	transitions metrics.Counter

	breakers sync.Map // map[string]*gobreaker.TwoStepCircuitBreaker[any]
}

// New 创建熔断器注册表
func New(cfg *Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	transitions, err := o.meter.Counter(metrics.MetricBreakerTransitions, "circuit breaker state transitions")
	if err != nil {
		return nil, xerrors.Wrap(err, "create breaker transition counter")
	}

	r := &Registry{
		cfg:         cfg,
		logger:      o.logger,
		transitions: transitions,
	}

	r.logger.Info("circuit breaker registry created",
		clog.Int("failure_threshold", int(cfg.Default.FailureThreshold)),
		clog.Duration("cool_down", cfg.Default.CoolDown),
		clog.Int("half_open_trials", int(cfg.Default.HalfOpenTrials)),
		clog.Int("overrides", len(cfg.Dependencies)))

	return r, nil
}

// Allow 判断 dependency 是否允许发起一次调用。
//
// 允许时返回 done 回调，调用方必须在尝试结束后以其结果调用 done 恰好一次；
// 拒绝时返回 ErrOpenState。
func (r *Registry) Allow(dependency string) (func(err error), error) {
	if dependency == "" {
		return nil, ErrDependencyEmpty
	}

	done, err := r.get(dependency).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpenState
		}
		return nil, err
	}
	return done, nil
}

// State 返回 dependency 的当前状态，从未使用过的依赖视为 Closed。
func (r *Registry) State(dependency string) State {
	val, ok := r.breakers.Load(dependency)
	if !ok {
		return StateClosed
	}
	return fromGobreaker(val.(*gobreaker.TwoStepCircuitBreaker[any]).State())
}

// Counts 返回 dependency 当前统计周期的计数
func (r *Registry) Counts(dependency string) Counts {
	val, ok := r.breakers.Load(dependency)
	if !ok {
		return Counts{}
	}
	c := val.(*gobreaker.TwoStepCircuitBreaker[any]).Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		TotalExclusions:      c.TotalExclusions,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Dependencies 返回已创建熔断器的依赖名，按字典序
func (r *Registry) Dependencies() []string {
	var out []string
	r.breakers.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// get 获取或创建 dependency 的熔断器
func (r *Registry) get(dependency string) *gobreaker.TwoStepCircuitBreaker[any] {
	if val, ok := r.breakers.Load(dependency); ok {
		return val.(*gobreaker.TwoStepCircuitBreaker[any])
	}

	policy := r.cfg.policyFor(dependency)
	settings := gobreaker.Settings{
		Name:         dependency,
		MaxRequests:  policy.HalfOpenTrials,
		Interval:     policy.Window,
		BucketPeriod: policy.BucketPeriod,
		Timeout:      policy.CoolDown,
		ReadyToTrip:  readyToTrip(policy),
		IsExcluded:   isExcluded,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(name, fromGobreaker(from), fromGobreaker(to))
		},
	}

	// 并发创建时以先存入者为准
	actual, _ := r.breakers.LoadOrStore(dependency, gobreaker.NewTwoStepCircuitBreaker[any](settings))
	return actual.(*gobreaker.TwoStepCircuitBreaker[any])
}

func readyToTrip(p Policy) func(gobreaker.Counts) bool {
	return func(c gobreaker.Counts) bool {
		if c.ConsecutiveFailures >= p.FailureThreshold {
			return true
		}
		return p.Window > 0 && c.TotalFailures >= p.FailureThreshold
	}
}

// isExcluded 调用方取消与 Permanent 错误不计入统计
func isExcluded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return retry.Classify(err) == retry.Permanent
}

// onStateChange 在 gobreaker 内部锁中被调用，不能回调 Registry 的查询方法
func (r *Registry) onStateChange(dependency string, from, to State) {
	fields := []clog.Field{
		clog.String("dependency", dependency),
		clog.String("from", from.String()),
		clog.String("to", to.String()),
	}
	if to == StateOpen {
		r.logger.Warn("circuit breaker opened", fields...)
	} else {
		r.logger.Info("circuit breaker state changed", fields...)
	}

	r.transitions.Inc(context.Background(),
		metrics.L(metrics.LabelDependency, dependency),
		metrics.L(metrics.LabelFromState, from.String()),
		metrics.L(metrics.LabelToState, to.String()))
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
