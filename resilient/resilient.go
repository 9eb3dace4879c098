// Package resilient 是访问外部依赖的唯一通道：熔断、超时、分类与重试。
//
// 每次尝试的流程：
//
//  1. 依赖配置了限流时先取令牌
//  2. 询问熔断器，Open 时立即以 breaker.ErrOpenState 失败，不触达依赖
//  3. 在独立 goroutine 中以 timeout 为期限执行 op，op 的上下文与调用方取消解耦
//  4. 分类错误并把结果上报熔断器。即使调用方已经离开，尝试结束时结果仍会上报
//  5. 按 retry.Policy 决定是否退避重试，否则返回终态结果
//
// 重试对调用方不可见，终态错误总是 *Error，保留分类与最后一次失败的原因。
//
//	inv, _ := resilient.New(&resilient.Config{DefaultTimeout: 5 * time.Second}, breakers, policy,
//		resilient.WithLogger(logger), resilient.WithMeter(meter))
//
//	token, err := resilient.Do(ctx, inv, "provider-auth", 0, func(ctx context.Context) (*provider.Token, error) {
//		return client.Authenticate(ctx, creds)
//	})
//	if resilient.IsCircuitOpen(err) {
//		// 提示用户稍后重试
//	}
package resilient

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/trace"
	"github.com/ceyewan/mediacore/xerrors"
)

const tracerName = "github.com/ceyewan/mediacore/resilient"

// Operation 对依赖的一次调用。ctx 带有单次尝试的期限，实现必须遵守它。
type Operation func(ctx context.Context) (any, error)

// Invoker 弹性调用器，并发安全。
//
// 同一依赖上的并发调用互相独立，只通过共享的熔断状态相互影响。
type Invoker struct {
	cfg      *Config
	breakers *breaker.Registry
	policy   *retry.Policy
	limiters limiters
	logger   clog.Logger
	observer Observer
	tracer   oteltrace.Tracer
}

// New 创建调用器
func New(cfg *Config, breakers *breaker.Registry, policy *retry.Policy, opts ...Option) (*Invoker, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if breakers == nil || policy == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "breaker registry and retry policy are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		tracer: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	telemetry, err := newTelemetryObserver(o.logger, o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "create invoker instruments")
	}

	return &Invoker{
		cfg:      cfg,
		breakers: breakers,
		policy:   policy,
		limiters: newLimiters(cfg.RateLimits),
		logger:   o.logger,
		observer: append(fanout{telemetry}, o.observers...),
		tracer:   o.tracer.Tracer(tracerName),
	}, nil
}

// Breakers 返回底层熔断器注册表，用于查询状态
func (inv *Invoker) Breakers() *breaker.Registry {
	return inv.breakers
}

// Execute 通过熔断、超时与重试调用 dependency。timeout 为单次尝试的期限，
// <= 0 时使用配置值。
func (inv *Invoker) Execute(ctx context.Context, dependency string, timeout time.Duration, op Operation) (any, error) {
	if dependency == "" {
		return nil, breaker.ErrDependencyEmpty
	}
	timeout = inv.cfg.timeoutFor(dependency, timeout)

	ctx, span := inv.tracer.Start(ctx, trace.SpanInvoke,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.String(trace.AttrDependency, dependency)))
	defer span.End()

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := inv.limiters.wait(ctx, dependency); err != nil {
			outcome := OutcomeRateLimited
			if ctx.Err() != nil {
				outcome = OutcomeCanceled
			}
			return nil, inv.terminate(ctx, span, Event{Dependency: dependency, Attempt: attempt + 1, Outcome: outcome, Class: retry.Classify(err), Err: err})
		}

		attemptStart := time.Now()
		val, err := inv.attempt(ctx, dependency, timeout, op)
		ev := Event{Dependency: dependency, Attempt: attempt + 1, Duration: time.Since(attemptStart), Err: err}

		switch {
		case err == nil:
			ev.Outcome = OutcomeSuccess
			inv.emit(ctx, span, ev)
			span.SetAttributes(attribute.Int(trace.AttrAttempt, attempt+1), attribute.String(trace.AttrOutcome, string(OutcomeSuccess)))
			span.SetStatus(codes.Ok, "")
			return val, nil

		case errors.Is(err, breaker.ErrOpenState):
			// 熔断拒绝不重试，快速失败才能限制对故障依赖的压力与调用方延迟
			ev.Outcome, ev.Class = OutcomeCircuitOpen, retry.Transient
			return nil, inv.terminate(ctx, span, ev)

		case ctx.Err() != nil:
			ev.Outcome, ev.Class, ev.Err = OutcomeCanceled, retry.Classify(ctx.Err()), ctx.Err()
			return nil, inv.terminate(ctx, span, ev)
		}

		ev.Class = retry.Classify(err)
		ev.Outcome = OutcomeFailure
		if ev.Class == retry.Timeout {
			ev.Outcome = OutcomeTimeout
		}

		d := inv.policy.Decide(attempt, ev.Class, time.Since(start))
		if !d.Retry {
			return nil, inv.terminate(ctx, span, ev)
		}
		inv.emit(ctx, span, ev)
		inv.emit(ctx, span, Event{Dependency: dependency, Attempt: attempt + 1, Outcome: OutcomeRetry, Class: ev.Class, Wait: d.Wait, Err: err})

		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, inv.terminate(ctx, span, Event{Dependency: dependency, Attempt: attempt + 1, Outcome: OutcomeCanceled, Class: retry.Classify(ctx.Err()), Err: ctx.Err()})
		case <-timer.C:
		}
	}
}

type result struct {
	val any
	err error
}

// attempt 执行一次尝试。
//
// op 运行在与调用方取消解耦的上下文中：调用方离开时立即返回 ctx.Err()，
// 但 op 结束后其结果仍会上报熔断器。超时由本函数判定并上报，op 迟到的结果被丢弃。
func (inv *Invoker) attempt(ctx context.Context, dependency string, timeout time.Duration, op Operation) (any, error) {
	done, err := inv.breakers.Allow(dependency)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	report := func(err error) { once.Do(func() { done(err) }) }

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	ch := make(chan result, 1)
	go func() {
		defer cancel()
		val, err := op(actx)
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && retry.Classify(err) != retry.Permanent {
			err = retry.MarkTimeout(err)
		}
		report(err)
		ch <- result{val: val, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-actx.Done():
		// op 未按期返回
		select {
		case r := <-ch:
			return r.val, r.err
		default:
		}
		err := retry.MarkTimeout(xerrors.Wrapf(context.DeadlineExceeded, "%s: attempt exceeded %s", dependency, timeout))
		report(err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) emit(ctx context.Context, span oteltrace.Span, ev Event) {
	attrs := []attribute.KeyValue{
		attribute.Int(trace.AttrAttempt, ev.Attempt),
		attribute.String(trace.AttrOutcome, string(ev.Outcome)),
	}
	if ev.Err != nil {
		attrs = append(attrs, attribute.String(trace.AttrErrorClass, ev.Class.String()))
	}
	span.AddEvent(trace.EventAttempt, oteltrace.WithAttributes(attrs...))
	inv.observer.Observe(ctx, ev)
}

// terminate 记录终态事件并构造 *Error
func (inv *Invoker) terminate(ctx context.Context, span oteltrace.Span, ev Event) error {
	inv.emit(ctx, span, ev)
	span.SetAttributes(
		attribute.Int(trace.AttrAttempt, ev.Attempt),
		attribute.String(trace.AttrOutcome, string(ev.Outcome)),
		attribute.String(trace.AttrErrorClass, ev.Class.String()))
	span.RecordError(ev.Err)
	span.SetStatus(codes.Error, string(ev.Outcome))
	return &Error{Dependency: ev.Dependency, Class: ev.Class, Attempts: ev.Attempt, Err: ev.Err}
}

// Do 是 Execute 的泛型版本
func Do[T any](ctx context.Context, inv *Invoker, dependency string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	val, err := inv.Execute(ctx, dependency, timeout, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := val.(T)
	if !ok {
		return zero, nil
	}
	return t, nil
}
