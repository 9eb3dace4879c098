package resilient

import (
	"context"
	"time"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/retry"
)

// Outcome 单个事件的结果
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRetry       Outcome = "retry"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCanceled    Outcome = "canceled"
)

// Event 调用过程中的一个可观测事件。
//
// 每次尝试产生一个 success/failure/timeout/circuit_open/rate_limited 事件；
// 决定重试时额外产生一个 retry 事件（Wait 为退避时间）；调用方在等待中离开时
// 产生 canceled 事件。
type Event struct {
	Dependency string
	Attempt    int // 从 1 开始
	Outcome    Outcome
	Class      retry.Class
	Duration   time.Duration
	Wait       time.Duration
	Err        error
}

// Observer 接收调用事件，必须并发安全且不阻塞
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// telemetryObserver 内置观察者：写日志并记录指标
type telemetryObserver struct {
	logger   clog.Logger
	outcomes metrics.Counter
	duration metrics.Histogram
}

func newTelemetryObserver(logger clog.Logger, meter metrics.Meter) (*telemetryObserver, error) {
	outcomes, err := meter.Counter(metrics.MetricInvokerOutcomes, "dependency call outcomes")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Histogram(metrics.MetricInvokerAttemptDuration, "dependency attempt duration",
		metrics.WithUnit("s"), metrics.WithBuckets(metrics.DurationBuckets))
	if err != nil {
		return nil, err
	}
	return &telemetryObserver{logger: logger, outcomes: outcomes, duration: duration}, nil
}

func (o *telemetryObserver) Observe(ctx context.Context, ev Event) {
	o.outcomes.Inc(ctx,
		metrics.L(metrics.LabelDependency, ev.Dependency),
		metrics.L(metrics.LabelOutcome, string(ev.Outcome)),
		metrics.L(metrics.LabelClass, ev.Class.String()))

	switch ev.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
		o.duration.Record(ctx, ev.Duration.Seconds(),
			metrics.L(metrics.LabelDependency, ev.Dependency),
			metrics.L(metrics.LabelOutcome, string(ev.Outcome)))
	}

	fields := []clog.Field{
		clog.String("dependency", ev.Dependency),
		clog.Int("attempt", ev.Attempt),
	}
	switch ev.Outcome {
	case OutcomeSuccess:
		o.logger.DebugContext(ctx, "dependency call succeeded", append(fields, clog.Duration("duration", ev.Duration))...)
	case OutcomeRetry:
		o.logger.InfoContext(ctx, "retrying dependency call", append(fields,
			clog.Duration("backoff", ev.Wait),
			clog.ErrorWithCode(ev.Err, ev.Class.Code()))...)
	case OutcomeCanceled:
		o.logger.InfoContext(ctx, "caller left before dependency call finished", append(fields, clog.Error(ev.Err))...)
	default:
		o.logger.WarnContext(ctx, "dependency call "+string(ev.Outcome), append(fields,
			clog.Duration("duration", ev.Duration),
			clog.ErrorWithCode(ev.Err, ev.Class.Code()))...)
	}
}

// fanout 依次通知所有观察者
type fanout []Observer

func (f fanout) Observe(ctx context.Context, ev Event) {
	for _, o := range f {
		o.Observe(ctx, ev)
	}
}
