package resilient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/testkit"
	"github.com/ceyewan/mediacore/trace"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Outcome
	}
	return out
}

type fixture struct {
	inv      *Invoker
	breakers *breaker.Registry
	events   *recorder
	probe    *testkit.MeterProbe
}

func newFixture(t *testing.T, threshold uint32, maxAttempts int, cfg *Config, opts ...Option) *fixture {
	t.Helper()
	logger := testkit.NewLogger(t)
	probe := testkit.NewMeterProbe(t)

	breakers, err := breaker.New(&breaker.Config{
		Default: breaker.Policy{FailureThreshold: threshold, CoolDown: time.Minute, HalfOpenTrials: 1},
	}, breaker.WithLogger(logger), breaker.WithMeter(probe.Meter))
	require.NoError(t, err)

	policy, err := retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: maxAttempts},
		retry.WithJitter(func() float64 { return 0 }))
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{DefaultTimeout: time.Second}
	}
	events := &recorder{}
	opts = append([]Option{WithLogger(logger), WithMeter(probe.Meter), WithObserver(events)}, opts...)
	inv, err := New(cfg, breakers, policy, opts...)
	require.NoError(t, err)

	return &fixture{inv: inv, breakers: breakers, events: events, probe: probe}
}

var errBlip = errors.New("connection reset")

func TestNewValidation(t *testing.T) {
	breakers, err := breaker.New(&breaker.Config{Default: breaker.Policy{FailureThreshold: 1, CoolDown: time.Second, HalfOpenTrials: 1}})
	require.NoError(t, err)
	policy, err := retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 1})
	require.NoError(t, err)

	_, err = New(nil, breakers, policy)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{DefaultTimeout: time.Second}, nil, policy)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{}, breakers, policy)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{DefaultTimeout: time.Second, RateLimits: map[string]Limit{"provider-auth": {Rate: 1}}}, breakers, policy)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTimeoutResolution(t *testing.T) {
	cfg := &Config{DefaultTimeout: time.Second, Timeouts: map[string]time.Duration{"provider-stream": 3 * time.Second}}
	assert.Equal(t, 2*time.Second, cfg.timeoutFor("provider-stream", 2*time.Second))
	assert.Equal(t, 3*time.Second, cfg.timeoutFor("provider-stream", 0))
	assert.Equal(t, time.Second, cfg.timeoutFor("provider-auth", 0))
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, 3, 3, nil)

	val, err := f.inv.Execute(context.Background(), "provider-auth", 0, func(ctx context.Context) (any, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "attempt must carry a deadline")
		return "token", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "token", val)
	assert.Equal(t, []Outcome{OutcomeSuccess}, f.events.outcomes())
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	f := newFixture(t, 10, 3, nil)

	var calls atomic.Int32
	val, err := Do(context.Background(), f.inv, "provider-stream", 0, func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errBlip
		}
		return "https://cdn.example/stream.m3u8", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/stream.m3u8", val)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []Outcome{OutcomeFailure, OutcomeRetry, OutcomeFailure, OutcomeRetry, OutcomeSuccess}, f.events.outcomes())
}

func TestPermanentIsNotRetried(t *testing.T) {
	f := newFixture(t, 1, 5, nil)
	invalid := errors.New("invalid credentials")

	var calls atomic.Int32
	_, err := f.inv.Execute(context.Background(), "provider-auth", 0, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, retry.MarkPermanent(invalid)
	})

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, retry.Permanent, re.Class)
	assert.Equal(t, 1, re.Attempts)
	assert.ErrorIs(t, err, invalid)
	assert.Equal(t, int32(1), calls.Load())

	// Permanent 不计入熔断，阈值为 1 也不会打开
	assert.Equal(t, breaker.StateClosed, f.breakers.State("provider-auth"))
}

func TestRetriesExhaustedSurfaceLastError(t *testing.T) {
	f := newFixture(t, 10, 3, nil)

	var calls atomic.Int32
	last := errors.New("upstream 503 (3)")
	_, err := f.inv.Execute(context.Background(), "provider-stream", 0, func(ctx context.Context) (any, error) {
		if calls.Add(1) == 3 {
			return nil, last
		}
		return nil, errBlip
	})

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
	assert.Equal(t, retry.Transient, re.Class)
	assert.Equal(t, "provider-stream", re.Dependency)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, retry.Transient, ClassOf(err))
}

func TestThreeTimeoutsOpenCircuit(t *testing.T) {
	f := newFixture(t, 3, 1, nil)

	var dispatched atomic.Int32
	hang := func(ctx context.Context) (any, error) {
		dispatched.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	for i := 0; i < 3; i++ {
		_, err := f.inv.Execute(context.Background(), "provider-auth", 20*time.Millisecond, hang)
		require.Error(t, err)
		assert.Equal(t, retry.Timeout, ClassOf(err))
		assert.False(t, IsCircuitOpen(err))
	}
	require.Equal(t, breaker.StateOpen, f.breakers.State("provider-auth"))

	start := time.Now()
	_, err := f.inv.Execute(context.Background(), "provider-auth", 20*time.Millisecond, hang)
	assert.True(t, IsCircuitOpen(err))
	assert.ErrorIs(t, err, breaker.ErrOpenState)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(3), dispatched.Load(), "open circuit must not dispatch")

	assert.Equal(t, int64(3), f.probe.Counter(t, metrics.MetricInvokerOutcomes,
		metrics.L(metrics.LabelDependency, "provider-auth"),
		metrics.L(metrics.LabelOutcome, string(OutcomeTimeout)),
		metrics.L(metrics.LabelClass, "timeout")))
	assert.Equal(t, int64(1), f.probe.Counter(t, metrics.MetricInvokerOutcomes,
		metrics.L(metrics.LabelDependency, "provider-auth"),
		metrics.L(metrics.LabelOutcome, string(OutcomeCircuitOpen)),
		metrics.L(metrics.LabelClass, "transient")))

	// 其他依赖不受影响
	_, err = f.inv.Execute(context.Background(), "provider-stream", 0, func(ctx context.Context) (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestCallerCancelStillReportsOutcome(t *testing.T) {
	f := newFixture(t, 10, 3, nil)

	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.inv.Execute(ctx, "provider-stream", time.Second, func(context.Context) (any, error) {
		<-release
		return nil, errBlip
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []Outcome{OutcomeCanceled}, f.events.outcomes())

	// 尝试本身仍在进行，结束后照常计入熔断
	assert.Zero(t, f.breakers.Counts("provider-stream").TotalFailures)
	close(release)
	assert.Eventually(t, func() bool {
		return f.breakers.Counts("provider-stream").TotalFailures == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelDuringBackoff(t *testing.T) {
	f := newFixture(t, 10, 3, nil)
	f.inv.policy, _ = retry.New(retry.Config{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32

	start := time.Now()
	_, err := f.inv.Execute(ctx, "provider-stream", 0, func(context.Context) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errBlip
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimited(t *testing.T) {
	cfg := &Config{
		DefaultTimeout: time.Second,
		RateLimits:     map[string]Limit{"provider-stream": {Rate: 0.01, Burst: 1}},
	}
	f := newFixture(t, 10, 1, cfg)
	ok := func(context.Context) (any, error) { return "ok", nil }

	_, err := f.inv.Execute(context.Background(), "provider-stream", 0, ok)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.inv.Execute(ctx, "provider-stream", 0, ok)
	assert.ErrorIs(t, err, ErrRateLimited)

	// 未配置限流的依赖不受影响
	_, err = f.inv.Execute(ctx, "provider-auth", 0, ok)
	assert.NoError(t, err)
}

func TestSpanPerExecute(t *testing.T) {
	tp, rec := testkit.NewSpanRecorder(t)
	f := newFixture(t, 10, 3, nil, WithTracerProvider(tp))

	var calls atomic.Int32
	_, err := f.inv.Execute(context.Background(), "provider-auth", 0, func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errBlip
		}
		return "ok", nil
	})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, trace.SpanInvoke, span.Name())
	assert.Contains(t, span.Attributes(), attribute.String(trace.AttrDependency, "provider-auth"))
	assert.Contains(t, span.Attributes(), attribute.Int(trace.AttrAttempt, 2))
	assert.Len(t, span.Events(), 3)
}

func TestConcurrentCallsAreIndependent(t *testing.T) {
	f := newFixture(t, 100, 1, nil)

	var wg sync.WaitGroup
	var inflight, peak atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.inv.Execute(context.Background(), "provider-stream", 0, func(context.Context) (any, error) {
				n := inflight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inflight.Add(-1)
				return "ok", nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1), "calls must not serialize")
}
