// Package bootstrap 按配置装配 mediacore 进程：日志、指标、追踪、连接器、
// 熔断/重试/调用器、缓存与会话管理。
//
// 组件按阶段创建，Close 按创建的逆序释放。提供方由调用方注入，
// 因为凭证交换的具体实现属于部署环境。
package bootstrap

import (
	"context"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/cache"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/connector"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/provider"
	"github.com/ceyewan/mediacore/resilient"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/session"
	"github.com/ceyewan/mediacore/trace"
	"github.com/ceyewan/mediacore/xerrors"
)

var (
	ErrInvalidConfig = xerrors.New("bootstrap: invalid config")
	ErrNilProvider   = xerrors.New("bootstrap: provider is nil")
)

// App 装配完成的组件集合
type App struct {
	Config *Config
	Logger clog.Logger
	Meter  metrics.Meter

	Redis connector.RedisConnector
	NATS  connector.NATSConnector

	Breakers *breaker.Registry
	Retry    *retry.Policy
	Invoker  *resilient.Invoker
	Cache    *cache.Manager
	Sessions *session.Manager

	stoppers []stopper
}

type stopper struct {
	name string
	stop func(context.Context) error
}

// Option App 选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// WithLogger 使用已有的 Logger，跳过按 Config.Log 创建
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeter 使用已有的 Meter，跳过按 Config.Metrics 创建
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// New 装配所有组件。任一阶段失败时释放已创建的组件。
func New(ctx context.Context, cfg *Config, p provider.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNilProvider
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	steps := []struct {
		name string
		fn   func(context.Context, *options) error
	}{
		{"logger", a.initLogger},
		{"metrics", a.initMetrics},
		{"trace", a.initTrace},
		{"connectors", a.initConnectors},
		{"resilience", a.initResilience},
		{"cache", a.initCache},
		{"session", func(ctx context.Context, _ *options) error { return a.initSession(p) }},
	}
	for _, s := range steps {
		if err := s.fn(ctx, &o); err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			return nil, xerrors.Wrapf(err, "bootstrap: init %s", s.name)
		}
	}

	a.Logger.Info("mediacore assembled",
		clog.Bool("shared_cache", a.Redis != nil),
		clog.String("bus", cfg.Bus),
		clog.Bool("metrics", cfg.Metrics.Enabled),
		clog.Bool("trace", cfg.Trace != nil))
	return a, nil
}

// Start 启动后台任务
func (a *App) Start(ctx context.Context) {
	a.Sessions.Start(ctx)
}

// Close 按创建的逆序释放组件，返回所有失败的合并错误
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.stoppers) - 1; i >= 0; i-- {
		s := a.stoppers[i]
		if err := s.stop(ctx); err != nil {
			errs = append(errs, xerrors.Wrapf(err, "stop %s", s.name))
			if a.Logger != nil {
				a.Logger.Warn("component stop failed", clog.String("component", s.name), clog.Error(err))
			}
		}
	}
	a.stoppers = nil
	return xerrors.Combine(errs...)
}

func (a *App) onStop(name string, fn func(context.Context) error) {
	a.stoppers = append(a.stoppers, stopper{name: name, stop: fn})
}

func (a *App) initLogger(_ context.Context, o *options) error {
	if o.logger != nil {
		a.Logger = o.logger
		return nil
	}
	logger, err := clog.New(&a.Config.Log, clog.WithNamespace("mediacore"), clog.WithTraceContext())
	if err != nil {
		return err
	}
	a.Logger = logger
	a.onStop("logger", func(context.Context) error { logger.Flush(); return nil })
	return nil
}

func (a *App) initMetrics(_ context.Context, o *options) error {
	if o.meter != nil {
		a.Meter = o.meter
		return nil
	}
	meter, err := metrics.New(&a.Config.Metrics, metrics.WithLogger(a.Logger))
	if err != nil {
		return err
	}
	a.Meter = meter
	a.onStop("metrics", meter.Shutdown)
	return nil
}

func (a *App) initTrace(ctx context.Context, _ *options) error {
	if a.Config.Trace == nil {
		return nil
	}
	shutdown, err := trace.Init(ctx, a.Config.Trace)
	if err != nil {
		return err
	}
	a.onStop("trace", shutdown)
	return nil
}

func (a *App) initConnectors(ctx context.Context, _ *options) error {
	if cfg := a.Config.Redis; cfg != nil {
		conn, err := connector.NewRedis(cfg, connector.WithLogger(a.Logger))
		if err != nil {
			return err
		}
		if err := conn.Connect(ctx); err != nil {
			return err
		}
		a.Redis = conn
		a.onStop("redis", func(context.Context) error { return conn.Close() })
	}
	if cfg := a.Config.NATS; cfg != nil {
		conn, err := connector.NewNATS(cfg, connector.WithLogger(a.Logger))
		if err != nil {
			return err
		}
		if err := conn.Connect(ctx); err != nil {
			return err
		}
		a.NATS = conn
		a.onStop("nats", func(context.Context) error { return conn.Close() })
	}
	return nil
}

func (a *App) initResilience(_ context.Context, _ *options) error {
	var err error
	if a.Breakers, err = breaker.New(&a.Config.Breaker, breaker.WithLogger(a.Logger), breaker.WithMeter(a.Meter)); err != nil {
		return err
	}
	if a.Retry, err = retry.New(a.Config.Retry); err != nil {
		return err
	}
	a.Invoker, err = resilient.New(&a.Config.Invoker, a.Breakers, a.Retry,
		resilient.WithLogger(a.Logger), resilient.WithMeter(a.Meter))
	return err
}

func (a *App) initCache(_ context.Context, _ *options) error {
	opts := []cache.Option{cache.WithLogger(a.Logger), cache.WithMeter(a.Meter)}
	if a.Redis != nil {
		store, err := cache.NewRedisStore(a.Redis)
		if err != nil {
			return err
		}
		opts = append(opts, cache.WithShared(store))
	}

	channel := a.Config.Cache.InvalidationChannel
	if channel == "" {
		channel = cache.DefaultInvalidationChannel
	}
	switch a.Config.Bus {
	case BusRedis:
		bus, err := cache.NewRedisBus(a.Redis, channel)
		if err != nil {
			return err
		}
		opts = append(opts, cache.WithBus(bus))
	case BusNATS:
		bus, err := cache.NewNATSBus(a.NATS, channel)
		if err != nil {
			return err
		}
		opts = append(opts, cache.WithBus(bus))
	}

	m, err := cache.New(&a.Config.Cache, opts...)
	if err != nil {
		return err
	}
	a.Cache = m
	a.onStop("cache", func(context.Context) error { return m.Close() })
	return nil
}

func (a *App) initSession(p provider.Provider) error {
	m, err := session.New(&a.Config.Session, p, a.Invoker, a.Cache,
		session.WithLogger(a.Logger), session.WithMeter(a.Meter))
	if err != nil {
		return err
	}
	a.Sessions = m
	a.onStop("session", func(context.Context) error { return m.Close() })
	return nil
}
