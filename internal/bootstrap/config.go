package bootstrap

import (
	"context"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/cache"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/config"
	"github.com/ceyewan/mediacore/connector"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/resilient"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/session"
	"github.com/ceyewan/mediacore/trace"
	"github.com/ceyewan/mediacore/xerrors"
)

// 失效广播通道
const (
	BusNone  = ""
	BusRedis = "redis"
	BusNATS  = "nats"
)

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // 默认 ":8080"
}

// Config 进程级聚合配置，对应 configs/mediacore.yaml 的顶层键
type Config struct {
	Log     clog.Config            `mapstructure:"log" yaml:"log"`
	Metrics metrics.Config         `mapstructure:"metrics" yaml:"metrics"`
	Trace   *trace.Config          `mapstructure:"trace" yaml:"trace"` // 为空时不初始化 TracerProvider
	HTTP    HTTPConfig             `mapstructure:"http" yaml:"http"`
	Redis   *connector.RedisConfig `mapstructure:"redis" yaml:"redis"` // 为空时只有本地缓存层
	NATS    *connector.NATSConfig  `mapstructure:"nats" yaml:"nats"`

	// Bus 失效广播："" | "redis" | "nats"
	Bus string `mapstructure:"bus" yaml:"bus"`

	Breaker breaker.Config   `mapstructure:"breaker" yaml:"breaker"`
	Retry   retry.Config     `mapstructure:"retry" yaml:"retry"`
	Invoker resilient.Config `mapstructure:"invoker" yaml:"invoker"`
	Cache   cache.Config     `mapstructure:"cache" yaml:"cache"`
	Session session.Config   `mapstructure:"session" yaml:"session"`
}

func (c *Config) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	switch c.Bus {
	case BusNone:
	case BusRedis:
		if c.Redis == nil {
			return xerrors.Wrap(ErrInvalidConfig, "bus redis requires redis config")
		}
	case BusNATS:
		if c.NATS == nil {
			return xerrors.Wrap(ErrInvalidConfig, "bus nats requires nats config")
		}
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unknown bus %q", c.Bus)
	}
	return nil
}

// Load 通过 config.Loader 读取并解析聚合配置
func Load(ctx context.Context, lc *config.Config, opts ...config.Option) (*Config, config.Loader, error) {
	loader, err := config.New(lc, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Load(ctx); err != nil {
		return nil, nil, err
	}
	if err := loader.Validate(); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, nil, xerrors.Wrap(err, "bootstrap: unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, loader, nil
}
