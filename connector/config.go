package connector

import (
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`         // 默认 "default"
	Addr     string `mapstructure:"addr" yaml:"addr"`         // [必填] 如 "127.0.0.1:6379"
	Password string `mapstructure:"password" yaml:"password"` // [可选]
	DB       int    `mapstructure:"db" yaml:"db"`

	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`           // 默认 10
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"` // 默认 0
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`     // 默认 5s
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`     // 默认 3s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`   // 默认 3s

	// EnableTracing/EnableMetrics 通过 redisotel 为每条命令生成 span 与指标
	EnableTracing bool `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics bool `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

func (c *RedisConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

func (c *RedisConfig) validate() error {
	c.setDefaults()
	if c.Addr == "" {
		return xerrors.Wrap(ErrConfig, "redis addr is required")
	}
	if c.DB < 0 {
		return xerrors.Wrap(ErrConfig, "redis db must not be negative")
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	URL      string `mapstructure:"url" yaml:"url"` // [必填] 如 "nats://127.0.0.1:4222"
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`

	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`               // 默认 5s
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"` // 默认 60
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"` // 默认 2s
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`   // 默认 2m
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
}

func (c *NATSConfig) validate() error {
	c.setDefaults()
	if c.URL == "" {
		return xerrors.Wrap(ErrConfig, "nats url is required")
	}
	return nil
}
