// Package config 基于 Viper 加载 mediacore 的配置。
//
// 来源优先级：环境变量 > .env > 环境特定配置 (<name>.<env>.yaml) > 基础配置。
// 环境名取自 <PREFIX>_ENV。配置文件变更后通过 Watch 推送事件，
// 例如 bootstrap 用它热更新日志级别。
//
//	loader, err := config.New(&config.Config{Name: "mediacore", Paths: []string{"./configs"}})
//	if err := loader.Load(ctx); err != nil { ... }
//	var cfg bootstrap.Config
//	_ = loader.Unmarshal(&cfg)
package config

import (
	"context"
	"strings"
	"time"

	"github.com/ceyewan/mediacore/clog"
)

// Loader 配置加载器
type Loader interface {
	Load(ctx context.Context) error
	Get(key string) any
	Unmarshal(v any) error
	UnmarshalKey(key string, v any) error
	// Watch 监听 key 的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string
	Timestamp time.Time
}

// Config 加载器配置
type Config struct {
	Name      string   // 配置文件名称（不含扩展名）
	Paths     []string // 搜索路径，默认 [".", "./configs"]
	FileType  string   // 默认 yaml
	EnvPrefix string   // 默认 MEDIACORE
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "mediacore"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./configs"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "MEDIACORE"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
}

// Option 加载器选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入日志记录器
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("config")
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认配置。
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return newLoader(cfg, o), nil
}
