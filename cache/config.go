package cache

import (
	"time"

	"github.com/ceyewan/mediacore/cache/serializer"
	"github.com/ceyewan/mediacore/xerrors"
)

// Tier 缓存层
type Tier string

const (
	TierLocal  Tier = "local"
	TierShared Tier = "shared"
)

// Scope 条目的归属范围
type Scope string

const (
	// ScopeGlobal 所有身份共享
	ScopeGlobal Scope = "global"
	// ScopeUser 同一用户的所有会话共享
	ScopeUser Scope = "user"
	// ScopeSession 仅限单个会话
	ScopeSession Scope = "session"
)

// 内置键类别
const (
	ClassMetadata  = "metadata"
	ClassSearch    = "search"
	ClassStreamURL = "stream-url"
	ClassSession   = "session"
)

// userBound 这些类别承载用户身份相关数据，不允许配置为 global
var userBound = map[string]bool{
	ClassStreamURL: true,
	ClassSession:   true,
}

// ClassPolicy 单个键类别的缓存策略
type ClassPolicy struct {
	TTL   time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Tiers []Tier        `mapstructure:"tiers" yaml:"tiers"`
	Scope Scope         `mapstructure:"scope" yaml:"scope"`
}

func (p ClassPolicy) has(t Tier) bool {
	for _, tier := range p.Tiers {
		if tier == t {
			return true
		}
	}
	return false
}

// Config 缓存管理器配置
type Config struct {
	// Prefix 全局 Key 前缀 (e.g., "mediacore:")
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// Serializer 共享层信封编码: "json" | "msgpack"
	Serializer string `mapstructure:"serializer" yaml:"serializer"`

	// LocalCapacity 本地层最大条目数（默认：10000），超出后按最近使用淘汰
	LocalCapacity int `mapstructure:"local_capacity" yaml:"local_capacity"`

	// SharedTimeout 单次共享层操作超时（默认：300ms）
	SharedTimeout time.Duration `mapstructure:"shared_timeout" yaml:"shared_timeout"`

	// DegradedProbeInterval 降级后重新探测共享层的间隔（默认：5s）
	DegradedProbeInterval time.Duration `mapstructure:"degraded_probe_interval" yaml:"degraded_probe_interval"`

	// InvalidationChannel 跨实例失效广播的频道名（默认："mediacore.cache.invalidate"）
	InvalidationChannel string `mapstructure:"invalidation_channel" yaml:"invalidation_channel"`

	// Classes 键类别策略表
	Classes map[string]ClassPolicy `mapstructure:"classes" yaml:"classes"`
}

// DefaultInvalidationChannel 失效广播的默认频道/主题
const DefaultInvalidationChannel = "mediacore.cache.invalidate"

func (c *Config) setDefaults() {
	if c.LocalCapacity <= 0 {
		c.LocalCapacity = 10000
	}
	if c.SharedTimeout <= 0 {
		c.SharedTimeout = 300 * time.Millisecond
	}
	if c.DegradedProbeInterval <= 0 {
		c.DegradedProbeInterval = 5 * time.Second
	}
	if c.InvalidationChannel == "" {
		c.InvalidationChannel = DefaultInvalidationChannel
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	if _, err := serializer.New(c.Serializer); err != nil {
		return xerrors.Wrap(ErrInvalidConfig, err.Error())
	}
	if len(c.Classes) == 0 {
		return xerrors.Wrap(ErrInvalidConfig, "at least one key class is required")
	}
	for name, p := range c.Classes {
		if p.TTL <= 0 {
			return xerrors.Wrapf(ErrInvalidConfig, "class %s: ttl must be positive", name)
		}
		if len(p.Tiers) == 0 {
			return xerrors.Wrapf(ErrInvalidConfig, "class %s: at least one tier is required", name)
		}
		for _, t := range p.Tiers {
			if t != TierLocal && t != TierShared {
				return xerrors.Wrapf(ErrInvalidConfig, "class %s: unknown tier %q", name, t)
			}
		}
		switch p.Scope {
		case ScopeGlobal:
			if userBound[name] {
				return xerrors.Wrapf(ErrInvalidConfig, "class %s must be user or session scoped", name)
			}
		case ScopeUser, ScopeSession:
		default:
			return xerrors.Wrapf(ErrInvalidConfig, "class %s: unknown scope %q", name, p.Scope)
		}
	}
	return nil
}
