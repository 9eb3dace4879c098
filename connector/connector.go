// Package connector 管理 mediacore 依赖的外部连接：Redis（共享缓存层、
// 失效广播）与 NATS（可选的失效广播通道）。
//
// NewXXX 只创建连接器，Connect 时才真正建立连接。连接器拥有底层客户端的
// 生命周期，cache 等组件只借用客户端，不负责 Close。
//
//	conn, err := connector.NewRedis(&connector.RedisConfig{Addr: "127.0.0.1:6379"}, connector.WithLogger(logger))
//	if err := conn.Connect(ctx); err != nil { ... }
//	defer conn.Close()
//	client := conn.GetClient()
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/xerrors"
)

// Connector 所有连接器的通用行为，方法并发安全
type Connector interface {
	// Connect 幂等
	Connect(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
	// IsHealthy 返回最近一次 Connect/HealthCheck 的结果，不阻塞
	IsHealthy() bool
	Name() string
}

// TypedConnector 带类型化客户端的连接器
type TypedConnector[T any] interface {
	Connector
	GetClient() T
}

// RedisConnector Redis 连接器
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// NATSConnector NATS 连接器
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}

var (
	ErrNotConnected = xerrors.New("connector: not connected")
	ErrConfig       = xerrors.New("connector: invalid config")
	ErrHealthCheck  = xerrors.New("connector: health check failed")
)

// Option 连接器选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
