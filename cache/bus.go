package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/mediacore/connector"
	"github.com/ceyewan/mediacore/xerrors"
)

// Invalidation 跨实例失效消息。Key 与 Prefix+Pattern 二选一，均为物理键。
type Invalidation struct {
	Origin  string `json:"origin"`
	Key     string `json:"key,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Bus 失效广播通道。实例删除或覆盖共享层条目后广播，其他实例据此丢弃本地副本，
// 下次读取回到共享层；共享层条目已由发起方删除或替换。
type Bus interface {
	Publish(ctx context.Context, msg Invalidation) error
	// Subscribe 注册处理函数，handler 在通道自己的 goroutine 中被调用
	Subscribe(ctx context.Context, handler func(Invalidation)) error
	Close() error
}

// RedisBus 基于 Redis Pub/Sub 的失效广播
type RedisBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBus 创建 Redis 广播通道
func NewRedisBus(conn connector.RedisConnector, channel string) (*RedisBus, error) {
	if conn == nil {
		return nil, xerrors.New("cache: redis connector is nil")
	}
	return NewRedisBusFromClient(conn.GetClient(), channel), nil
}

// NewRedisBusFromClient 直接使用已有客户端
func NewRedisBusFromClient(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, msg Invalidation) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(Invalidation)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	// 等待订阅确认，确保返回后发布的消息不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return xerrors.Wrap(err, "subscribe invalidation channel")
	}

	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			var msg Invalidation
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			handler(msg)
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	b.wg.Wait()
	return err
}

// NATSBus 基于 NATS 主题的失效广播
type NATSBus struct {
	conn    *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBus 创建 NATS 广播通道
func NewNATSBus(conn connector.NATSConnector, subject string) (*NATSBus, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, xerrors.Wrap(connector.ErrNotConnected, "nats")
	}
	return &NATSBus{conn: conn.GetClient(), subject: subject}, nil
}

func (b *NATSBus) Publish(_ context.Context, msg Invalidation) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, data)
}

func (b *NATSBus) Subscribe(_ context.Context, handler func(Invalidation)) error {
	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var msg Invalidation
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
	if err != nil {
		return xerrors.Wrap(err, "subscribe invalidation subject")
	}
	// Flush 保证服务端已登记订阅
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return xerrors.Wrap(err, "flush subscription")
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
