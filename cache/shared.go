package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/mediacore/connector"
	"github.com/ceyewan/mediacore/xerrors"
)

// SharedStore 跨实例共享的缓存层。实现只需提供带 TTL 的键值语义，
// 不可用时返回错误，由 Manager 负责降级。
type SharedStore interface {
	// Get 未命中时返回 (nil, false, nil)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	// DeleteMatch 删除匹配 glob 模式的键，返回被删除的键
	DeleteMatch(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// scanBatch SCAN 每批建议数量，同时也是 DEL 的批大小
const scanBatch = 100

// RedisStore 基于 Redis 的共享层
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 借用连接器的客户端创建共享层，不负责关闭连接
func NewRedisStore(conn connector.RedisConnector) (*RedisStore, error) {
	if conn == nil {
		return nil, xerrors.New("cache: redis connector is nil")
	}
	return &RedisStore{client: conn.GetClient()}, nil
}

// NewRedisStoreFromClient 直接使用已有客户端
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), err
}

// DeleteMatch 用 SCAN 代替 KEYS 遍历，避免阻塞 Redis
func (s *RedisStore) DeleteMatch(ctx context.Context, pattern string) ([]string, error) {
	var deleted, batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted = append(deleted, batch...)
		batch = batch[:0]
		return nil
	}

	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, flush()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
