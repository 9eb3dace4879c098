package testkit

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ceyewan/mediacore/connector"
)

// NewMiniRedis 启动进程内 Redis，返回服务端句柄（可 Close 模拟故障、
// FastForward 推进 TTL）和已连接的客户端
func NewMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// NewRedisContainerConfig 用 testcontainers 启动 redis:7-alpine 并返回连接配置，
// 生命周期由 t.Cleanup 管理
func NewRedisContainerConfig(t *testing.T) *connector.RedisConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return &connector.RedisConfig{
		Name: "testcontainer-redis",
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

// NewRedisContainerConnector 启动容器并返回已连接的 Redis 连接器
func NewRedisContainerConnector(t *testing.T) connector.RedisConnector {
	t.Helper()
	cfg := NewRedisContainerConfig(t)

	conn, err := connector.NewRedis(cfg, connector.WithLogger(NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
