package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/ceyewan/mediacore/connector"
)

// NewNATSContainerConnector 用 testcontainers 启动 NATS 并返回已连接的连接器
func NewNATSContainerConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start nats container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	conn, err := connector.NewNATS(&connector.NATSConfig{
		Name:          "testcontainer-nats",
		URL:           url,
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}, connector.WithLogger(NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
