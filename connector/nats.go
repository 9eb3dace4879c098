package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/xerrors"
)

type natsConnector struct {
	cfg     *NATSConfig
	logger  clog.Logger
	healthy atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewNATS 创建 NATS 连接器，不建立连接
func NewNATS(cfg *NATSConfig, opts ...Option) (NATSConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "nats config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	return &natsConnector{
		cfg:    cfg,
		logger: o.logger.With(clog.String("connector", "nats"), clog.String("name", cfg.Name)),
	}, nil
}

func (c *natsConnector) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	natsOpts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.Timeout),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.PingInterval(c.cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			c.logger.Warn("nats disconnected", clog.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.healthy.Store(true)
			c.logger.Info("nats reconnected", clog.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(c.cfg.Token))
	}

	conn, err := nats.Connect(c.cfg.URL, natsOpts...)
	if err != nil {
		c.logger.Error("failed to connect to nats", clog.Error(err), clog.String("url", c.cfg.URL))
		return xerrors.Wrapf(err, "nats connector[%s]: connection failed", c.cfg.Name)
	}

	c.conn = conn
	c.healthy.Store(true)
	c.logger.Info("connected to nats", clog.String("url", c.cfg.URL))
	return nil
}

func (c *natsConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("nats connection closed")
	}
	return nil
}

func (c *natsConnector) HealthCheck(_ context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if status := conn.Status(); status != nats.CONNECTED {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "nats connector[%s]: status %s", c.cfg.Name, status)
	}
	c.healthy.Store(true)
	return nil
}

func (c *natsConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *natsConnector) Name() string {
	return c.cfg.Name
}

func (c *natsConnector) GetClient() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
