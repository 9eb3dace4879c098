package bootstrap

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/mediacore/trace"
)

// Routes 由业务服务实现，在根路由上注册自身的接口
type Routes interface {
	RegisterRoutes(r gin.IRouter)
}

// NewRouter 创建 gin 引擎：Recovery、追踪中间件、/healthz、/metrics 与业务路由
func (a *App) NewRouter(routes ...Routes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	service := a.Config.Metrics.ServiceName
	if a.Config.Trace != nil {
		service = a.Config.Trace.ServiceName
	}
	if service == "" {
		service = "mediacore"
	}
	r.Use(trace.GinMiddleware(service))

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", gin.WrapH(a.Meter.Handler()))
	for _, rt := range routes {
		rt.RegisterRoutes(r)
	}
	return r
}

// handleHealth 连接器不可用时返回 503；共享缓存降级只作为状态字段上报。
func (a *App) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"cache_degraded": a.Cache.Degraded()}
	if a.Redis != nil {
		body["redis"] = health(ctx, a.Redis.HealthCheck, &status)
	}
	if a.NATS != nil {
		body["nats"] = health(ctx, a.NATS.HealthCheck, &status)
	}
	c.JSON(status, body)
}

func health(ctx context.Context, check func(context.Context) error, status *int) string {
	if err := check(ctx); err != nil {
		*status = http.StatusServiceUnavailable
		return err.Error()
	}
	return "ok"
}
