package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"market-relay-go/infrastructure/logger"
	"market-relay-go/infrastructure/monitor"
)

// RouterConfig 路由参数。
type RouterConfig struct {
	RequestTimeout time.Duration
}

// NewRouter 创建 gin 引擎：全局中间件、健康检查与 /api/v1 路由。
func NewRouter(h *Handler, health *HealthHandler, cfg RouterConfig, log *logger.Logger, mon *monitor.Monitor) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	httpLog := log.Named("http")

	router := gin.New()
	router.Use(
		RequestID(),
		RequestLogger(httpLog, mon),
		Recovery(httpLog),
		Timeout(cfg.RequestTimeout),
	)

	if health != nil {
		health.Register(router)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/candles/:symbol", h.GetCandles)
		v1.GET("/ticker/:symbol", h.GetTicker)
		v1.GET("/symbols", h.GetSymbols)
		v1.GET("/book/:symbol", h.GetBook)
	}
	return router
}
