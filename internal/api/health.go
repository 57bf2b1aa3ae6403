package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler 存活与就绪探针。
type HealthHandler struct {
	feedState func() string // 上游连接状态
	ready     func() bool   // 上游是否已连接
	symbols   func() int
}

func NewHealthHandler(feedState func() string, ready func() bool, symbols func() int) *HealthHandler {
	return &HealthHandler{feedState: feedState, ready: ready, symbols: symbols}
}

// Register 挂载 /healthz 与 /readyz。
func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if h.feedState != nil {
			body["feed"] = h.feedState()
		}
		if h.symbols != nil {
			body["symbols"] = h.symbols()
		}
		c.JSON(http.StatusOK, body)
	})

	// 上游断开时返回 503，下游可据此判断行情已停止
	r.GET("/readyz", func(c *gin.Context) {
		if h.ready != nil && !h.ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}
