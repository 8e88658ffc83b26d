package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyarbiter/keyarbiter/common/config"
	"github.com/keyarbiter/keyarbiter/controller"
)

// SetRouter wires the HTTP surface: the single generation endpoint plus the read-mostly
// admin API used by dashboards and operators.
func SetRouter(server *gin.Engine, h *controller.Handler) {
	server.POST("/v1/generate", h.Generate)

	apiRouter := server.Group("/api")
	{
		apiRouter.GET("/status", h.Status)
		apiRouter.GET("/keys", h.Keys)
		apiRouter.GET("/allocation/:user_id", h.UserAllocation)
		apiRouter.POST("/keys/:index/reset", h.ResetKey)
	}

	if config.EnablePrometheusMetrics {
		server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
