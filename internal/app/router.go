package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/campuspulse/backend/internal/handlers"
	"github.com/campuspulse/backend/internal/observability"
)

func wireRouter(cfg Config, metrics *observability.Metrics, stats *handlers.StatsHandler, rt *handlers.RealtimeHandler) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))
	router.Use(requestMetrics(metrics))

	router.GET("/healthcheck", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapF(metrics.WriteHTTP))
	}

	api := router.Group("/api")
	{
		api.GET("/entities/:id/stats", stats.GetStats)
		api.POST("/entities/:id/stats/refresh", stats.RefreshStats)
		api.GET("/leaderboard/:category", stats.Leaderboard)
		api.POST("/engagements", stats.RecordEngagement)
	}

	realtime := router.Group("/realtime")
	{
		realtime.GET("/stream", rt.Stream)
		realtime.POST("/subscribe", rt.Subscribe)
		realtime.POST("/unsubscribe", rt.Unsubscribe)
	}

	return router
}
