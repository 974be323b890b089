package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/handlers"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/middleware"
)

type RouterConfig struct {
	RequestUser        *middleware.RequestUserMiddleware
	ExtractionHandler  *handlers.ExtractionHandler
	AggregationHandler *handlers.AggregationHandler
	SSEHandler         *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(cfg.RequestUser.RequireUser())
	{
		api.POST("/extraction/start", cfg.ExtractionHandler.Start)
		api.GET("/extraction/jobs/:id", cfg.ExtractionHandler.GetStatus)
		api.POST("/extraction/jobs/:id/stop", cfg.ExtractionHandler.Stop)
		api.POST("/extraction/jobs/:id/reset", cfg.ExtractionHandler.Reset)
		api.POST("/extraction/jobs/:id/boost", cfg.ExtractionHandler.Boost)
		api.POST("/extraction/jobs/:id/force-complete", cfg.ExtractionHandler.ForceComplete)

		api.GET("/aggregation/categories", cfg.AggregationHandler.Categories)

		api.GET("/sse/stream", cfg.SSEHandler.Stream)
		api.GET("/sse/last", cfg.SSEHandler.Last)
	}

	return router
}
