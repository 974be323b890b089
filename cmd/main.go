package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/clients/redis"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/data/repos"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/db"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/handlers"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/middleware"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/patterns"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/envutil"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/server"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/services"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/sse"
)

func main() {
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	noteRepo := repos.NewNoteRepo(thePG, log)
	mentionRepo := repos.NewMentionRepo(thePG, log)
	jobRepo := repos.NewExtractionJobRepo(thePG, log)

	// SSE hub + optional cross-instance bus
	sseHub := sse.NewSSEHub(log)
	var sseBus redis.SSEBus
	if envutil.Str("REDIS_ADDR", "") != "" {
		sseBus, err = redis.NewSSEBus(log)
		if err != nil {
			log.Warn("Redis SSE bus init failed; running hub-local only", "error", err)
			sseBus = nil
		} else {
			if err := sseBus.StartForwarder(context.Background(), func(m sse.SSEMessage) {
				sseHub.Broadcast(m)
			}); err != nil {
				log.Warn("Redis SSE forwarder failed to start", "error", err)
			}
		}
	}

	// Services
	library := patterns.NewLibrary(log)
	notifier := services.NewJobNotifier(log, sseHub, sseBus)
	extractionService := services.NewExtractionService(
		log,
		services.DefaultExtractionConfig(),
		library,
		noteRepo,
		mentionRepo,
		jobRepo,
		notifier,
	)
	aggregationService := services.NewAggregationService(log, mentionRepo)

	// Handlers
	extractionHandler := handlers.NewExtractionHandler(extractionService)
	aggregationHandler := handlers.NewAggregationHandler(aggregationService)
	sseHandler := handlers.NewSSEHandler(log, sseHub)
	requestUser := middleware.NewRequestUserMiddleware(log)

	router := server.NewRouter(server.RouterConfig{
		RequestUser:        requestUser,
		ExtractionHandler:  extractionHandler,
		AggregationHandler: aggregationHandler,
		SSEHandler:         sseHandler,
	})

	port := envutil.Str("PORT", "8080")
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
