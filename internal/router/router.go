package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"fotopipe/internal/config"
	"fotopipe/internal/database"
	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/handlers"
	"fotopipe/internal/middleware"
	"fotopipe/internal/pipeline"
	"fotopipe/internal/taskrunner"
	"fotopipe/internal/upstream"
)

// Setup creates and configures the Gin router for spec.md §6.1's REST
// surface. The server process only enqueues tasks — it never runs a worker
// pool of its own, so its taskrunner.Runtime is built with zero local
// workers; the durable row it writes is picked up by cmd/worker's
// ResumePending/recovery sweep regardless of which process wrote it.
func Setup(db *database.DB, cfg config.Config, logger *slog.Logger) (*gin.Engine, *event.Dispatcher) {
	dispatcher := event.NewDispatcher(cfg.MercureHubURL, cfg.MercurePublisherKey, logger)
	upstreamClient := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAccessToken)
	runtime := taskrunner.New(db.DB, logger, 0)

	repo := entity.NewRepository(db.DB)
	selection := pipeline.NewSelectionService(db.DB, dispatcher)
	fetchService := pipeline.NewFetchService(db.DB, upstreamClient, dispatcher, runtime)
	generationService := pipeline.NewGenerationService(db.DB, selection, runtime)

	orderHandler := handlers.NewOrderHandler(db.DB, fetchService, runtime, dispatcher)
	imageHandler := handlers.NewImageHandler(repo, selection)
	generationHandler := handlers.NewGenerationHandler(generationService)
	webhookHandler := handlers.NewWebhookHandler(fetchService, cfg.UpstreamWebhookSecret)

	r := setupBaseRouter()

	r.GET("/health", healthCheck(db))

	r.GET("/orders", orderHandler.ListOrders)
	r.GET("/orders/:id", orderHandler.GetOrder)
	r.POST("/orders/:id/sync", orderHandler.SyncOrder)
	r.POST("/orders/fetch-from-shopify", orderHandler.FetchFromShopify)
	r.GET("/orders/:order_id/images/:image_id", imageHandler.GetImage)

	r.PUT("/images/:id/versions/:kind/:version_id/select", imageHandler.SelectVersion)
	r.POST("/orders/:id/generate-coloring", generationHandler.GenerateColoringForOrder)
	r.POST("/images/:id/generate-coloring", generationHandler.GenerateColoringForImage)
	r.POST("/coloring-versions/:id/retry", generationHandler.RetryColoringVersion)
	r.POST("/orders/:id/generate-svg", generationHandler.GenerateSvgForOrder)
	r.POST("/images/:id/generate-svg", generationHandler.GenerateSvgForImage)
	r.POST("/svg-versions/:id/retry", generationHandler.RetrySvgVersion)

	r.POST("/webhooks/shopify", webhookHandler.ShopifyWebhook)

	return r, dispatcher
}

func setupBaseRouter() *gin.Engine {
	router := gin.New()

	router.Use(otelgin.Middleware("fotopipe-api"))
	router.Use(middleware.Observability())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RateLimit())

	// Trusted proxies: nil means no proxy headers (X-Forwarded-For, etc.) are
	// trusted unless explicitly configured, preventing IP spoofing.
	router.SetTrustedProxies(nil)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.GetAllowedOrigins()
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Authorization",
		"Accept",
		"X-Shopify-Hmac-Sha256",
	}
	corsConfig.AllowMethods = []string{
		"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS",
	}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	return router
}

// healthCheck implements spec.md §6.1's GET /health.
func healthCheck(db *database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"error":     err.Error(),
				"timestamp": time.Now().Unix(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}
