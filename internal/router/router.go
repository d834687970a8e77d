package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/handler"
	"github.com/stemsi/testsync/internal/logger"
	"github.com/stemsi/testsync/internal/metrics"
	"github.com/stemsi/testsync/internal/middleware"
	"github.com/stemsi/testsync/internal/response"
	"github.com/stemsi/testsync/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Session *handler.SessionHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), logger.RequestLogger(log))

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Compress REST responses. SSE streams are excluded because buffering breaks them.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality: 5,
		Skipper: middleware.SkipPaths("/api/v1/system/stats", "/api/v1/sessions/completions", "/ws"),
	}))

	metrics.Init()
	router.Use(metrics.MetricsMiddleware())

	// Health check and scrape endpoint.
	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", metrics.PrometheusHandler())

	// ─── 1. WebSocket (token in query) ─────────────────────────────────
	router.GET("/ws", middleware.RequireWSAuth(authService), handlers.WS.Serve)

	// ─── 2. Session API (JWT, Rate Limited) ────────────────────────────
	apiLimiter := middleware.NewRateLimiter(cfg.APIRatePerMin, time.Minute)

	api := router.Group("/api/v1")
	api.Use(apiLimiter.Middleware(), middleware.NoStore(), middleware.RequireJWT(authService))
	{
		api.GET("/sessions/active", handlers.Session.Active)
		api.GET("/sessions/completions", handlers.Monitor.CompletionsSSE)
		api.GET("/sessions/:id/state", handlers.Session.State)
		api.GET("/system/stats", handlers.System.SystemStatsSSE)
	}

	return router
}
