// Package admin serves the operational HTTP surface of a river process:
// health, metrics, status and a stop endpoint.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/river"
	"river/pkg/errors"
	"river/pkg/health"
	"river/pkg/middleware"
	"river/pkg/ratelimit"
	"river/pkg/tracing"
)

type Handler struct {
	river  *river.River
	health *health.CheckerRegistry
	logger logger.Logger
}

func NewHandler(r *river.River, registry *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{river: r, health: registry, logger: log}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/river", h.GetRiver)
		v1.POST("/river/stop", h.StopRiver)
	}
}

func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, result)
}

func (h *Handler) GetRiver(c *gin.Context) {
	c.JSON(http.StatusOK, h.river.Status())
}

// StopRiver stops the river and waits for its in-flight batch, bounded by
// the shutdown timeout. The process keeps serving afterwards.
func (h *Handler) StopRiver(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.ShutdownTimeout)
	defer cancel()

	if err := h.river.Stop(ctx); err != nil {
		h.HandleError(c, err)
		return
	}
	h.logger.InfowCtx(ctx, "River stopped through admin API", "river", h.river.Name())
	c.JSON(http.StatusOK, h.river.Status())
}

// NewRouter builds the admin engine with the standard middleware chain.
// ctx bounds background work such as rate limiter cleanup.
func NewRouter(ctx context.Context, cfg *config.Config, h *Handler, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(cfg.Tracing.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(log))

	if cfg.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromSettings(cfg.Management.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		log.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	h.RegisterRoutes(router)
	return router
}
