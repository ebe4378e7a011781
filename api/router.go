package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/api/handler"
	"github.com/use-agent/selfheal/api/middleware"
	"github.com/use-agent/selfheal/config"
	"github.com/use-agent/selfheal/heal"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/pipeline"
)

// Deps are the components the API exposes.
type Deps struct {
	Memory   *memory.Memory
	Engine   *adapt.Engine
	Healer   *heal.Healer
	Pipeline *pipeline.Pipeline
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery, Logger, body limit
//	API:     Auth (if enabled), RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes always work.
// ctx bounds the rate limiter's background sweep.
func NewRouter(ctx context.Context, d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	if cfg.Server.MaxBodyBytes > 0 {
		r.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))
	}

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(d.Memory, d.Engine, startTime, 10*cfg.Memory.FlushInterval))

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	// Extraction
	protected.POST("/extract", handler.Extract(d.Pipeline))
	protected.POST("/extract/batch", handler.ExtractBatch(d.Pipeline))

	// Pattern memory
	protected.GET("/patterns", handler.ListPatterns(d.Memory))
	protected.GET("/patterns/:dataType", handler.PatternsByConfidence(d.Memory))
	protected.GET("/patterns/:dataType/suggest", handler.Suggest(d.Memory))
	protected.POST("/patterns/adapt", handler.AdaptToFailures(d.Memory))
	protected.POST("/patterns/cleanup", handler.CleanupPatterns(d.Memory))

	// Adaptation engine
	protected.GET("/strategies", handler.Strategies(d.Engine))
	protected.POST("/strategies/optimize", handler.OptimizeStrategies(d.Engine))

	// Auto-healer
	protected.POST("/predict", handler.Predict(d.Healer, d.Pipeline))
	protected.GET("/healing/export", handler.ExportHealing(d.Healer))
	protected.GET("/healing/history", handler.HealingHistory(d.Healer))
	protected.POST("/healing/recalibrate", handler.Recalibrate(d.Healer))

	return r
}
