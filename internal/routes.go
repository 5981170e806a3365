package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	"mediasync/internal/config"
	"mediasync/internal/http"
	"mediasync/internal/metrics"
	msync "mediasync/internal/sync"
)

// MountAppRoutes mounts all application routes using cartridge's route API
func MountAppRoutes(srv *cartridge.Server, runner *msync.Runner) {
	cfg := config.GetConfig()

	// Helper to conditionally apply rate limiting (only in production)
	// In development/test, rate limiting would interfere with testing
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// Read API rate limiter (120 requests per minute per IP)
	readRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(120),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// Stricter limiter for the manual sync trigger. A sync run holds
	// provider quota, so hammering this endpoint is never legitimate.
	syncRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(5),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	readAPIConfig := &cartridge.RouteConfig{
		CustomMiddleware: []fiber.Handler{readRateLimiter},
	}
	syncAPIConfig := &cartridge.RouteConfig{
		WriteConcurrency: false,
		CustomMiddleware: []fiber.Handler{syncRateLimiter},
	}

	// === ROOT ROUTES ===

	// Health check endpoint
	srv.Get("/_health", http.HealthIndexAction)
	srv.Head("/_health", http.HealthIndexAction)

	// Prometheus metrics
	metricsHandler := adaptor.HTTPHandler(metrics.Handler())
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	})

	// === READ API ROUTES ===
	srv.Get("/api/v1/summaries", http.SummariesIndexAction, readAPIConfig)
	srv.Get("/api/v1/spend/series", http.SpendSeriesAction, readAPIConfig)
	srv.Get("/api/v1/campaigns/totals", http.CampaignTotalsAction, readAPIConfig)
	srv.Get("/api/v1/accounts", http.AccountsIndexAction, readAPIConfig)
	srv.Get("/api/v1/sessions", http.SessionsIndexAction, readAPIConfig)

	// === SYNC TRIGGER ===
	srv.Post("/api/v1/sync", http.SyncTriggerAction(runner, cfg.SyncLookbackDays), syncAPIConfig)
}
