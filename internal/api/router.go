package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/auth"
	"irrigation-registry-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, d Deps, verifier auth.Verifier, metrics http.Handler) *gin.Engine {
	handler := NewHandler(d)

	r := gin.New()
	r.Use(mw.Recovery(handler.log), mw.Logger(handler.log.Named("http")), mw.CORS(cfg.AllowedOrigins))

	r.GET("/healthz", handler.Healthz)
	r.GET("/readyz", handler.Readyz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	// Device ingest authenticates with the serial key, not a user.
	ingest := r.Group("/api/ingest/devices/:id")
	ingest.Use(rateLimiter)
	{
		ingest.POST("/heartbeat", handler.IngestHeartbeat)
		ingest.POST("/readings", handler.IngestReading)
	}

	admin := r.Group("/api/admin")
	admin.Use(mw.RequireAdminToken(cfg.AdminToken))
	{
		admin.POST("/devices", handler.ProvisionDevice)
		admin.POST("/reconcile", handler.ReconcileMirrors)
	}

	api := r.Group("/api")
	api.Use(rateLimiter, mw.RequireUser(verifier, handler.log))
	{
		api.GET("/devices", handler.ListDevices)
		api.POST("/devices/register", handler.RegisterDevice)
		api.DELETE("/devices/:id", handler.ReleaseDevice)
		api.GET("/devices/:id/status", handler.GetDeviceStatus)
		api.GET("/devices/:id/readings/latest", handler.GetLatestReading)
		api.GET("/devices/:id/stream", handler.StreamDevice)

		api.GET("/devices/:id/controls", handler.GetControls)
		api.POST("/devices/:id/mode/advance", handler.AdvanceMode)
		api.PUT("/devices/:id/mode", handler.SetMode)
		api.PUT("/devices/:id/pump", handler.SetPumpStatus)
		api.POST("/devices/:id/schedules", handler.AddScheduleEntry)
		api.DELETE("/devices/:id/schedules/:key", handler.RemoveScheduleEntry)

		api.GET("/devices/:id/reports/summary", handler.RequireOwner, caching, handler.GetSummary)
		api.GET("/devices/:id/reports/average", handler.RequireOwner, caching, handler.GetAverage)
		api.GET("/devices/:id/reports/history", handler.RequireOwner, caching, handler.GetHistory)
		api.GET("/devices/:id/reports/events", handler.GetEvents)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
