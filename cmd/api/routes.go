package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/app"
	"voice-platform/internal/auth"
	"voice-platform/internal/httpapi"
	"voice-platform/internal/realtime"
	"voice-platform/internal/reporting"
	"voice-platform/internal/telephony"
	"voice-platform/internal/webhook"
	"voice-platform/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps *app.Deps, authManager *auth.Manager) {
	cfg := deps.Config

	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gauges := utils.PoolGauges("db.pool", deps.DB)
	gauges["realtime.published"] = deps.Broadcaster.Published
	gauges["realtime.outbox_dropped"] = deps.Broadcaster.Dropped
	gauges["realtime.observer_dropped"] = deps.Hub.Dropped
	r.GET("/metrics", deps.Metrics.Handler(gauges))

	// Provider webhooks are public; Twilio callbacks are checked against X-Twilio-Signature.
	{
		var verify gin.HandlerFunc
		if cfg.Twilio.ValidateSignature && cfg.Twilio.Enabled() {
			verify = telephony.NewSignatureVerifier(cfg.Twilio.AuthToken, cfg.App.PublicBaseURL).Middleware()
		} else {
			deps.Log.Warn("twilio signature validation disabled")
		}

		opts := webhook.Options{TranscriptionToken: cfg.Transcription.CallbackToken}
		if deps.Redis != nil {
			opts.Dedupe = webhook.NewRedisDeduper(deps.Redis, cfg.Webhooks.DedupeTTL)
		}
		h := webhook.NewHandlers(deps.Calls, deps.Broadcaster, deps.Metrics, opts, deps.Log)
		h.Register(r.Group("/webhooks"), verify)
	}

	// Dashboard observers authenticate with ?token= since browsers cannot set headers on upgrade.
	r.GET("/v1/ws", realtime.ServeWs(deps.Hub, authManager.ValidateAccess, realtime.WSConfig{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		ObserverBuffer: cfg.Realtime.ObserverBuffer,
		Owner: func(ctx context.Context, callID string) (string, error) {
			c, err := deps.Calls.Store().Get(ctx, callID)
			return c.UserID, err
		},
	}, deps.Log))

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authManager))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, role := auth.Identity(c)
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		h := httpapi.Handlers{
			Calls:   deps.Calls,
			Reports: reporting.NewService(deps.Calls.Store(), deps.Analytics),
		}
		h.Register(v1)
	}
}
