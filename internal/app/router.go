// internal/app/router.go
package app

import (
	"time"

	adminHandler "duka-service/internal/handlers/admin"
	entitlementHandler "duka-service/internal/handlers/entitlement"
	healthHandler "duka-service/internal/handlers/health"
	webhookHandler "duka-service/internal/handlers/webhook"
	wsHandler "duka-service/internal/handlers/websocket"
	"duka-service/internal/middleware"
	"duka-service/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	AdminHandler       *adminHandler.AdminHandler
	EntitlementHandler *entitlementHandler.EntitlementHandler
	HealthHandler      *healthHandler.HealthHandler
	WebhookHandler     *webhookHandler.WebhookHandler
	WSHandler          *wsHandler.WebSocketHandler
	AuthMiddleware     *middleware.AuthMiddleware
	RateLimiter        *ratelimit.RateLimiter
	WebhookRateLimit   int
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	// ==================== Health & Metrics ====================
	r.GET("/health", h.HealthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Provider Webhooks ====================
	webhooks := r.Group("/webhooks")
	webhooks.Use(middleware.RateLimit(h.RateLimiter, "webhook", h.WebhookRateLimit, time.Minute, logger))
	{
		webhooks.POST("/push-payment", h.WebhookHandler.PushPayment)
		webhooks.POST("/customer-payment/validate", h.WebhookHandler.CustomerValidate)
		webhooks.POST("/customer-payment/confirm", h.WebhookHandler.CustomerConfirm)
		webhooks.POST("/checkout-provider", h.WebhookHandler.Checkout)
	}

	// ==================== Store Routes ====================
	r.GET("/plans", h.EntitlementHandler.ListPlans)
	r.GET("/entitlement/:store_id", append(h.AuthMiddleware.StoreScoped("store_id"), h.EntitlementHandler.GetEntitlement)...)

	stores := r.Group("/stores/:store_id")
	stores.Use(h.AuthMiddleware.StoreScoped("store_id")...)
	{
		stores.POST("/payment-intents", h.EntitlementHandler.CreatePaymentIntent)
	}

	// ==================== Admin Routes ====================
	admin := r.Group("/admin")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.POST("/grant", h.AdminHandler.Grant)

		admin.POST("/stores", h.AdminHandler.ProvisionStore)
		admin.GET("/stores/:store_id", h.AdminHandler.GetStore)
		admin.POST("/stores/:store_id/token", h.AdminHandler.IssueStoreToken)

		admin.POST("/subscriptions/:store_id/cancel", h.AdminHandler.Cancel)
		admin.POST("/subscriptions/:store_id/suspend", h.AdminHandler.Suspend)
		admin.POST("/subscriptions/:store_id/reactivate", h.AdminHandler.Reactivate)
		admin.GET("/subscriptions/:store_id/reminders", h.AdminHandler.ReminderHistory)

		admin.GET("/payments/:external_id", h.AdminHandler.GetPayment)
		admin.GET("/unmatched", h.AdminHandler.ListUnmatched)
		admin.POST("/unmatched/:external_id/link", h.AdminHandler.LinkUnmatched)

		admin.POST("/reminders/sweep", h.AdminHandler.SweepReminders)
		admin.GET("/ws/stats", h.WSHandler.GetStats)
	}
}
