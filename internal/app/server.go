// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"duka-service/internal/config"
	adminHandler "duka-service/internal/handlers/admin"
	entitlementHandler "duka-service/internal/handlers/entitlement"
	healthHandler "duka-service/internal/handlers/health"
	webhookHandler "duka-service/internal/handlers/webhook"
	wsHandler "duka-service/internal/handlers/websocket"
	"duka-service/internal/middleware"
	"duka-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const version = "1.0.0"

type Server struct {
	cfg       config.AppConfig
	engine    *gin.Engine
	http      *http.Server
	logger    *zap.Logger
	container *Container
	cancel    context.CancelFunc
}

func NewServer() *Server {
	cfg := config.Load()
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New(), logger: NewLogger(cfg)}
}

// Start wires everything, starts the background workers and serves HTTP until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	c, err := NewContainer(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	s.container = c

	// ----- Background workers -----
	go c.Hub.Run(ctx)
	c.Dispatcher.Start(ctx)
	c.Sweeper.Start(ctx)

	// ----- Handlers -----
	var generator *jwt.Generator
	var verifier *jwt.Verifier
	if c.JWT != nil {
		generator = c.JWT.Generator
		verifier = c.JWT.Verifier
	}

	handlers := &Handlers{
		AdminHandler: adminHandler.NewAdminHandler(
			c.Entitlements, c.AdminGrants, c.Ingest, c.Unmatched, c.Sweeper, generator, s.logger,
		),
		EntitlementHandler: entitlementHandler.NewEntitlementHandler(c.Entitlements, c.Catalog),
		HealthHandler:      healthHandler.NewHealthHandler(c.Store, version),
		WebhookHandler:     webhookHandler.NewWebhookHandler(c.Adapters, c.Ingest, s.cfg.WebhookTimeout, s.logger),
		WSHandler:          wsHandler.NewWebSocketHandler(c.Hub, nil, s.logger),
		AuthMiddleware:     middleware.NewAuthMiddleware(verifier),
		RateLimiter:        c.RateLimiter,
		WebhookRateLimit:   s.cfg.WebhookRateLimit,
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.LoggingMiddleware(s.logger),
		middleware.CORSMiddleware(),
	)

	SetupRouter(s.engine, s.logger, handlers)

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("🚀 Server running on %s", s.cfg.HTTPAddr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests, drains the workers and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.container != nil {
		s.container.Dispatcher.Stop()
		s.container.Sweeper.Stop()
		s.container.Close()
	}
	if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
		return httpErr
	}
	return nil
}
