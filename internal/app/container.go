// internal/app/container.go
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"duka-service/internal/config"
	"duka-service/internal/db"
	"duka-service/internal/pkg/httpclient"
	"duka-service/internal/pkg/jwt"
	"duka-service/internal/pkg/lock"
	"duka-service/internal/pkg/ratelimit"
	"duka-service/internal/repository"
	"duka-service/internal/repository/postgres"
	"duka-service/internal/repository/sqlite"
	"duka-service/internal/service/channel"
	"duka-service/internal/service/confirm"
	"duka-service/internal/service/email"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/ingest"
	"duka-service/internal/service/notification"
	"duka-service/internal/service/plans"
	"duka-service/internal/service/reconcile"
	"duka-service/internal/service/reminder"
	"duka-service/internal/service/unmatched"
	"duka-service/internal/websocket"
	wsHandlers "duka-service/internal/websocket/handler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Container holds every long-lived dependency. The API server and the ops CLI
// build it the same way.
type Container struct {
	Cfg    config.AppConfig
	Logger *zap.Logger

	Store repository.Store
	Redis redis.UniversalClient
	JWT   *jwt.Manager

	Catalog      *plans.Catalog
	Hub          *websocket.Hub
	Adapters     *channel.Registry
	AdminGrants  *channel.AdminGrantAdapter
	Confirmer    *confirm.Confirmer
	Reconciler   *reconcile.Reconciler
	Dispatcher   *ingest.Dispatcher
	Ingest       *ingest.Service
	Entitlements *entsvc.Service
	Unmatched    *unmatched.Service
	Notifier     *notification.Service
	Sweeper      *reminder.Sweeper
	RateLimiter  *ratelimit.RateLimiter
}

func NewLogger(cfg config.AppConfig) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	return logger
}

// NewContainer opens storage and wires the services. Redis and JWT keys are
// optional: without Redis, locks are in-process and rate limiting is off;
// without keys, authenticated routes answer 401.
func NewContainer(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Store = store

	if cfg.RedisAddr != "" {
		client, err := db.NewRedis(ctx, db.RedisConfig{
			Addresses: db.ParseRedisAddrs(cfg.RedisAddr),
			Password:  cfg.RedisPass,
			PoolSize:  10,
		})
		if err != nil {
			logger.Warn("redis unavailable, using in-process locks", zap.Error(err))
		} else {
			c.Redis = client
			c.RateLimiter = ratelimit.NewRateLimiter(client)
		}
	}

	if m, err := jwt.LoadAndBuild(cfg.JWT); err != nil {
		logger.Warn("jwt keys not loaded, authenticated routes will reject", zap.Error(err))
	} else {
		c.JWT = m
	}

	var verifier *jwt.Verifier
	if c.JWT != nil {
		verifier = c.JWT.Verifier
	}

	c.Catalog = plans.NewCatalog(store, cfg.PlanCacheTTL, logger)
	c.Hub = websocket.NewHub(verifier, logger)

	outbound := httpclient.New(logger, 4, 10*time.Second)
	c.Confirmer = confirm.NewConfirmer(cfg.CheckoutStatusURL, cfg.CheckoutWebhookSecret, outbound, store, logger)

	c.Reconciler = reconcile.NewReconciler(store, c.Catalog, c.Hub, c.Confirmer,
		reconcile.Config{MaxRetries: cfg.ApplyMaxRetries}, logger)

	c.Dispatcher = ingest.NewDispatcher(c.Reconciler, store, ingest.DispatcherConfig{
		Workers:        cfg.DispatchWorkers,
		QueueSize:      cfg.DispatchQueue,
		ReplayInterval: cfg.ReplayInterval,
		ReplayAfter:    cfg.ReplayAfter,
	}, logger).WithConfirmer(c.Confirmer)
	c.Ingest = ingest.NewService(store, c.Dispatcher, logger)

	c.Entitlements = entsvc.NewService(store, c.Catalog, c.Hub, entsvc.Config{
		AccessCodePrefix: cfg.AccessCodePrefix,
		TrialLength:      cfg.TrialLength,
	}, logger)
	c.Hub.RegisterHandler(wsHandlers.NewEntitlementHandler(c.Entitlements))

	c.Unmatched = unmatched.NewService(store, c.Catalog, c.Reconciler, logger)

	c.AdminGrants = channel.NewAdminGrantAdapter(cfg.Currency, c.Catalog)
	c.Adapters = channel.NewRegistry(
		channel.NewPushPaymentAdapter(cfg.PushWebhookToken, cfg.Currency, store, c.Catalog),
		channel.NewCustomerPaymentAdapter(cfg.CustomerWebhookToken, cfg.CustomerShortCode, cfg.AccessCodePrefix, cfg.Currency),
		channel.NewCheckoutAdapter(cfg.CheckoutWebhookSecret, cfg.Currency, store, c.Catalog),
		c.AdminGrants,
	)

	mailer := email.NewMailer(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Pass:     cfg.SMTPPass,
		FromName: cfg.SMTPFromName,
		Secure:   cfg.SMTPSecure,
	})
	c.Notifier = notification.NewService(c.Hub, mailer, outbound, cfg.NotifyGatewayURL, logger)

	var locker lock.Locker = lock.NewLocalLocker()
	if c.Redis != nil {
		locker = lock.NewRedisLocker(c.Redis, "duka:lock:")
	}
	c.Sweeper = reminder.NewSweeper(store, locker, c.Notifier, c.Hub, reminder.Config{
		Interval: cfg.ReminderInterval,
		LockTTL:  cfg.ReminderLockTTL,
	}, logger)

	return c, nil
}

func openStore(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (repository.Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info("storage ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
		return store, nil

	case "postgres", "":
		pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := db.Migrate(pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		logger.Info("storage ready", zap.String("driver", "postgres"))
		return postgres.NewStore(pool), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

// Close releases storage and Redis. Background workers must be stopped first.
func (c *Container) Close() {
	c.Confirmer.Wait()
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	c.Store.Close()
	_ = c.Logger.Sync()
}
