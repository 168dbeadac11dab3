package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/redis/go-redis/v9"

	"chat-engine/config"
	"chat-engine/internal/handlers"
	"chat-engine/internal/notify"
	"chat-engine/internal/services"
	"chat-engine/internal/store"
	_ "chat-engine/migrations"
	"chat-engine/monitoring"
	"chat-engine/security"
	"chat-engine/utils"
)

func Start() error {
	cfg := config.LoadConfig()
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	owner := cfg.InstanceID
	if owner == "" {
		owner = utils.InstanceID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := connectRedis(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	} else if cfg.IsProduction() {
		return fmt.Errorf("redis is required in production")
	}

	publisher := newPublisher(cfg)

	app := pocketbase.New()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: false,
	})

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		st := store.NewFromApp(se.App, cfg.StoreRetries)
		monitor := monitoring.NewMonitor()

		queueService := services.NewQueueService(st, publisher, cfg, monitor)
		matcher := services.NewMatcher(st, cfg, monitor)
		sessionService := services.NewSessionService(st, matcher, publisher, cfg, monitor)
		billingService := services.NewBillingService(st, sessionService, monitor)
		watchdog := services.NewWatchdog(st, sessionService, redisClient, cfg, owner)
		dispatcher := services.NewDispatcher(st, sessionService, publisher, redisClient, cfg, monitor, owner)

		chatHandler := handlers.NewChatHandler(queueService, matcher, sessionService, billingService)
		adminHandler := handlers.NewAdminHandler(st, watchdog, dispatcher, cfg)
		healthHandler := handlers.NewHealthHandler(st, redisClient)
		limiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)

		// Chat endpoint
		se.Router.POST("/api/v1/chat", chatHandler.Handle).BindFunc(limiter.Middleware())

		// Admin endpoints
		admin := se.Router.Group("/api/v1/admin")
		admin.BindFunc(security.RequireAdmin(cfg.AdminTokenHash))
		admin.POST("/providers/availability", adminHandler.SetAvailability)
		admin.GET("/providers", adminHandler.ListProviders)
		admin.POST("/wallets/credit", adminHandler.CreditWallet)
		admin.POST("/pricing", adminHandler.SetRate)
		admin.POST("/language-groups", adminHandler.SaveLanguageGroup)
		admin.POST("/shifts", adminHandler.AssignShift)
		admin.POST("/profiles", adminHandler.SaveProfile)
		admin.GET("/queue-dashboard", adminHandler.QueueDashboard)
		admin.POST("/force-process-queue", adminHandler.ProcessQueue)
		admin.POST("/watchdog/sweep", adminHandler.SweepWatchdog)

		// Health check
		se.Router.GET("/health", healthHandler.Check)

		// Background workers
		go watchdog.Run(ctx)
		go dispatcher.Run(ctx)
		if cfg.EnableMetrics {
			go monitor.Collect(ctx, 15*time.Second, func(ctx context.Context) (store.Snapshot, error) {
				return st.Snapshot(ctx, cfg.ProviderCapacity, time.Now().UTC())
			})
			go func() {
				if err := monitoring.Serve(ctx, ":"+cfg.MetricsPort); err != nil {
					slog.Error("Metrics server stopped", "error", err)
				}
			}()
		}

		slog.Info("Server routes registered", "instance", owner)
		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("Shutdown signal received, stopping workers")
		cancel()
		if c, ok := publisher.(io.Closer); ok {
			_ = c.Close()
		}
		return e.Next()
	})

	// Running the binary without a command serves on PORT.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve", "--http=0.0.0.0:"+cfg.Port)
	}
	return app.Start()
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler).With("service", "chat-engine"))
}

// connectRedis returns nil when Redis is unreachable. Rate limiting and
// worker leases are then disabled.
func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := utils.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("Redis unavailable, running without it", "error", err)
		return nil
	}
	return client
}

func newPublisher(cfg *config.Config) notify.Publisher {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		slog.Info("PubNub keys not set, change events are not published")
		return notify.Nop{}
	}
	return notify.NewPubNub(notify.PubNubConfig{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		SecretKey:    cfg.PubNubSecretKey,
		UserID:       cfg.PubNubUserID,
	})
}
