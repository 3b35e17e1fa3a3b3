package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	config "github.com/ruby14-bit/LIZ-EVENTS/configs"
	"github.com/ruby14-bit/LIZ-EVENTS/database"
	"github.com/ruby14-bit/LIZ-EVENTS/handlers"
	"github.com/ruby14-bit/LIZ-EVENTS/jobs"
	"github.com/ruby14-bit/LIZ-EVENTS/mq"
	"github.com/ruby14-bit/LIZ-EVENTS/notifications"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/routes"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"github.com/ruby14-bit/LIZ-EVENTS/utils"
	"github.com/ruby14-bit/LIZ-EVENTS/websocket"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🔥 Invalid configuration: %v", err)
	}

	zlog, err := utils.NewLogger(cfg.IsProduction())
	if err != nil {
		log.Fatalf("🔥 Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to open event store", zap.String("event_store", cfg.EventStore), zap.Error(err))
	}
	defer closeStore()
	zlog.Info("event store ready", zap.String("event_store", cfg.EventStore))

	tokenCache, closeCache := tokenCache(ctx, cfg, zlog)
	defer closeCache()

	tokens := payments.NewTokenSource(cfg.Mpesa.BaseURL, cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret, nil, tokenCache, zlog)
	gateway := payments.NewClient(payments.ClientConfig{
		BaseURL:         cfg.Mpesa.BaseURL,
		ShortCode:       cfg.Mpesa.ShortCode,
		Passkey:         cfg.Mpesa.Passkey,
		CallbackURL:     cfg.Mpesa.CallbackURL,
		TransactionType: cfg.Mpesa.TransactionType,
		TransactionDesc: cfg.Mpesa.TransactionDesc,
		CountryCode:     cfg.Mpesa.CountryCode,
		HTTPTimeout:     cfg.Mpesa.HTTPTimeout,
	}, tokens, zlog)

	hub := websocket.NewHub(zlog)
	go hub.Run(ctx)

	listeners := services.Listeners{hub}
	if cfg.AMQPURL != "" {
		pub, err := mq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, zlog)
		if err != nil {
			zlog.Warn("payment events will not be published", zap.Error(err))
		} else {
			defer pub.Close()
			listeners = append(listeners, pub)
		}
	}
	if mailer := notifications.NewBrevoService(notifications.BrevoConfig{
		APIKey:      cfg.BrevoAPIKey,
		SenderEmail: cfg.EmailSender,
		SenderName:  cfg.EmailSenderName,
		OwnerEmail:  cfg.OwnerEmail,
	}, zlog); mailer != nil {
		defer mailer.Wait()
		listeners = append(listeners, mailer)
	}

	retry := utils.BackoffConfig{
		MaxAttempts: cfg.PersistMaxAttempts,
		BaseDelay:   cfg.PersistBaseDelay,
		MaxDelay:    cfg.PersistMaxDelay,
	}
	paymentService := services.NewPaymentService(store, gateway, listeners, services.PaymentServiceConfig{
		InitiateTimeout: cfg.InitiateTimeout,
		Retry:           retry,
		CountryCode:     gateway.CountryCode(),
	}, zlog)
	reconciler := services.NewReconciler(store, listeners, retry, zlog)
	statusService := services.NewStatusService(store)
	eventService := services.NewEventService(store, zlog)

	sweeper := jobs.NewPaymentSweeper(store, gateway, reconciler, jobs.SweepConfig{
		MinAge:         cfg.SweepMinAge,
		UnconfirmedTTL: cfg.UnconfirmedTTL,
		BatchSize:      cfg.SweepBatchSize,
		QueryTimeout:   cfg.Mpesa.HTTPTimeout,
	}, zlog)
	c := cron.New()
	if _, err := sweeper.Schedule(c, cfg.SweepSchedule); err != nil {
		zlog.Fatal("failed to schedule payment sweep", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()
	zlog.Info("payment sweep scheduled", zap.String("schedule", cfg.SweepSchedule))

	app := fiber.New(fiber.Config{
		AppName:       "LIZ Events",
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			zlog.Error("unhandled request error",
				zap.Error(err), zap.String("path", c.Path()), zap.String("method", c.Method()))
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PATCH, OPTIONS",
		ExposeHeaders: "Content-Length",
		MaxAge:        86400,
	}))
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Africa/Nairobi",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	routes.EventRoutes(app, handlers.NewEventHandler(eventService, zlog), cfg.JWTSecret)
	routes.PaymentRoutes(app, handlers.NewPaymentHandler(paymentService, reconciler, statusService, hub, cfg.JWTSecret, zlog), cfg.JWTSecret)
	routes.AdminRoutes(app, handlers.NewAdminHandler(statusService, sweeper, zlog), cfg.JWTSecret)

	go func() {
		<-ctx.Done()
		zlog.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Warn("server shutdown", zap.Error(err))
		}
	}()

	zlog.Info("server listening", zap.String("port", cfg.Port))
	if err := app.Listen(":" + cfg.Port); err != nil {
		zlog.Error("server failed", zap.Error(err))
	}
}

// openStore picks the Event Store backend named by EVENT_STORE.
func openStore(ctx context.Context, cfg *config.AppConfig, zlog *zap.Logger) (services.EventStore, func(), error) {
	switch cfg.EventStore {
	case "postgres", "sqlite":
		connect := database.ConnectDB
		if cfg.EventStore == "sqlite" {
			connect = database.ConnectSQLite
		}
		db, err := connect(cfg.DatabaseURL, zlog)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(db); err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return database.NewEventStore(db), closeFn, nil

	case "mongo":
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := database.NewMongoEventStore(client.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		return store, closeFn, nil
	}
	return nil, nil, fmt.Errorf("unknown EVENT_STORE %q", cfg.EventStore)
}

// tokenCache shares the Daraja token across replicas through Redis when it is
// configured, and falls back to process memory otherwise.
func tokenCache(ctx context.Context, cfg *config.AppConfig, zlog *zap.Logger) (payments.TokenCache, func()) {
	if cfg.RedisAddr == "" {
		return payments.NewMemoryTokenCache(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		zlog.Warn("redis unavailable, caching the M-Pesa token in memory", zap.Error(err))
		_ = rdb.Close()
		return payments.NewMemoryTokenCache(), func() {}
	}
	return payments.NewRedisTokenCache(rdb, zlog), func() { _ = rdb.Close() }
}
