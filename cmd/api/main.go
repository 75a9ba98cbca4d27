package main

// @title Dripline API
// @version 1.0
// @description Drip email sequences: enrollment, scheduled sends and engagement tracking.

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/dripline/config"
	"github.com/jordanlanch/dripline/pkg/api/handlers"
	"github.com/jordanlanch/dripline/pkg/cache"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/jobs"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/jordanlanch/dripline/pkg/metrics"
	custommiddleware "github.com/jordanlanch/dripline/pkg/middleware"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	appLog := logger.NewWithWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	ctx := context.Background()

	sslCfg := &database.SSLConfig{
		Mode:         cfg.DBSSLMode,
		CertPath:     cfg.DBSSLCertPath,
		KeyPath:      cfg.DBSSLKeyPath,
		RootCertPath: cfg.DBSSLRootCertPath,
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, sslCfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Printf("✅ Database ready (driver: %s)", db.Driver())

	replicas := database.OpenReplicas(ctx, db, sslCfg, database.ReplicaConfig{
		URLs:                cfg.DatabaseReplicaURLs,
		Strategy:            cfg.DBReplicaStrategy,
		HealthCheckInterval: cfg.DBReplicaHealthInterval,
	})
	defer replicas.Close()

	// Redis is optional: it backs the scheduler lock and the analytics cache
	var redisClient *cache.Client
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewClient(ctx, cfg.RedisURL, appLog)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, continuing without cache and scheduler lock: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	prometheusMetrics := metrics.New(prometheus.DefaultRegisterer)
	log.Printf("✅ Prometheus metrics initialized")

	sender := email.NewSender(email.Options{
		FromEmail:      cfg.EmailFrom,
		FromName:       cfg.EmailFromName,
		SendGridAPIKey: cfg.SendGridAPIKey,
		SMTPHost:       cfg.SMTPHost,
		SMTPPort:       cfg.SMTPPort,
		SMTPUser:       cfg.SMTPUser,
		SMTPPassword:   cfg.SMTPPassword,
	}, appLog)

	userStore := users.NewStore(db)

	opts := []emailsequence.Option{
		emailsequence.WithMetrics(prometheusMetrics),
		emailsequence.WithReadReplicas(replicas),
	}
	if redisClient != nil {
		opts = append(opts, emailsequence.WithCache(redisClient))
	}
	sequenceService := emailsequence.NewService(db, userStore, sender, emailsequence.Config{
		BaseURL:       cfg.AppBaseURL,
		BatchSize:     cfg.SchedulerBatchSize,
		Concurrency:   cfg.SchedulerConcurrency,
		Lease:         cfg.SchedulerLease,
		RatePerSecond: cfg.EmailRatePerSecond,
	}, appLog, opts...)

	cronManager := jobs.NewCronManager(sequenceService, redisClient, appLog, cfg.SchedulerSpec, cfg.SchedulerLease)
	if cfg.SchedulerEnabled {
		if err := cronManager.SetupJobs(); err != nil {
			log.Fatalf("❌ Failed to set up cron jobs: %v", err)
		}
		cronManager.Start()
	}

	webhookHandler, err := handlers.NewEmailWebhookHandler(sequenceService, cfg.WebhookPublicKey)
	if err != nil {
		log.Fatalf("❌ Failed to initialize email webhook: %v", err)
	}

	var cachePinger handlers.Pinger
	if redisClient != nil {
		cachePinger = redisClient
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	apiLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	defer apiLimiter.Close()
	webhookLimiter := custommiddleware.NewRateLimiter(cfg.WebhookRateLimitPerMinute, cfg.WebhookRateLimitPerMinute/10)
	defer webhookLimiter.Close()

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				appLog.Error("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			appLog.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	e.Use(prometheusMetrics.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(middleware.Gzip())
	e.Use(middleware.Secure())
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.DefaultSecurityHeadersConfig()))

	registerRoutes(e, cfg, routeHandlers{
		sequences: handlers.NewEmailSequenceHandler(sequenceService),
		users:     handlers.NewUserHandler(userStore, sequenceService),
		webhook:   webhookHandler,
		cron:      handlers.NewCronHandler(cronManager, cfg.SchedulerLease),
		health:    handlers.NewHealthHandler(db, cachePinger),
	}, routeLimiters{api: apiLimiter, webhook: webhookLimiter})

	address := cfg.Address()
	log.Printf("🚀 Dripline API starting on %s", address)
	log.Printf("📝 Log level: %s, Log format: %s", cfg.LogLevel, cfg.LogFormat)
	log.Printf("📧 Email provider: %s", sender.Name())
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d), webhook %d req/min", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst, cfg.WebhookRateLimitPerMinute)
	if cfg.SchedulerEnabled {
		log.Printf("⏰ Scheduler: %s (batch %d, concurrency %d)", cfg.SchedulerSpec, cfg.SchedulerBatchSize, cfg.SchedulerConcurrency)
	} else {
		log.Printf("⏰ Internal scheduler disabled, POST /api/v1/cron/sequences to process due steps")
	}

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cronManager.Stop(shutdownCtx)
	log.Println("✅ Cron jobs stopped")

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
		return
	}

	log.Println("✅ Server gracefully stopped")
}
