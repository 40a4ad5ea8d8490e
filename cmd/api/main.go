package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/covehealth/voicebook-platform/cmd/mainconfig"
	"github.com/covehealth/voicebook-platform/internal/api/router"
	"github.com/covehealth/voicebook-platform/internal/availability"
	"github.com/covehealth/voicebook-platform/internal/booking"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	appconfig "github.com/covehealth/voicebook-platform/internal/config"
	"github.com/covehealth/voicebook-platform/internal/http/handlers"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/internal/session"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// directory joins the two catalog surfaces (pgx repository plus the
// database/sql location repository) into the single lookup interface the
// handlers and the booking coordinator consume.
type directory struct {
	*catalog.Repository
	*catalog.BusinessRepository
}

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicebook API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		// The pool reconnects on demand; starting degraded beats crash-looping
		// while the database restarts.
		logger.Warn("database not reachable at startup", "error", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOptions)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable at startup", "error", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	dir := directory{
		Repository:         catalog.NewRepository(pool),
		BusinessRepository: catalog.NewBusinessRepository(sqlDB),
	}
	store := cache.NewStore(pool, logger, m)
	sessions := session.NewStore(redisClient, nil)

	pmsRegistry := pms.NewRegistry(pms.RegistryConfig{
		Host:           cfg.PMSHost,
		UserAgent:      cfg.PMSUserAgent,
		MaxConcurrent:  cfg.PMSMaxConcurrent,
		CallsPerMinute: cfg.PMSRequestsPerMinute,
		MaxRetries:     cfg.PMSMaxRetries,
		RequestTimeout: cfg.PMSRequestTimeout,
	}, logger)
	clientFor := func(clinic catalog.Clinic) *pms.Client {
		return pmsRegistry.ClientFor(clinic.ID.String(), pms.Credentials{
			APIKey: clinic.PMSAPIKey,
			Shard:  clinic.PMSShard,
		})
	}

	engine := availability.NewEngine(
		dir.Repository, store, sessions,
		func(c catalog.Clinic) availability.SlotSource { return clientFor(c) },
		logger, m,
		availability.WithScanTimeout(cfg.WebhookDeadline),
	)
	recorder := booking.NewRecorder(pool, dir.Repository, store, logger)
	coordinator := booking.NewCoordinator(
		dir, store, store, sessions, recorder,
		func(c catalog.Clinic) booking.PMS { return clientFor(c) },
		logger, m,
	)

	warmupLog := refresh.NewWarmupLog(pool)
	syncer := refresh.NewSyncer(
		dir.Repository, store, warmupLog,
		func(c catalog.Clinic) refresh.PMS { return clientFor(c) },
		logger, m,
	)

	var (
		publisher *refresh.Publisher
		worker    *refresh.Worker
	)
	if cfg.UseMemoryQueue {
		queue := refresh.NewMemoryQueue(128)
		publisher = refresh.NewPublisher(queue, logger)
		worker = refresh.NewWorker(syncer, store, queue, logger, m,
			refresh.WithWorkerCount(cfg.WorkerCount))
		worker.Start(ctx)
	} else {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		queue := refresh.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.RefreshQueueURL)
		publisher = refresh.NewPublisher(queue, logger)
		// Jobs are consumed by the refresh-worker binary.
	}

	scheduler := refresh.NewScheduler(dir.Repository, store, publisher, cfg.RefreshInterval, logger)
	go scheduler.Run(ctx)

	trigger := handlers.NewSyncTrigger(store, publisher, logger)

	routerCfg := &router.Config{
		Logger: logger,

		Location: handlers.NewLocationHandler(handlers.LocationHandlerConfig{
			Directory: dir,
			Memory:    store,
			Trigger:   trigger,
			Logger:    logger,
			Metrics:   m,
		}),
		Practitioner: handlers.NewPractitionerHandler(handlers.PractitionerHandlerConfig{
			Directory: dir,
			Trigger:   trigger,
			Logger:    logger,
			Metrics:   m,
		}),
		Availability: handlers.NewAvailabilityHandler(handlers.AvailabilityHandlerConfig{
			Directory: dir,
			Engine:    engine,
			Sessions:  sessions,
			Memory:    store,
			Trigger:   trigger,
			Logger:    logger,
			Metrics:   m,
		}),
		Appointment: handlers.NewAppointmentHandler(handlers.AppointmentHandlerConfig{
			Directory:   dir,
			Coordinator: coordinator,
			Sessions:    sessions,
			Memory:      store,
			Trigger:     trigger,
			Logger:      logger,
			Metrics:     m,
		}),
		Sync: handlers.NewSyncHandler(handlers.SyncHandlerConfig{
			Directory: dir.Repository,
			Syncer:    syncer,
			Runs:      warmupLog,
			Logger:    logger,
			Metrics:   m,
		}),
		Admin: handlers.NewAdminHandler(handlers.AdminHandlerConfig{
			Cache:   store,
			Runs:    warmupLog,
			Syncer:  syncer,
			Aliases: dir.BusinessRepository,
			Logger:  logger,
		}),
		Health: handlers.NewHealthHandler(handlers.HealthHandlerConfig{
			DB:     pool,
			Env:    cfg.Env,
			Logger: logger,
		}),

		MetricsHandler: metricsHandler,

		APIKey:         cfg.WebhookAPIKey,
		APIKeyHeader:   cfg.WebhookAPIKeyHeader,
		AdminJWTSecret: cfg.AdminJWTSecret,

		WebhookDeadline:    cfg.WebhookDeadline,
		CORSAllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
		RateLimitPerSec:    float64(cfg.RateLimitRPS),
		RateLimitBurst:     cfg.RateLimitBurst,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Availability fan-out can legitimately run up to the webhook
		// deadline, so the write timeout sits above it.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WebhookDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if worker != nil {
		worker.Wait()
	}

	logger.Info("server stopped")
}

// splitOrigins turns the comma-separated CORS allowlist into a slice,
// dropping empty entries.
func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
