package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/covehealth/voicebook-platform/cmd/mainconfig"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	appconfig "github.com/covehealth/voicebook-platform/internal/config"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// The refresh worker drains the shared SQS queue when the API runs with
// USE_MEMORY_QUEUE=false. With the in-process queue the API consumes its own
// jobs and this binary is not deployed.
func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting refresh worker", "env", cfg.Env, "workers", cfg.WorkerCount)

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

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := refresh.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.RefreshQueueURL)

	m := metrics.New(nil)
	repo := catalog.NewRepository(pool)
	store := cache.NewStore(pool, logger, m)
	warmupLog := refresh.NewWarmupLog(pool)

	pmsRegistry := pms.NewRegistry(pms.RegistryConfig{
		Host:           cfg.PMSHost,
		UserAgent:      cfg.PMSUserAgent,
		MaxConcurrent:  cfg.PMSMaxConcurrent,
		CallsPerMinute: cfg.PMSRequestsPerMinute,
		MaxRetries:     cfg.PMSMaxRetries,
		RequestTimeout: cfg.PMSRequestTimeout,
	}, logger)

	syncer := refresh.NewSyncer(
		repo, store, warmupLog,
		func(c catalog.Clinic) refresh.PMS {
			return pmsRegistry.ClientFor(c.ID.String(), pms.Credentials{
				APIKey: c.PMSAPIKey,
				Shard:  c.PMSShard,
			})
		},
		logger, m,
	)

	worker := refresh.NewWorker(syncer, store, queue, logger, m,
		refresh.WithWorkerCount(cfg.WorkerCount))
	worker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down refresh worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("refresh worker stopped")
	case <-doneCtx.Done():
		logger.Error("refresh worker shutdown timed out", "error", doneCtx.Err())
	}
}
