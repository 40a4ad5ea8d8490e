package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// SyncRunner reconciles one clinic's cache with the PMS. *Syncer satisfies
// it.
type SyncRunner interface {
	Sync(ctx context.Context, clinicID uuid.UUID, force bool) (*Result, error)
}

// Maintainer sweeps expired cache entries. *cache.Store satisfies it.
type Maintainer interface {
	Cleanup(ctx context.Context) (cache.CleanupReport, error)
}

// Worker consumes refresh jobs from the queue.
type Worker struct {
	syncer  SyncRunner
	store   Maintainer
	queue   queueClient
	logger  *logging.Logger
	metrics *metrics.Metrics

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// NewWorker constructs a queue consumer around the syncer and the cache
// store.
func NewWorker(syncer SyncRunner, store Maintainer, queue queueClient, logger *logging.Logger, m *metrics.Metrics, opts ...WorkerOption) *Worker {
	if syncer == nil {
		panic("refresh: syncer cannot be nil")
	}
	if store == nil {
		panic("refresh: cache store cannot be nil")
	}
	if queue == nil {
		panic("refresh: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		syncer:  syncer,
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("refresh worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("refresh worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive refresh jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one job. Jobs are not retried: a failed sync is
// superseded by the next call's sync and cleanup reruns on the next tick, so
// the message is deleted regardless of outcome.
func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode refresh job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	var err error
	switch payload.Kind {
	case jobTypeSync:
		err = w.handleSync(ctx, payload)
	case jobTypeCleanup:
		err = w.handleCleanup(ctx)
	default:
		err = fmt.Errorf("refresh: unknown job type %q", payload.Kind)
	}

	if err != nil {
		w.logger.Error("refresh job failed", "error", err, "job_id", payload.ID, "kind", payload.Kind)
	} else {
		w.logger.Debug("refresh job processed", "job_id", payload.ID, "kind", payload.Kind)
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) handleSync(ctx context.Context, payload queuePayload) error {
	if payload.ClinicID == uuid.Nil {
		return errors.New("refresh: sync job without clinic id")
	}
	_, err := w.syncer.Sync(ctx, payload.ClinicID, payload.Force)
	return err
}

func (w *Worker) handleCleanup(ctx context.Context) error {
	report, err := w.store.Cleanup(ctx)
	if err != nil {
		w.metrics.ObserveRefreshJob("cleanup", "failed")
		return err
	}
	w.metrics.ObserveRefreshJob("cleanup", "completed")
	w.logger.Debug("cache cleanup job finished", "removed", report.Total())
	return nil
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete refresh job", "error", err)
	}
}
