package refresh

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	defaultSweepInterval = 5 * time.Minute

	// dormantAfter is the cache age past which the scheduler stops keeping a
	// clinic fresh. The next inbound call brings it back via the handlers.
	dormantAfter = 24 * time.Hour

	// cleanupEvery spaces the cache cleanup sweeps.
	cleanupEvery = time.Hour
)

// ClinicSource lists the clinics to keep fresh. *catalog.Repository
// satisfies it.
type ClinicSource interface {
	ActiveClinics(ctx context.Context) ([]catalog.Clinic, error)
}

// FreshnessSource reports when a clinic's cache was last written.
// *cache.Store satisfies it.
type FreshnessSource interface {
	LastCachedAt(ctx context.Context, clinicID uuid.UUID) (time.Time, bool)
}

type jobSink interface {
	EnqueueSync(ctx context.Context, clinicID uuid.UUID, opts ...PublishOption) error
	EnqueueCleanup(ctx context.Context) error
}

// Scheduler sweeps the active clinics on an interval and enqueues a sync for
// each one whose cache has gone stale but is still in use, plus an hourly
// cache cleanup.
type Scheduler struct {
	clinics  ClinicSource
	fresh    FreshnessSource
	jobs     jobSink
	logger   *logging.Logger
	interval time.Duration

	lastCleanup time.Time
}

// NewScheduler creates the periodic refresh scheduler.
func NewScheduler(clinics ClinicSource, fresh FreshnessSource, jobs jobSink, interval time.Duration, logger *logging.Logger) *Scheduler {
	if clinics == nil {
		panic("refresh: clinic source cannot be nil")
	}
	if fresh == nil {
		panic("refresh: freshness source cannot be nil")
	}
	if jobs == nil {
		panic("refresh: job sink cannot be nil")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		clinics:  clinics,
		fresh:    fresh,
		jobs:     jobs,
		logger:   logger,
		interval: interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
// The initial sweep is what re-warms caches after a deploy.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	clinics, err := s.clinics.ActiveClinics(ctx)
	if err != nil {
		s.logger.Error("refresh sweep: active clinics unavailable", "error", err)
		return
	}

	enqueued := 0
	for _, clinic := range clinics {
		last, ok := s.fresh.LastCachedAt(ctx, clinic.ID)
		if !ok {
			// Never cached: the clinic has not taken a call yet, so there is
			// nothing to keep fresh.
			continue
		}
		age := time.Since(last)
		if age < StaleAfter || age > dormantAfter {
			continue
		}
		if err := s.jobs.EnqueueSync(ctx, clinic.ID); err != nil {
			s.logger.Error("refresh sweep: enqueue failed", "error", err, "clinic_id", clinic.ID)
			continue
		}
		enqueued++
	}

	if time.Since(s.lastCleanup) >= cleanupEvery {
		if err := s.jobs.EnqueueCleanup(ctx); err != nil {
			s.logger.Error("refresh sweep: cleanup enqueue failed", "error", err)
		} else {
			s.lastCleanup = time.Now()
		}
	}

	if enqueued > 0 {
		s.logger.Info("refresh sweep enqueued syncs", "count", enqueued, "clinics", len(clinics))
	}
}
