// Package availability answers the three slot questions behind every voice
// search: everything on a date, the earliest slot within a horizon, and who
// has any opening on a date. Scans read the availability cache first and fan
// out to the PMS only for dates the cache cannot answer, bounded by a worker
// pool and the request deadline. Results aggregate in submission order so a
// scan over the same data is deterministic.
package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	defaultWorkers     = 6
	defaultScanTimeout = 25 * time.Second

	// DefaultScanDays is the find-next horizon when the caller names none.
	DefaultScanDays = 14
	// MaxScanDays is the hard ceiling on any find-next horizon.
	MaxScanDays = 30

	// pmsWindowDays mirrors the widest from/to span the PMS availability
	// endpoint accepts.
	pmsWindowDays = 7
)

// ErrUseFindNext is returned when a single-date query arrives without a
// date. Treating "whenever's next" as "today" books the wrong day, so the
// request layer is told to reroute to the find-next path instead.
var ErrUseFindNext = errors.New("availability: no date given; use find next available")

// SlotSource is the PMS surface the engine fetches from.
type SlotSource interface {
	AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeloc.Date) ([]pms.AvailableTime, error)
}

// ClientFunc returns the PMS client for a clinic. The registry behind it
// keeps per-clinic rate limiters alive across requests.
type ClientFunc func(clinic catalog.Clinic) SlotSource

// Schedule reads locally stored working hours; the PMS does not expose them.
type Schedule interface {
	WorkingWeekdays(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID) (map[time.Weekday]bool, error)
}

// SlotCache is the slice of the tiered cache the engine reads and writes.
type SlotCache interface {
	Availability(ctx context.Context, key cache.Key) ([]time.Time, bool)
	AvailabilityRange(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, from, to timeloc.Date) map[timeloc.Date][]time.Time
	SetAvailability(ctx context.Context, key cache.Key, slots []time.Time, ttl time.Duration)
	FailedSlots(ctx context.Context, clinicID uuid.UUID) map[string]struct{}
}

// Sessions exposes the slots a caller has already declined.
type Sessions interface {
	RejectedSlots(ctx context.Context, sessionID string) (map[string]struct{}, error)
}

// Criteria is one fully resolved (practitioner, business, service) scan
// target. Names ride along for voice output.
type Criteria struct {
	PractitionerID   catalog.PractitionerID
	PractitionerName string
	BusinessID       catalog.BusinessID
	BusinessName     string
	ServiceID        catalog.ServiceID
	ServiceName      string
}

// Slot is one offerable appointment start.
type Slot struct {
	Criteria Criteria
	Start    time.Time // UTC
}

// Engine runs availability scans for one process.
type Engine struct {
	schedule    Schedule
	cache       SlotCache
	sessions    Sessions
	clients     ClientFunc
	logger      *logging.Logger
	metrics     *metrics.Metrics
	workers     int
	scanTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent PMS fetches per scan.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithScanTimeout bounds the wall-clock time of one scan.
func WithScanTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.scanTimeout = d
		}
	}
}

// NewEngine creates the availability engine.
func NewEngine(schedule Schedule, slotCache SlotCache, sessions Sessions, clients ClientFunc, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	if schedule == nil {
		panic("availability: schedule source cannot be nil")
	}
	if slotCache == nil {
		panic("availability: slot cache cannot be nil")
	}
	if sessions == nil {
		panic("availability: session store cannot be nil")
	}
	if clients == nil {
		panic("availability: client source cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		schedule:    schedule,
		cache:       slotCache,
		sessions:    sessions,
		clients:     clients,
		logger:      logger,
		metrics:     m,
		workers:     defaultWorkers,
		scanTimeout: defaultScanTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// slotFilter reports whether a slot may still be offered to this caller.
type slotFilter func(p catalog.PractitionerID, b catalog.BusinessID, start time.Time) bool

// loadFilter builds the one predicate both scan paths share: a slot is
// suppressed if this session rejected it or any session recently failed to
// book it. Load errors degrade to an empty set; offering a declined slot
// again is annoying, not harmful.
func (e *Engine) loadFilter(ctx context.Context, clinicID uuid.UUID, sessionID string) slotFilter {
	rejected := map[string]struct{}{}
	if sessionID != "" {
		r, err := e.sessions.RejectedSlots(ctx, sessionID)
		if err != nil {
			e.logger.Warn("rejected slots unavailable", "error", err, "session_id", sessionID)
		} else {
			rejected = r
		}
	}
	failed := e.cache.FailedSlots(ctx, clinicID)

	return func(p catalog.PractitionerID, b catalog.BusinessID, start time.Time) bool {
		key := catalog.SlotKey(p, b, start)
		if _, ok := rejected[key]; ok {
			return false
		}
		if _, ok := failed[key]; ok {
			return false
		}
		return true
	}
}

// workingDays returns the weekdays a practitioner works at a business. No
// schedule rows means the hours are unknown, and unknown must not hide real
// availability, so every day qualifies.
func (e *Engine) workingDays(ctx context.Context, c Criteria) map[time.Weekday]bool {
	days, err := e.schedule.WorkingWeekdays(ctx, c.PractitionerID, c.BusinessID)
	if err != nil {
		e.logger.Warn("schedule read failed, assuming all days", "error", err,
			"practitioner_id", c.PractitionerID, "business_id", c.BusinessID)
		return nil
	}
	return days
}

func worksOn(days map[time.Weekday]bool, d timeloc.Date) bool {
	if len(days) == 0 {
		return true
	}
	return days[d.Weekday()]
}
