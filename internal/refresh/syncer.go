// Package refresh keeps the availability cache and the local appointment
// mirror reconciled with the PMS between calls. A sync pulls the
// appointments the PMS changed since the last cache write, re-fetches
// availability for every touched practitioner, business and date, and
// upserts the mirror rows; a full sync additionally warms the
// primary-location pairs a few days ahead. Jobs arrive on a queue fed by
// the webhook handlers and a periodic scheduler, and are drained by Worker.
package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
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
	// StaleAfter is the cache age at which request handlers start enqueueing
	// background syncs for a clinic.
	StaleAfter = 5 * time.Minute

	// fullSyncAfter is the cache age beyond which an incremental catch-up is
	// no longer trusted and the sync re-seeds the clinic instead.
	fullSyncAfter = time.Hour

	// syncOverlap backdates the incremental window so appointments updated
	// while the previous sync was writing are not missed.
	syncOverlap = 5 * time.Minute

	// fullSyncLookback bounds the changed-appointment pull of a full sync.
	fullSyncLookback = 7 * 24 * time.Hour

	// defaultWarmDays is how many days past today a full sync warms.
	defaultWarmDays = 3

	// defaultAppointmentMinutes sizes mirrored appointments whose end
	// timestamp the PMS omitted.
	defaultAppointmentMinutes = 30

	// completeTimeout bounds the run-log completion write, which must also
	// happen when the sync context is already dead.
	completeTimeout = 5 * time.Second
)

// Sync run types, recorded in the warmup log and reported to the agent.
const (
	SyncFull        = "full"
	SyncIncremental = "incremental"
	SyncSkipped     = "skipped"
)

// Result summarizes one sync run.
type Result struct {
	Type          string
	Appointments  int // changed appointments pulled from the PMS
	Practitioners int // distinct practitioners that received cache writes
	SlotsCached   int
	Invalidated   int
	Mirrored      int
	Errors        int
	InProgress    bool
}

// Directory is the slice of the catalog the syncer reads and repairs.
type Directory interface {
	ClinicByID(ctx context.Context, id uuid.UUID) (*catalog.Clinic, error)
	PractitionerBusinessPairs(ctx context.Context, clinicID uuid.UUID) ([]catalog.PractitionerBusiness, error)
	ServicesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.Service, error)
	InsertAppointment(ctx context.Context, a *catalog.Appointment) error
}

// SlotStore is the availability tier the syncer maintains.
type SlotStore interface {
	AvailabilityRange(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, from, to timeloc.Date) map[timeloc.Date][]time.Time
	SetAvailability(ctx context.Context, key cache.Key, slots []time.Time, ttl time.Duration)
	InvalidateAvailability(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, date timeloc.Date) error
	LastCachedAt(ctx context.Context, clinicID uuid.UUID) (time.Time, bool)
}

// PMS is the upstream surface a sync pulls from. *pms.Client satisfies it,
// and its per-clinic limiter is what paces the fetch volume below.
type PMS interface {
	ListAppointmentsUpdatedSince(ctx context.Context, since time.Time) ([]pms.Appointment, error)
	AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeloc.Date) ([]pms.AvailableTime, error)
}

// ClientFunc returns the PMS client for a clinic.
type ClientFunc func(clinic catalog.Clinic) PMS

// RunLog records sync runs. Beyond status reporting it doubles as the
// cross-process guard: a recent row with NULL success means another process
// is mid-sync.
type RunLog interface {
	Running(ctx context.Context, clinicID uuid.UUID) (bool, error)
	Started(ctx context.Context, clinicID uuid.UUID, syncType string) (int64, error)
	Completed(ctx context.Context, id int64, outcome RunOutcome) error
}

// guard serializes syncs per clinic within one process. The run log covers
// other processes.
type guard struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func (g *guard) tryAcquire(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[id]; busy {
		return false
	}
	g.active[id] = struct{}{}
	return true
}

func (g *guard) release(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}

// Syncer reconciles the availability cache and the appointment mirror with
// the PMS, one clinic at a time.
type Syncer struct {
	directory Directory
	slots     SlotStore
	runs      RunLog
	clients   ClientFunc
	logger    *logging.Logger
	metrics   *metrics.Metrics

	warmDays int
	active   guard
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithWarmDays sets how many days past today a full sync warms.
func WithWarmDays(days int) SyncerOption {
	return func(s *Syncer) {
		if days >= 0 {
			s.warmDays = days
		}
	}
}

// NewSyncer creates the cache syncer.
func NewSyncer(directory Directory, slots SlotStore, runs RunLog, clients ClientFunc, logger *logging.Logger, m *metrics.Metrics, opts ...SyncerOption) *Syncer {
	if directory == nil {
		panic("refresh: directory cannot be nil")
	}
	if slots == nil {
		panic("refresh: slot store cannot be nil")
	}
	if runs == nil {
		panic("refresh: run log cannot be nil")
	}
	if clients == nil {
		panic("refresh: client source cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Syncer{
		directory: directory,
		slots:     slots,
		runs:      runs,
		clients:   clients,
		logger:    logger,
		metrics:   m,
		warmDays:  defaultWarmDays,
		active:    guard{active: make(map[uuid.UUID]struct{})},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// syncRun carries the state one reconciliation shares across its steps.
type syncRun struct {
	clinic        catalog.Clinic
	loc           *time.Location
	client        PMS
	today         timeloc.Date
	services      map[catalog.PractitionerID]catalog.ServiceID
	practitioners map[catalog.PractitionerID]struct{}
	result        *Result
}

// Sync reconciles one clinic. When the clinic's cache was written within the
// last hour the run is incremental; otherwise, or when force is set, it is a
// full re-seed that also warms the days ahead. If another sync for the
// clinic is already running, here or in another process, Sync returns a
// skipped result instead of waiting.
func (s *Syncer) Sync(ctx context.Context, clinicID uuid.UUID, force bool) (*Result, error) {
	if !s.active.tryAcquire(clinicID) {
		s.metrics.ObserveRefreshJob("sync", "skipped")
		return &Result{Type: SyncSkipped, InProgress: true}, nil
	}
	defer s.active.release(clinicID)

	running, err := s.runs.Running(ctx, clinicID)
	if err != nil {
		s.logger.Warn("sync guard read failed, proceeding", "error", err, "clinic_id", clinicID)
	}
	if running {
		s.metrics.ObserveRefreshJob("sync", "skipped")
		return &Result{Type: SyncSkipped, InProgress: true}, nil
	}

	clinic, err := s.directory.ClinicByID(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("refresh: load clinic: %w", err)
	}

	syncType := SyncFull
	since := time.Now().UTC().Add(-fullSyncLookback)
	if last, ok := s.slots.LastCachedAt(ctx, clinicID); ok && !force && time.Since(last) <= fullSyncAfter {
		syncType = SyncIncremental
		since = last.Add(-syncOverlap)
	}

	logID, err := s.runs.Started(ctx, clinicID, syncType)
	if err != nil {
		// The run still happens; only its audit row is lost.
		s.logger.Warn("sync start not recorded", "error", err, "clinic_id", clinicID)
		logID = 0
	}

	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	run := &syncRun{
		clinic:        *clinic,
		loc:           loc,
		client:        s.clients(*clinic),
		today:         timeloc.Today(loc),
		services:      make(map[catalog.PractitionerID]catalog.ServiceID),
		practitioners: make(map[catalog.PractitionerID]struct{}),
		result:        &Result{Type: syncType},
	}

	started := time.Now()
	syncErr := s.reconcile(ctx, run, since, syncType == SyncFull)
	elapsed := time.Since(started)
	run.result.Practitioners = len(run.practitioners)

	s.complete(logID, run, elapsed, syncErr)

	if syncErr != nil {
		s.metrics.ObserveRefreshJob("sync", "failed")
		return nil, syncErr
	}

	s.metrics.ObserveRefreshJob("sync", "completed")
	s.logger.Info("cache sync finished",
		"clinic_id", clinicID,
		"sync_type", syncType,
		"appointments", run.result.Appointments,
		"practitioners", run.result.Practitioners,
		"slots_cached", run.result.SlotsCached,
		"mirrored", run.result.Mirrored,
		"invalidated", run.result.Invalidated,
		"errors", run.result.Errors,
		"duration_ms", elapsed.Milliseconds())
	return run.result, nil
}

// complete finalizes the run-log row on a fresh context so the write goes
// through even when the sync died of cancellation.
func (s *Syncer) complete(logID int64, run *syncRun, elapsed time.Duration, syncErr error) {
	if logID == 0 {
		return
	}
	outcome := RunOutcome{
		Practitioners: run.result.Practitioners,
		SlotsCached:   run.result.SlotsCached,
		Duration:      elapsed,
		Success:       syncErr == nil && run.result.Errors == 0,
	}
	switch {
	case syncErr != nil:
		outcome.Error = syncErr.Error()
	case run.result.Errors > 0:
		outcome.Error = fmt.Sprintf("%d entries failed to refresh", run.result.Errors)
	}

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	if err := s.runs.Completed(ctx, logID, outcome); err != nil {
		s.logger.Warn("sync completion not recorded", "error", err, "clinic_id", run.clinic.ID)
	}
}

func (s *Syncer) reconcile(ctx context.Context, run *syncRun, since time.Time, full bool) error {
	start := time.Now()
	changed, err := run.client.ListAppointmentsUpdatedSince(ctx, since)
	if err != nil {
		s.metrics.ObservePMSRequest("list_appointments", "error", time.Since(start))
		return fmt.Errorf("refresh: list changed appointments: %w", err)
	}
	s.metrics.ObservePMSRequest("list_appointments", "ok", time.Since(start))
	run.result.Appointments = len(changed)

	touched := s.mirrorChanges(ctx, run, changed)

	for _, t := range touched {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.refreshTriple(ctx, run, t)
	}

	if full {
		return s.warm(ctx, run, touched)
	}
	return nil
}

// triple addresses the availability cache entries one appointment change can
// move.
type triple struct {
	practitioner catalog.PractitionerID
	business     catalog.BusinessID
	date         timeloc.Date
}

func (t triple) less(o triple) bool {
	if t.practitioner != o.practitioner {
		return t.practitioner < o.practitioner
	}
	if t.business != o.business {
		return t.business < o.business
	}
	return t.date.Before(o.date)
}

// mirrorChanges upserts the local mirror for every changed appointment and
// returns the triples whose availability those changes may have moved,
// deduplicated and in stable order.
func (s *Syncer) mirrorChanges(ctx context.Context, run *syncRun, changed []pms.Appointment) []triple {
	seen := make(map[triple]struct{})
	var touched []triple

	for i := range changed {
		appt := &changed[i]
		pracID := catalog.PractitionerID(appt.Practitioner.ID())
		bizID := catalog.BusinessID(appt.Business.ID())
		if pracID == "" || bizID == "" || appt.AppointmentStart == "" {
			s.logger.Debug("changed appointment missing practitioner, business or start, skipping",
				"appointment_id", appt.ID.String())
			continue
		}
		start, err := timeloc.ParseTimestamp(appt.AppointmentStart, run.loc)
		if err != nil {
			s.logger.Warn("changed appointment has unreadable start", "error", err,
				"appointment_id", appt.ID.String())
			run.result.Errors++
			continue
		}

		s.mirrorAppointment(ctx, run, appt, pracID, bizID, start)

		date := timeloc.DateOf(start, run.loc)
		if date.Before(run.today) {
			continue // past days carry no offerable slots
		}
		t := triple{practitioner: pracID, business: bizID, date: date}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		touched = append(touched, t)
	}

	sort.Slice(touched, func(i, j int) bool { return touched[i].less(touched[j]) })
	return touched
}

// mirrorAppointment upserts one changed appointment into the local mirror.
// Rows without a patient or service reference (group sessions, unavailable
// blocks) stay PMS-only. The upsert keys on the PMS appointment ID, so an
// appointment booked through this system keeps its caller phone while its
// times and status follow the PMS.
func (s *Syncer) mirrorAppointment(ctx context.Context, run *syncRun, appt *pms.Appointment, pracID catalog.PractitionerID, bizID catalog.BusinessID, start time.Time) {
	patientID := catalog.PatientID(appt.Patient.ID())
	serviceID := catalog.ServiceID(appt.AppointmentType.ID())
	if patientID == "" || serviceID == "" {
		return
	}

	ends := start.Add(defaultAppointmentMinutes * time.Minute)
	if appt.AppointmentEnd != "" {
		if t, err := timeloc.ParseTimestamp(appt.AppointmentEnd, run.loc); err == nil {
			ends = t
		}
	}

	status := catalog.StatusBooked
	switch {
	case appt.CancelledAt != "" || appt.DeletedAt != "":
		status = catalog.StatusCancelled
	case appt.CompletedAt != "":
		status = catalog.StatusCompleted
	}

	mirror := &catalog.Appointment{
		ClinicID:       run.clinic.ID,
		PMSID:          catalog.AppointmentID(appt.ID.String()),
		PatientID:      patientID,
		PractitionerID: pracID,
		ServiceID:      serviceID,
		BusinessID:     bizID,
		StartsAt:       start,
		EndsAt:         ends,
		Status:         status,
	}
	if err := s.directory.InsertAppointment(ctx, mirror); err != nil {
		s.logger.Warn("appointment mirror upsert failed", "error", err,
			"appointment_id", appt.ID.String(), "clinic_id", run.clinic.ID)
		run.result.Errors++
		return
	}
	run.result.Mirrored++
}

// refreshTriple replaces one availability entry with fresh PMS truth,
// falling back to marking the entry stale when the re-fetch cannot happen.
func (s *Syncer) refreshTriple(ctx context.Context, run *syncRun, t triple) {
	serviceID := s.serviceFor(ctx, run, t.practitioner)
	if serviceID == "" {
		s.invalidateTriple(ctx, run, t)
		return
	}

	start := time.Now()
	slots, err := run.client.AvailableTimes(ctx, string(t.business), string(t.practitioner), string(serviceID), t.date, t.date)
	if err != nil {
		s.metrics.ObservePMSRequest("available_times", "error", time.Since(start))
		s.logger.Warn("availability re-fetch failed", "error", err,
			"practitioner_id", t.practitioner, "business_id", t.business, "date", t.date)
		run.result.Errors++
		s.invalidateTriple(ctx, run, t)
		return
	}
	s.metrics.ObservePMSRequest("available_times", "ok", time.Since(start))

	key := cache.Key{
		ClinicID:       run.clinic.ID,
		PractitionerID: t.practitioner,
		BusinessID:     t.business,
		Date:           t.date,
	}
	starts := s.slotStarts(slots, run.loc)
	s.slots.SetAvailability(ctx, key, starts, cache.AvailabilityTTL)
	run.result.SlotsCached += len(starts)
	run.practitioners[t.practitioner] = struct{}{}
}

func (s *Syncer) invalidateTriple(ctx context.Context, run *syncRun, t triple) {
	if err := s.slots.InvalidateAvailability(ctx, t.practitioner, t.business, t.date); err != nil {
		s.logger.Warn("availability invalidation failed", "error", err,
			"practitioner_id", t.practitioner, "business_id", t.business, "date", t.date)
		run.result.Errors++
		return
	}
	run.result.Invalidated++
}

// serviceFor picks the service used for availability queries, memoized per
// run. The PMS endpoint requires an appointment type, but cache rows are
// keyed without one, so the practitioner's first active service stands in.
func (s *Syncer) serviceFor(ctx context.Context, run *syncRun, practitionerID catalog.PractitionerID) catalog.ServiceID {
	if id, ok := run.services[practitionerID]; ok {
		return id
	}
	var id catalog.ServiceID
	services, err := s.directory.ServicesForPractitioner(ctx, practitionerID)
	if err != nil {
		s.logger.Warn("practitioner services unavailable", "error", err, "practitioner_id", practitionerID)
	} else if len(services) == 0 {
		s.logger.Warn("practitioner offers no services, cannot refresh availability", "practitioner_id", practitionerID)
	} else {
		id = services[0].ID
	}
	run.services[practitionerID] = id
	return id
}

// warm seeds availability for the clinic's primary-location pairs from today
// through the warm horizon. Entries still valid and triples the change pass
// just wrote are left alone. Warm writes carry the long TTL; the incremental
// sync keeps them honest in between.
func (s *Syncer) warm(ctx context.Context, run *syncRun, refreshed []triple) error {
	pairs, err := s.directory.PractitionerBusinessPairs(ctx, run.clinic.ID)
	if err != nil {
		s.logger.Warn("practitioner assignments unavailable, skipping warm", "error", err, "clinic_id", run.clinic.ID)
		run.result.Errors++
		return nil
	}

	done := make(map[triple]struct{}, len(refreshed))
	for _, t := range refreshed {
		done[t] = struct{}{}
	}
	until := run.today.AddDays(s.warmDays)

	for _, pair := range pairs {
		if !pair.Primary {
			continue
		}
		serviceID := s.serviceFor(ctx, run, pair.PractitionerID)
		if serviceID == "" {
			continue
		}
		valid := s.slots.AvailabilityRange(ctx, pair.PractitionerID, pair.BusinessID, run.today, until)

		for off := 0; off <= s.warmDays; off++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			date := run.today.AddDays(off)
			if _, fresh := done[triple{practitioner: pair.PractitionerID, business: pair.BusinessID, date: date}]; fresh {
				continue
			}
			if _, ok := valid[date]; ok {
				continue
			}

			start := time.Now()
			slots, err := run.client.AvailableTimes(ctx, string(pair.BusinessID), string(pair.PractitionerID), string(serviceID), date, date)
			if err != nil {
				// Best effort; the next full sync retries the date.
				s.metrics.ObservePMSRequest("available_times", "error", time.Since(start))
				s.logger.Debug("warm fetch failed", "error", err,
					"practitioner_id", pair.PractitionerID, "business_id", pair.BusinessID, "date", date)
				continue
			}
			s.metrics.ObservePMSRequest("available_times", "ok", time.Since(start))

			key := cache.Key{
				ClinicID:       run.clinic.ID,
				PractitionerID: pair.PractitionerID,
				BusinessID:     pair.BusinessID,
				Date:           date,
			}
			starts := s.slotStarts(slots, run.loc)
			s.slots.SetAvailability(ctx, key, starts, cache.WarmAvailabilityTTL)
			run.result.SlotsCached += len(starts)
			run.practitioners[pair.PractitionerID] = struct{}{}
		}
	}
	return nil
}

// slotStarts parses the offered slot instants, dropping entries the PMS sent
// malformed.
func (s *Syncer) slotStarts(slots []pms.AvailableTime, loc *time.Location) []time.Time {
	out := make([]time.Time, 0, len(slots))
	for _, slot := range slots {
		ts, err := timeloc.ParseTimestamp(slot.AppointmentStart, loc)
		if err != nil {
			s.logger.Warn("skipping unparseable slot", "error", err, "raw", slot.AppointmentStart)
			continue
		}
		out = append(out, ts)
	}
	return out
}
