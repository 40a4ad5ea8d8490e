package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/session"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// maxOfferedAlternatives caps how many same-day slots ride along on a
// time-not-available answer.
const maxOfferedAlternatives = 5

// CreateRequest carries one decoded booking request. Clinic resolution and
// string parsing happen at the request layer; everything here is typed.
type CreateRequest struct {
	Clinic       catalog.Clinic
	SessionID    string
	CallerPhone  string
	PatientPhone string // defaults to CallerPhone
	PatientName  string
	Practitioner string // spoken name
	Service      string // spoken service name
	BusinessID   catalog.BusinessID
	Date         timeloc.Date
	Hour, Minute int
	Notes        string
}

// Confirmation is a successful booking, carrying everything the voice layer
// speaks back.
type Confirmation struct {
	AppointmentID      catalog.AppointmentID
	ConfirmationNumber string
	Practitioner       catalog.Practitioner
	Service            catalog.Service
	Business           catalog.Business
	PatientID          catalog.PatientID
	PatientName        string
	StartsAt           time.Time // UTC
	EndsAt             time.Time // UTC
}

// Create books an appointment. The sequence is fixed: validate, resolve
// entities, find or create the patient, then hold the slot lock across the
// availability confirmation, the PMS write and the local mirror. The PMS
// create call is never retried; it is not idempotent.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Confirmation, error) {
	phone, start, err := c.validateCreate(&req)
	if err != nil {
		return nil, err
	}
	loc := timeloc.LocationOrDefault(req.Clinic.Timezone, nil)

	business, practitioner, service, err := c.resolveEntities(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.checkDuplicate(ctx, req.Clinic, phone, practitioner.ID, start); err != nil {
		return nil, err
	}

	client := c.clients(req.Clinic)
	patient, err := c.resolvePatient(ctx, req.Clinic, client, phone, req.PatientName)
	if err != nil {
		return nil, err
	}

	target := slotBooking{
		practitioner: practitioner,
		business:     *business,
		service:      service,
		patientID:    patient.ID,
		start:        start,
		date:         timeloc.DateOf(start, loc),
		notes:        req.Notes,
	}
	appt, err := c.bookSlot(ctx, req.Clinic, client, req.SessionID, catalog.VoiceActionBook, target, func(created *pms.Appointment) error {
		mirror := c.mirrorOf(req.Clinic, target, created, phone)
		return c.ledger.BookingConfirmed(ctx, req.Clinic, mirror, req.SessionID)
	})
	if err != nil {
		return nil, err
	}

	c.metrics.ObserveBooking(catalog.VoiceActionBook, "completed")
	c.logger.Info("appointment booked",
		"clinic_id", req.Clinic.ID,
		"appointment_id", appt.ID.String(),
		"practitioner_id", practitioner.ID,
		"caller_phone", logging.MaskPhone(phone))

	return &Confirmation{
		AppointmentID:      catalog.AppointmentID(appt.ID.String()),
		ConfirmationNumber: confirmationNumber(catalog.AppointmentID(appt.ID.String())),
		Practitioner:       practitioner,
		Service:            service,
		Business:           *business,
		PatientID:          patient.ID,
		PatientName:        patient.FullName(),
		StartsAt:           start.UTC(),
		EndsAt:             start.Add(time.Duration(service.DurationMinutes) * time.Minute).UTC(),
	}, nil
}

// validateCreate checks presence and shape of every field the protocol needs
// and returns the normalized patient phone and the UTC start instant.
func (c *Coordinator) validateCreate(req *CreateRequest) (string, time.Time, error) {
	switch {
	case req.PatientName == "":
		return "", time.Time{}, &ValidationError{Field: "patientName", Reason: ReasonMissing}
	case req.Practitioner == "":
		return "", time.Time{}, &ValidationError{Field: "practitioner", Reason: ReasonMissing}
	case req.Service == "":
		return "", time.Time{}, &ValidationError{Field: "appointmentType", Reason: ReasonMissing}
	case req.BusinessID == "":
		return "", time.Time{}, &ValidationError{Field: "business_id", Reason: ReasonMissing}
	case req.Date.IsZero():
		return "", time.Time{}, &ValidationError{Field: "appointmentDate", Reason: ReasonMissing}
	}

	if req.PatientPhone == "" {
		req.PatientPhone = req.CallerPhone
	}
	phone, err := catalog.ValidateAUPhone(req.PatientPhone)
	if err != nil {
		return "", time.Time{}, &ValidationError{Field: "callerPhone", Reason: ReasonInvalid}
	}

	loc := timeloc.LocationOrDefault(req.Clinic.Timezone, nil)
	start, err := timeloc.CombineDateTimeLocal(req.Date, req.Hour, req.Minute, loc)
	if err != nil {
		return "", time.Time{}, &ValidationError{Field: "appointmentTime", Reason: ReasonInvalid}
	}
	if start.Before(time.Now()) {
		return "", time.Time{}, &ValidationError{Field: "appointmentDate", Reason: ReasonPast}
	}
	return phone, start, nil
}

// resolveEntities turns the spoken practitioner and service names into
// catalog rows, scoped to the requested business.
func (c *Coordinator) resolveEntities(ctx context.Context, req CreateRequest) (*catalog.Business, catalog.Practitioner, catalog.Service, error) {
	var (
		practitioner catalog.Practitioner
		service      catalog.Service
	)

	business, err := c.directory.BusinessByID(ctx, req.Clinic.ID, req.BusinessID)
	if err != nil {
		return nil, practitioner, service, err
	}

	candidates, err := c.directory.Practitioners(ctx, req.Clinic.ID)
	if err != nil {
		return nil, practitioner, service, fmt.Errorf("booking: load practitioners: %w", err)
	}
	resolution := matching.ResolvePractitioner(req.Practitioner, candidates)
	switch resolution.Outcome {
	case matching.OutcomeResolved:
		practitioner = resolution.Best.Practitioner
	case matching.OutcomeClarify:
		options := make([]catalog.Practitioner, len(resolution.Options))
		for i, m := range resolution.Options {
			options[i] = m.Practitioner
		}
		return nil, practitioner, service, &PractitionerClarification{Query: req.Practitioner, Options: options}
	default:
		return nil, practitioner, service, fmt.Errorf("%w: %q", ErrPractitionerNotFound, req.Practitioner)
	}

	worksAt, err := c.directory.PractitionerWorksAt(ctx, practitioner.ID, req.BusinessID)
	if err != nil {
		return nil, practitioner, service, fmt.Errorf("booking: check practitioner location: %w", err)
	}
	if !worksAt {
		return nil, practitioner, service, fmt.Errorf("%w: %s at %s", ErrLocationMismatch, practitioner.FullName(), business.Name)
	}

	services, err := c.directory.ServicesForPractitioner(ctx, practitioner.ID)
	if err != nil {
		return nil, practitioner, service, fmt.Errorf("booking: load services: %w", err)
	}
	service, ok := matching.MatchServiceStrict(req.Service, services)
	if !ok {
		nf := &ServiceNotFoundError{Query: req.Service, Practitioner: practitioner.FullName()}
		for _, s := range matching.SuggestServices(req.Service, services) {
			nf.Suggestions = append(nf.Suggestions, s.Service.Name)
		}
		return nil, practitioner, service, nf
	}
	return business, practitioner, service, nil
}

// checkDuplicate refuses a booking the caller already holds. Read failures
// only log: a broken duplicate check must not block new bookings.
func (c *Coordinator) checkDuplicate(ctx context.Context, clinic catalog.Clinic, phone string, practitionerID catalog.PractitionerID, start time.Time) error {
	upcoming, err := c.directory.UpcomingAppointmentsByPhone(ctx, clinic.ID, phone, time.Now())
	if err != nil {
		c.logger.Warn("duplicate check unavailable", "error", err, "clinic_id", clinic.ID)
		return nil
	}
	for _, appt := range upcoming {
		if appt.PractitionerID == practitionerID && appt.StartsAt.Equal(start) {
			return fmt.Errorf("%w: appointment %s", ErrDuplicateBooking, appt.PMSID)
		}
	}
	return nil
}

// resolvePatient walks the lookup chain: patient cache, local mirror, PMS
// search, then PMS create. Whatever is found is written back to the faster
// tiers.
func (c *Coordinator) resolvePatient(ctx context.Context, clinic catalog.Clinic, client PMS, phone, name string) (catalog.Patient, error) {
	if cp, ok := c.patients.Patient(ctx, clinic.ID, phone); ok {
		return catalog.Patient{
			ID:        cp.PatientID,
			ClinicID:  clinic.ID,
			Phone:     phone,
			FirstName: cp.FirstName,
			LastName:  cp.LastName,
			Email:     cp.Email,
		}, nil
	}

	if p, err := c.directory.PatientByPhone(ctx, clinic.ID, phone); err == nil {
		c.cachePatient(ctx, clinic, *p)
		return *p, nil
	} else if !errors.Is(err, catalog.ErrPatientNotFound) {
		c.logger.Warn("patient mirror lookup failed", "error", err, "clinic_id", clinic.ID)
	}

	found, err := client.FindPatient(ctx, phone)
	switch {
	case err == nil:
		p := patientFromPMS(clinic, found, phone)
		c.rememberPatient(ctx, clinic, p)
		return p, nil
	case errors.Is(err, pms.ErrPatientNotFound):
		// fall through to create
	default:
		return catalog.Patient{}, err
	}

	first, last := splitPatientName(name)
	created, err := client.CreatePatient(ctx, pms.CreatePatientRequest{FirstName: first, LastName: last, Phone: phone})
	if err != nil {
		return catalog.Patient{}, err
	}
	p := patientFromPMS(clinic, created, phone)
	c.rememberPatient(ctx, clinic, p)
	return p, nil
}

func patientFromPMS(clinic catalog.Clinic, p *pms.Patient, phone string) catalog.Patient {
	return catalog.Patient{
		ID:        catalog.PatientID(p.ID.String()),
		ClinicID:  clinic.ID,
		Phone:     phone,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	}
}

func (c *Coordinator) cachePatient(ctx context.Context, clinic catalog.Clinic, p catalog.Patient) {
	c.patients.SetPatient(ctx, clinic.ID, p.Phone, cache.CachedPatient{
		PatientID: p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
	})
}

// rememberPatient writes both the cache tier and the local mirror.
func (c *Coordinator) rememberPatient(ctx context.Context, clinic catalog.Clinic, p catalog.Patient) {
	c.cachePatient(ctx, clinic, p)
	if err := c.directory.UpsertPatient(ctx, p); err != nil {
		c.logger.Warn("patient mirror write failed", "error", err, "clinic_id", clinic.ID)
	}
}

// slotBooking is one fully resolved booking target.
type slotBooking struct {
	practitioner catalog.Practitioner
	business     catalog.Business
	service      catalog.Service
	patientID    catalog.PatientID
	start        time.Time
	date         timeloc.Date // clinic-local civil date of start
	notes        string
}

// bookSlot runs the locked core of the protocol: acquire the slot lock,
// confirm the slot is still offered, write to the PMS, run persist, release.
// The lock is held across persist so a concurrent request for the same slot
// cannot interleave between the PMS write and the cache staleness mark.
func (c *Coordinator) bookSlot(ctx context.Context, clinic catalog.Clinic, client PMS, sessionID, action string, b slotBooking, persist func(*pms.Appointment) error) (*pms.Appointment, error) {
	err := c.locks.AcquireLock(ctx, b.practitioner.ID, b.start, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrLockHeld) {
			c.metrics.ObserveLockContention()
			c.metrics.ObserveBooking(action, "slot_taken")
			return nil, fmt.Errorf("%w: another caller is booking this time", ErrSlotTaken)
		}
		return nil, err
	}
	// Best effort: the 2 minute TTL covers paths where ctx is already dead.
	defer func() {
		if rerr := c.locks.ReleaseLock(ctx, b.practitioner.ID, b.start, sessionID); rerr != nil {
			c.logger.Warn("lock release failed", "error", rerr, "practitioner_id", b.practitioner.ID)
		}
	}()

	if err := c.verifySlot(ctx, clinic, client, b); err != nil {
		return nil, err
	}

	appt, err := client.CreateAppointment(ctx, pms.CreateAppointmentRequest{
		PatientID:         string(b.patientID),
		PractitionerID:    string(b.practitioner.ID),
		AppointmentTypeID: string(b.service.ID),
		BusinessID:        string(b.business.ID),
		StartsAt:          b.start,
		EndsAt:            b.start.Add(time.Duration(b.service.DurationMinutes) * time.Minute),
		Notes:             b.notes,
	})
	if err != nil {
		return nil, c.handleCreateFailure(ctx, clinic, action, b, err)
	}

	if err := persist(appt); err != nil {
		// The PMS holds the appointment; the local mirror is repaired by the
		// next sync. Failing the call here would invite a double booking.
		c.logger.Error("booked appointment not mirrored locally",
			"error", err,
			"clinic_id", clinic.ID,
			"appointment_id", appt.ID.String())
	}
	return appt, nil
}

// handleCreateFailure maps a PMS create error, invalidating the cached day
// and recording the failed slot for conflict-shaped failures so the slot is
// not offered again while the cache refreshes.
func (c *Coordinator) handleCreateFailure(ctx context.Context, clinic catalog.Clinic, action string, b slotBooking, err error) error {
	code := pms.CodeOf(err)
	switch code {
	case pms.CodeSlotTaken, pms.CodeOutsideBusinessHours, pms.CodePractitionerNotAvailable:
		if ierr := c.slots.InvalidateAvailability(ctx, b.practitioner.ID, b.business.ID, b.date); ierr != nil {
			c.logger.Warn("availability invalidation failed", "error", ierr, "practitioner_id", b.practitioner.ID)
		}
		if rerr := c.slots.RecordFailedAttempt(ctx, clinic.ID, b.practitioner.ID, b.business.ID, b.start, string(code)); rerr != nil {
			c.logger.Warn("failed attempt not recorded", "error", rerr, "practitioner_id", b.practitioner.ID)
		}
		c.metrics.ObserveBooking(action, string(code))
		if code == pms.CodeSlotTaken {
			return fmt.Errorf("%w: %v", ErrSlotTaken, err)
		}
		return err
	}
	c.metrics.ObserveBooking(action, "failed")
	return err
}

// verifySlot confirms the requested instant is still offered: first against
// the cache, then with one authoritative single-day PMS query when the cache
// cannot vouch for it.
func (c *Coordinator) verifySlot(ctx context.Context, clinic catalog.Clinic, client PMS, b slotBooking) error {
	key := cache.Key{
		ClinicID:       clinic.ID,
		PractitionerID: b.practitioner.ID,
		BusinessID:     b.business.ID,
		Date:           b.date,
	}
	if slots, ok := c.slots.Availability(ctx, key); ok {
		for _, s := range slots {
			if sameInstant(s, b.start) {
				return nil
			}
		}
	}

	times, err := client.AvailableTimes(ctx, string(b.business.ID), string(b.practitioner.ID), string(b.service.ID), b.date, b.date)
	if err != nil {
		return err
	}

	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	var sameDay []time.Time
	for _, at := range times {
		t, perr := timeloc.ParseTimestamp(at.AppointmentStart, loc)
		if perr != nil {
			continue
		}
		if sameInstant(t, b.start) {
			return nil
		}
		if timeloc.DateOf(t, loc) == b.date {
			sameDay = append(sameDay, t)
		}
	}

	sort.Slice(sameDay, func(i, j int) bool { return sameDay[i].Before(sameDay[j]) })
	if len(sameDay) > maxOfferedAlternatives {
		sameDay = sameDay[:maxOfferedAlternatives]
	}
	return &TimeNotAvailableError{Requested: b.start, Alternatives: sameDay}
}

// sameInstant tolerates sub-minute skew between the requested time and the
// slot grid the PMS returns.
func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Minute
}

// mirrorOf builds the local appointment row for a PMS create response.
func (c *Coordinator) mirrorOf(clinic catalog.Clinic, b slotBooking, appt *pms.Appointment, callerPhone string) *catalog.Appointment {
	return &catalog.Appointment{
		ClinicID:       clinic.ID,
		PMSID:          catalog.AppointmentID(appt.ID.String()),
		PatientID:      b.patientID,
		PractitionerID: b.practitioner.ID,
		ServiceID:      b.service.ID,
		BusinessID:     b.business.ID,
		StartsAt:       b.start.UTC(),
		EndsAt:         b.start.Add(time.Duration(b.service.DurationMinutes) * time.Minute).UTC(),
		Status:         catalog.StatusBooked,
		CallerPhone:    callerPhone,
	}
}
