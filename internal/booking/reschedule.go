package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// RescheduleRequest moves an existing appointment to a new time, optionally
// changing practitioner or service. The old appointment is identified the
// same way Cancel identifies one.
type RescheduleRequest struct {
	Clinic        catalog.Clinic
	SessionID     string
	CallerPhone   string
	AppointmentID catalog.AppointmentID // optional when Description is set
	Description   string

	NewDate            timeloc.Date
	NewHour, NewMinute int
	NewPractitioner    string // spoken name, empty keeps the old practitioner
	NewService         string // spoken service, empty keeps the old service
	Notes              string
}

// Reschedule is a completed move: a fresh confirmation for the new slot plus
// what happened to the old appointment.
type Reschedule struct {
	Confirmation
	PreviousID   catalog.AppointmentID
	OldCancelled bool
}

// Reschedule books the new slot first and cancels the old appointment only
// once the new one exists, so a failure anywhere leaves the caller holding
// their original time. Appointments are never modified in place.
func (c *Coordinator) Reschedule(ctx context.Context, req RescheduleRequest) (*Reschedule, error) {
	old, err := c.findForReschedule(ctx, req)
	if err != nil {
		return nil, err
	}

	loc := timeloc.LocationOrDefault(req.Clinic.Timezone, nil)
	if req.NewDate.IsZero() {
		return nil, &ValidationError{Field: "newDate", Reason: ReasonMissing}
	}
	start, err := timeloc.CombineDateTimeLocal(req.NewDate, req.NewHour, req.NewMinute, loc)
	if err != nil {
		return nil, &ValidationError{Field: "newTime", Reason: ReasonInvalid}
	}
	if start.Before(time.Now()) {
		return nil, &ValidationError{Field: "newDate", Reason: ReasonPast}
	}

	practitioner, err := c.reschedulePractitioner(ctx, req, old)
	if err != nil {
		return nil, err
	}

	business, err := c.directory.BusinessByID(ctx, req.Clinic.ID, old.BusinessID)
	if err != nil {
		c.logger.Warn("business lookup failed, using mirrored name",
			"error", err, "business_id", old.BusinessID)
		business = &catalog.Business{ID: old.BusinessID, ClinicID: req.Clinic.ID, Name: old.BusinessName}
	}

	service, err := c.rescheduleService(ctx, req, old, practitioner)
	if err != nil {
		return nil, err
	}

	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("Rescheduled from appointment %s", old.PMSID)
	}

	target := slotBooking{
		practitioner: practitioner,
		business:     *business,
		service:      service,
		patientID:    old.PatientID,
		start:        start,
		date:         timeloc.DateOf(start, loc),
		notes:        notes,
	}

	client := c.clients(req.Clinic)
	oldCancelled := false
	appt, err := c.bookSlot(ctx, req.Clinic, client, req.SessionID, catalog.VoiceActionReschedule, target, func(created *pms.Appointment) error {
		oldCancelled = true
		if cerr := client.CancelAppointment(ctx, string(old.PMSID)); cerr != nil && pms.CodeOf(cerr) != pms.CodeNotFound {
			// The new booking stands. Leaving the old appointment behind
			// beats losing both; staff can remove it from the PMS.
			oldCancelled = false
			c.logger.Warn("old appointment not cancelled after reschedule",
				"error", cerr, "appointment_id", old.PMSID)
		}
		mirror := c.mirrorOf(req.Clinic, target, created, req.CallerPhone)
		prev := Cancelled{
			AppointmentID:  old.PMSID,
			PractitionerID: old.PractitionerID,
			BusinessID:     old.BusinessID,
			StartsAt:       old.StartsAt,
			CallerPhone:    req.CallerPhone,
		}
		return c.ledger.RescheduleConfirmed(ctx, req.Clinic, mirror, prev, oldCancelled, req.SessionID)
	})
	if err != nil {
		return nil, err
	}

	c.metrics.ObserveBooking(catalog.VoiceActionReschedule, "completed")
	c.logger.Info("appointment rescheduled",
		"clinic_id", req.Clinic.ID,
		"previous_appointment_id", old.PMSID,
		"appointment_id", appt.ID.String(),
		"old_cancelled", oldCancelled,
		"caller_phone", logging.MaskPhone(req.CallerPhone))

	return &Reschedule{
		Confirmation: Confirmation{
			AppointmentID:      catalog.AppointmentID(appt.ID.String()),
			ConfirmationNumber: confirmationNumber(catalog.AppointmentID(appt.ID.String())),
			Practitioner:       practitioner,
			Service:            service,
			Business:           *business,
			PatientID:          old.PatientID,
			StartsAt:           start.UTC(),
			EndsAt:             start.Add(time.Duration(service.DurationMinutes) * time.Minute).UTC(),
		},
		PreviousID:   old.PMSID,
		OldCancelled: oldCancelled,
	}, nil
}

// findForReschedule locates the old appointment. Unlike Cancel it must end
// up with full details: the new booking inherits patient, business and
// usually practitioner and service from the old one.
func (c *Coordinator) findForReschedule(ctx context.Context, req RescheduleRequest) (*catalog.AppointmentDetail, error) {
	if req.AppointmentID == "" {
		if req.Description == "" {
			return nil, &ValidationError{Field: "appointmentId", Reason: ReasonMissing}
		}
		if req.CallerPhone == "" {
			return nil, &ValidationError{Field: "callerPhone", Reason: ReasonMissing}
		}
		return c.findByDescription(ctx, req.Clinic, req.CallerPhone, req.Description)
	}

	detail, err := c.directory.AppointmentByPMSID(ctx, req.Clinic.ID, req.AppointmentID)
	if err == nil {
		return detail, nil
	}
	if !errors.Is(err, catalog.ErrAppointmentNotFound) {
		return nil, err
	}

	// Not mirrored locally; the PMS record carries everything needed.
	client := c.clients(req.Clinic)
	appt, err := client.GetAppointment(ctx, string(req.AppointmentID))
	if err != nil {
		if pms.CodeOf(err) == pms.CodeNotFound {
			return nil, catalog.ErrAppointmentNotFound
		}
		return nil, err
	}

	loc := timeloc.LocationOrDefault(req.Clinic.Timezone, nil)
	d := &catalog.AppointmentDetail{Appointment: catalog.Appointment{
		ClinicID:       req.Clinic.ID,
		PMSID:          catalog.AppointmentID(appt.ID.String()),
		PatientID:      catalog.PatientID(appt.Patient.ID()),
		PractitionerID: catalog.PractitionerID(appt.Practitioner.ID()),
		ServiceID:      catalog.ServiceID(appt.AppointmentType.ID()),
		BusinessID:     catalog.BusinessID(appt.Business.ID()),
	}}
	if t, perr := timeloc.ParseTimestamp(appt.AppointmentStart, loc); perr == nil {
		d.StartsAt = t
	}
	return d, nil
}

func (c *Coordinator) reschedulePractitioner(ctx context.Context, req RescheduleRequest, old *catalog.AppointmentDetail) (catalog.Practitioner, error) {
	if req.NewPractitioner == "" {
		p, err := c.directory.PractitionerByID(ctx, req.Clinic.ID, old.PractitionerID)
		if err != nil {
			c.logger.Warn("practitioner lookup failed, using mirrored name",
				"error", err, "practitioner_id", old.PractitionerID)
			fallback := catalog.Practitioner{ID: old.PractitionerID, ClinicID: req.Clinic.ID}
			if parts := strings.Fields(old.PractitionerName); len(parts) > 0 {
				fallback.FirstName = parts[0]
				fallback.LastName = strings.Join(parts[1:], " ")
			}
			return fallback, nil
		}
		return *p, nil
	}

	candidates, err := c.directory.Practitioners(ctx, req.Clinic.ID)
	if err != nil {
		return catalog.Practitioner{}, fmt.Errorf("booking: load practitioners: %w", err)
	}
	resolution := matching.ResolvePractitioner(req.NewPractitioner, candidates)
	var practitioner catalog.Practitioner
	switch resolution.Outcome {
	case matching.OutcomeResolved:
		practitioner = resolution.Best.Practitioner
	case matching.OutcomeClarify:
		options := make([]catalog.Practitioner, len(resolution.Options))
		for i, m := range resolution.Options {
			options[i] = m.Practitioner
		}
		return catalog.Practitioner{}, &PractitionerClarification{Query: req.NewPractitioner, Options: options}
	default:
		return catalog.Practitioner{}, fmt.Errorf("%w: %q", ErrPractitionerNotFound, req.NewPractitioner)
	}

	if practitioner.ID != old.PractitionerID {
		worksAt, err := c.directory.PractitionerWorksAt(ctx, practitioner.ID, old.BusinessID)
		if err != nil {
			return catalog.Practitioner{}, fmt.Errorf("booking: check practitioner location: %w", err)
		}
		if !worksAt {
			return catalog.Practitioner{}, fmt.Errorf("%w: %s at %s", ErrLocationMismatch, practitioner.FullName(), old.BusinessName)
		}
	}
	return practitioner, nil
}

func (c *Coordinator) rescheduleService(ctx context.Context, req RescheduleRequest, old *catalog.AppointmentDetail, practitioner catalog.Practitioner) (catalog.Service, error) {
	if req.NewService == "" {
		s, err := c.directory.ServiceByID(ctx, req.Clinic.ID, old.ServiceID)
		if err != nil {
			c.logger.Warn("service lookup failed, using mirrored name",
				"error", err, "service_id", old.ServiceID)
			return catalog.Service{
				ID:              old.ServiceID,
				ClinicID:        req.Clinic.ID,
				Name:            old.ServiceName,
				DurationMinutes: 30,
			}, nil
		}
		return *s, nil
	}

	services, err := c.directory.ServicesForPractitioner(ctx, practitioner.ID)
	if err != nil {
		return catalog.Service{}, fmt.Errorf("booking: load services: %w", err)
	}
	service, ok := matching.MatchServiceStrict(req.NewService, services)
	if !ok {
		nf := &ServiceNotFoundError{Query: req.NewService, Practitioner: practitioner.FullName()}
		for _, s := range matching.SuggestServices(req.NewService, services) {
			nf.Suggestions = append(nf.Suggestions, s.Service.Name)
		}
		return catalog.Service{}, nf
	}
	return service, nil
}
