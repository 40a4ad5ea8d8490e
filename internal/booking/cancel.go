package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// CancelRequest identifies the appointment to cancel, either by its PMS id
// or by the caller's description of it.
type CancelRequest struct {
	Clinic        catalog.Clinic
	SessionID     string
	CallerPhone   string
	AppointmentID catalog.AppointmentID // optional when Description is set
	Description   string                // free text, e.g. "my botox with sarah on friday"
}

// Cancellation reports a completed cancel. Detail is nil when the
// appointment was never mirrored locally.
type Cancellation struct {
	AppointmentID catalog.AppointmentID
	Detail        *catalog.AppointmentDetail
}

// Cancel removes an appointment from the PMS and marks the local mirror.
// The PMS delete is idempotent: an appointment that is already gone counts
// as cancelled.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (*Cancellation, error) {
	if req.AppointmentID == "" && req.Description == "" {
		return nil, &ValidationError{Field: "appointmentId", Reason: ReasonMissing}
	}

	var detail *catalog.AppointmentDetail
	id := req.AppointmentID
	if id != "" {
		d, err := c.directory.AppointmentByPMSID(ctx, req.Clinic.ID, id)
		switch {
		case err == nil:
			detail = d
		case errors.Is(err, catalog.ErrAppointmentNotFound):
			// Not mirrored locally. The PMS still decides whether it exists.
		default:
			return nil, err
		}
	} else {
		if req.CallerPhone == "" {
			return nil, &ValidationError{Field: "callerPhone", Reason: ReasonMissing}
		}
		d, err := c.findByDescription(ctx, req.Clinic, req.CallerPhone, req.Description)
		if err != nil {
			return nil, err
		}
		detail = d
		id = d.PMSID
	}

	client := c.clients(req.Clinic)
	if err := client.CancelAppointment(ctx, string(id)); err != nil {
		if pms.CodeOf(err) != pms.CodeNotFound {
			c.metrics.ObserveBooking(catalog.VoiceActionCancel, "failed")
			return nil, err
		}
		// Already gone upstream. Cancelling twice is still a success.
	}

	cancelled := Cancelled{AppointmentID: id, CallerPhone: req.CallerPhone}
	if detail != nil {
		cancelled.PractitionerID = detail.PractitionerID
		cancelled.BusinessID = detail.BusinessID
		cancelled.StartsAt = detail.StartsAt
	} else if appt, err := client.GetAppointment(ctx, string(id)); err == nil {
		cancelled.PractitionerID = catalog.PractitionerID(appt.Practitioner.ID())
		cancelled.BusinessID = catalog.BusinessID(appt.Business.ID())
		loc := timeloc.LocationOrDefault(req.Clinic.Timezone, nil)
		if t, perr := timeloc.ParseTimestamp(appt.AppointmentStart, loc); perr == nil {
			cancelled.StartsAt = t
		}
	} else {
		c.logger.Warn("cancelled appointment not fetchable, skipping cache invalidation",
			"error", err, "appointment_id", id)
	}

	if err := c.ledger.BookingCancelled(ctx, req.Clinic, cancelled, req.SessionID); err != nil {
		c.logger.Error("cancellation not mirrored locally",
			"error", err, "clinic_id", req.Clinic.ID, "appointment_id", id)
	}

	c.metrics.ObserveBooking(catalog.VoiceActionCancel, "completed")
	c.logger.Info("appointment cancelled",
		"clinic_id", req.Clinic.ID,
		"appointment_id", id,
		"caller_phone", logging.MaskPhone(req.CallerPhone))
	return &Cancellation{AppointmentID: id, Detail: detail}, nil
}

// findByDescription locates the caller's appointment from free text. A date
// keyword in the description narrows the search to that day; otherwise the
// next seven days are considered. Ties break on a practitioner name
// mentioned in the text, then a service name, then the soonest start.
func (c *Coordinator) findByDescription(ctx context.Context, clinic catalog.Clinic, callerPhone, description string) (*catalog.AppointmentDetail, error) {
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	now := time.Now()

	from := now
	var until time.Time
	if d, ok := descriptionDate(description, timeloc.Today(loc)); ok {
		dayStart := d.Time(loc)
		if dayStart.After(now) {
			from = dayStart
		}
		until = d.AddDays(1).Time(loc)
	} else {
		until = now.Add(7 * 24 * time.Hour)
	}

	upcoming, err := c.directory.UpcomingAppointmentsByPhone(ctx, clinic.ID, callerPhone, from)
	if err != nil {
		return nil, fmt.Errorf("booking: find appointment: %w", err)
	}
	var matches []catalog.AppointmentDetail
	for _, a := range upcoming {
		if a.StartsAt.Before(until) {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		return nil, catalog.ErrAppointmentNotFound
	case 1:
		return &matches[0], nil
	}
	return pickByDescription(matches, description), nil
}

func pickByDescription(matches []catalog.AppointmentDetail, description string) *catalog.AppointmentDetail {
	lower := strings.ToLower(description)
	for i := range matches {
		if mentionsName(lower, strings.ToLower(matches[i].PractitionerName)) {
			return &matches[i]
		}
	}
	for i := range matches {
		if name := strings.ToLower(matches[i].ServiceName); name != "" && strings.Contains(lower, name) {
			return &matches[i]
		}
	}
	// Soonest wins; the repository returns appointments ordered by start.
	return &matches[0]
}

// mentionsName reports whether any word of fullName appears in the text.
// Both arguments must already be lowercased.
func mentionsName(text, fullName string) bool {
	for _, part := range strings.Fields(fullName) {
		if strings.Contains(text, part) {
			return true
		}
	}
	return false
}

// descriptionDateKeywords is scanned in order, longest forms first, so that
// "next friday" is not read as plain "friday".
var descriptionDateKeywords = func() []string {
	days := []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	kw := make([]string, 0, len(days)*2+2)
	for _, d := range days {
		kw = append(kw, "next "+d)
	}
	kw = append(kw, "today", "tomorrow")
	kw = append(kw, days...)
	return kw
}()

func descriptionDate(description string, today timeloc.Date) (timeloc.Date, bool) {
	lower := strings.ToLower(description)
	for _, kw := range descriptionDateKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		if d, err := timeloc.ParseDateExpression(kw, today); err == nil {
			return d, true
		}
	}
	return timeloc.Date{}, false
}
