package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// rescheduleFixture seeds a mirrored appointment at f.start and points the
// PMS availability at the new 2pm slot the day after.
func rescheduleFixture(t *testing.T) (*bookingFixture, RescheduleRequest, time.Time) {
	f := newBookingFixture(t)
	f.dir.appointments["apt-100"] = appointmentDetail("apt-100", "prac-1", "Sarah Chen", "Botox", f.start)

	newDate := f.date.AddDays(1)
	newStart := newDate.Time(time.UTC).Add(14 * time.Hour)
	f.pms.slots = []pms.AvailableTime{{AppointmentStart: newStart.Format(time.RFC3339)}}

	req := RescheduleRequest{
		Clinic:        f.clinic,
		SessionID:     "sess-1",
		CallerPhone:   "0412345678",
		AppointmentID: "apt-100",
		NewDate:       newDate,
		NewHour:       14,
	}
	return f, req, newStart
}

func TestRescheduleMovesAppointment(t *testing.T) {
	f, req, newStart := rescheduleFixture(t)

	res, err := f.co.Reschedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	if res.PreviousID != "apt-100" || !res.OldCancelled {
		t.Errorf("previous = %s, old cancelled = %v", res.PreviousID, res.OldCancelled)
	}
	if res.AppointmentID != "9001" || res.ConfirmationNumber != "APT-9001" {
		t.Errorf("new appointment = %s / %s", res.AppointmentID, res.ConfirmationNumber)
	}
	if res.Practitioner.ID != "prac-1" || res.Service.ID != "svc-1" || res.Business.ID != "biz-1" {
		t.Errorf("inherited entities = %s/%s/%s", res.Practitioner.ID, res.Service.ID, res.Business.ID)
	}
	if !res.StartsAt.Equal(newStart) || !res.EndsAt.Equal(newStart.Add(30*time.Minute)) {
		t.Errorf("new window = %v..%v", res.StartsAt, res.EndsAt)
	}

	if len(f.pms.createReqs) != 1 {
		t.Fatalf("PMS creates = %d, want 1", len(f.pms.createReqs))
	}
	created := f.pms.createReqs[0]
	if created.PatientID != "501" {
		t.Errorf("patient carried over = %s, want 501", created.PatientID)
	}
	if want := fmt.Sprintf("Rescheduled from appointment %s", "apt-100"); created.Notes != want {
		t.Errorf("notes = %q, want %q", created.Notes, want)
	}

	if len(f.pms.cancelled) != 1 || f.pms.cancelled[0] != "apt-100" {
		t.Errorf("PMS cancels = %v", f.pms.cancelled)
	}

	if len(f.ledger.rescheduled) != 1 {
		t.Fatalf("ledger reschedules = %d, want 1", len(f.ledger.rescheduled))
	}
	rec := f.ledger.rescheduled[0]
	if !rec.oldCancelled || rec.old.AppointmentID != "apt-100" || !rec.old.StartsAt.Equal(f.start) {
		t.Errorf("ledger old = %+v (cancelled %v)", rec.old, rec.oldCancelled)
	}
	if rec.appt.PMSID != "9001" || !rec.appt.StartsAt.Equal(newStart) {
		t.Errorf("ledger new = %+v", rec.appt)
	}

	want := lockID("prac-1", newStart)
	if len(f.locks.acquired) != 1 || f.locks.acquired[0] != want {
		t.Errorf("acquired locks = %v", f.locks.acquired)
	}
	if len(f.locks.released) != 1 {
		t.Error("lock not released")
	}
}

func TestRescheduleKeepsOriginalOnFailure(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	f.pms.createErr = &pms.Error{Code: pms.CodeSlotTaken, Status: 422, Message: "appointment has already been booked"}

	_, err := f.co.Reschedule(context.Background(), req)
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if len(f.pms.cancelled) != 0 {
		t.Error("old appointment cancelled although the new booking failed")
	}
	if len(f.ledger.rescheduled) != 0 {
		t.Error("ledger written although the new booking failed")
	}
}

func TestRescheduleNotFound(t *testing.T) {
	f := newBookingFixture(t)

	req := RescheduleRequest{
		Clinic:        f.clinic,
		AppointmentID: "999",
		NewDate:       f.date.AddDays(1),
		NewHour:       14,
	}
	_, err := f.co.Reschedule(context.Background(), req)
	if !errors.Is(err, catalog.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestRescheduleFromPMSRecord(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	delete(f.dir.appointments, "apt-100")

	a := &pms.Appointment{ID: json.Number("200"), AppointmentStart: f.start.Format(time.RFC3339)}
	a.Patient = pmsRef("patients", "501")
	a.Practitioner = pmsRef("practitioners", "prac-1")
	a.AppointmentType = pmsRef("appointment_types", "svc-1")
	a.Business = pmsRef("businesses", "biz-1")
	f.pms.appointments["200"] = a
	req.AppointmentID = "200"

	res, err := f.co.Reschedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.PreviousID != "200" {
		t.Errorf("previous = %s, want 200", res.PreviousID)
	}
	if len(f.pms.createReqs) != 1 || f.pms.createReqs[0].PatientID != "501" {
		t.Errorf("create reqs = %+v", f.pms.createReqs)
	}
	rec := f.ledger.rescheduled[0]
	if rec.old.PractitionerID != "prac-1" || rec.old.BusinessID != "biz-1" {
		t.Errorf("old record ids from PMS refs = %s/%s", rec.old.PractitionerID, rec.old.BusinessID)
	}
}

func TestRescheduleChangesPractitioner(t *testing.T) {
	f, req, newStart := rescheduleFixture(t)
	req.NewPractitioner = "Brendan"

	res, err := f.co.Reschedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.Practitioner.ID != "prac-2" {
		t.Errorf("practitioner = %s, want prac-2", res.Practitioner.ID)
	}
	if f.pms.createReqs[0].PractitionerID != "prac-2" {
		t.Errorf("create practitioner = %s", f.pms.createReqs[0].PractitionerID)
	}
	if want := lockID("prac-2", newStart); f.locks.acquired[0] != want {
		t.Errorf("lock = %s, want %s", f.locks.acquired[0], want)
	}
}

func TestRescheduleToPractitionerNotAtLocation(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	f.dir.worksAt["prac-2|biz-1"] = false
	req.NewPractitioner = "Brendan"

	_, err := f.co.Reschedule(context.Background(), req)
	if !errors.Is(err, ErrLocationMismatch) {
		t.Fatalf("expected ErrLocationMismatch, got %v", err)
	}
	if len(f.pms.createReqs) != 0 {
		t.Error("PMS create called despite location mismatch")
	}
}

func TestRescheduleChangesService(t *testing.T) {
	f, req, newStart := rescheduleFixture(t)
	req.NewService = "laser hair removal"

	res, err := f.co.Reschedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.Service.ID != "svc-2" {
		t.Errorf("service = %s, want svc-2", res.Service.ID)
	}
	if want := newStart.Add(45 * time.Minute); !res.EndsAt.Equal(want) {
		t.Errorf("ends at %v, want %v", res.EndsAt, want)
	}
	if f.pms.createReqs[0].AppointmentTypeID != "svc-2" {
		t.Errorf("create service = %s", f.pms.createReqs[0].AppointmentTypeID)
	}
}

func TestRescheduleOldCancelFailureStillSucceeds(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	f.pms.cancelErr = &pms.Error{Code: pms.CodeTransient, Status: 503, Message: "service unavailable"}

	res, err := f.co.Reschedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.OldCancelled {
		t.Error("old cancelled reported true although the PMS delete failed")
	}
	if len(f.ledger.rescheduled) != 1 || f.ledger.rescheduled[0].oldCancelled {
		t.Errorf("ledger records = %+v", f.ledger.rescheduled)
	}
}

func TestRescheduleRequiresNewDate(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	req.NewDate = timeloc.Date{}

	_, err := f.co.Reschedule(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "newDate" || verr.Reason != ReasonMissing {
		t.Errorf("got %s/%s", verr.Field, verr.Reason)
	}
}

func TestRescheduleRejectsPastTarget(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	req.NewDate = timeloc.DateOf(time.Now().UTC().Add(-48*time.Hour), time.UTC)

	_, err := f.co.Reschedule(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "newDate" || verr.Reason != ReasonPast {
		t.Errorf("got %s/%s", verr.Field, verr.Reason)
	}
}

func TestRescheduleTimeNotAvailable(t *testing.T) {
	f, req, _ := rescheduleFixture(t)
	day := req.NewDate.Time(time.UTC)
	f.pms.slots = []pms.AvailableTime{
		{AppointmentStart: day.Add(10 * time.Hour).Format(time.RFC3339)},
	}

	_, err := f.co.Reschedule(context.Background(), req)
	var tna *TimeNotAvailableError
	if !errors.As(err, &tna) {
		t.Fatalf("expected time-not-available, got %v", err)
	}
	if len(tna.Alternatives) != 1 || !tna.Alternatives[0].Equal(day.Add(10*time.Hour)) {
		t.Errorf("alternatives = %v", tna.Alternatives)
	}
	if len(f.pms.cancelled) != 0 {
		t.Error("old appointment touched although the new slot was unavailable")
	}
}
