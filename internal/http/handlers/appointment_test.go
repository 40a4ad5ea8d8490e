package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/covehealth/voicebook-platform/internal/booking"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
)

type appointmentFixture struct {
	dir         *fakeCatalog
	coordinator *fakeCoordinator
	sessions    *fakeRejections
	memory      *fakeMemory
	h           *AppointmentHandler
}

func newAppointmentFixture() *appointmentFixture {
	f := &appointmentFixture{
		dir: &fakeCatalog{
			clinic:     testClinic(),
			businesses: testBusinesses(),
			roster:     testRoster(),
		},
		coordinator: &fakeCoordinator{},
		sessions:    &fakeRejections{},
		memory:      &fakeMemory{contexts: map[string]cache.BookingContext{}},
	}
	f.h = NewAppointmentHandler(AppointmentHandlerConfig{
		Directory:   f.dir,
		Coordinator: f.coordinator,
		Sessions:    f.sessions,
		Memory:      f.memory,
	})
	return f
}

func testConfirmation() *booking.Confirmation {
	return &booking.Confirmation{
		AppointmentID:      "apt-42",
		ConfirmationNumber: "CD7F2A",
		Practitioner:       testRoster()[0],
		Service:            testServices()[0],
		Business:           testBusinesses()[0],
		PatientID:          "pat-9",
		PatientName:        "Alice Poole",
		StartsAt:           time.Date(2026, time.September, 4, 14, 30, 0, 0, time.UTC),
		EndsAt:             time.Date(2026, time.September, 4, 15, 0, 0, 0, time.UTC),
	}
}

func bookPayload() bookingRequest {
	return bookingRequest{
		SessionID:       "sess-1",
		DialedNumber:    "0290001111",
		CallerPhone:     "0412345678",
		PatientName:     "Alice Poole",
		PatientPhone:    "0498 765 432",
		Practitioner:    "Sarah Chen",
		AppointmentType: "Standard Consultation",
		AppointmentDate: "2026-09-04",
		AppointmentTime: "2:30 PM",
		BusinessID:      "biz-city",
	}
}

func TestHandleAppointmentBooks(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.confirmation = testConfirmation()

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookPayload())

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp bookingResponse
	decodeInto(t, w, &resp)

	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	want := "Perfect! I've successfully booked your Standard Consultation appointment with Sarah Chen for Friday, September 4 at 2:30 PM."
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
	if resp.BookingID != "apt-42" || resp.ConfirmationNumber != "CD7F2A" {
		t.Errorf("ids = %s / %s", resp.BookingID, resp.ConfirmationNumber)
	}
	if resp.Practitioner == nil || resp.Practitioner.Name != "Sarah Chen" {
		t.Errorf("practitioner = %+v", resp.Practitioner)
	}
	if resp.Service == nil || resp.Service.ID != "svc-1" {
		t.Errorf("service = %+v", resp.Service)
	}
	if resp.Location == nil || resp.Location.ID != "biz-city" {
		t.Errorf("location = %+v", resp.Location)
	}
	if resp.TimeSlot == nil || resp.TimeSlot.Date != "2026-09-04" ||
		resp.TimeSlot.Time != "14:30" || resp.TimeSlot.DisplayTime != "2:30 PM" {
		t.Errorf("time slot = %+v", resp.TimeSlot)
	}
	if resp.PatientName != "Alice Poole" {
		t.Errorf("patient = %q", resp.PatientName)
	}

	if len(f.coordinator.createReqs) != 1 {
		t.Fatalf("create calls = %d, want 1", len(f.coordinator.createReqs))
	}
	cr := f.coordinator.createReqs[0]
	if cr.Clinic.ID != testClinicID || cr.BusinessID != "biz-city" {
		t.Errorf("create scope = %+v / %s", cr.Clinic.ID, cr.BusinessID)
	}
	if cr.Practitioner != "Sarah Chen" || cr.Service != "Standard Consultation" {
		t.Errorf("create names = %q / %q", cr.Practitioner, cr.Service)
	}
	if cr.Date.String() != "2026-09-04" || cr.Hour != 14 || cr.Minute != 30 {
		t.Errorf("create time = %s %02d:%02d", cr.Date, cr.Hour, cr.Minute)
	}
	if cr.PatientPhone != "0498 765 432" || cr.CallerPhone != "0412345678" {
		t.Errorf("create phones = %q / %q", cr.PatientPhone, cr.CallerPhone)
	}

	// A confirmed booking resets the session and teaches the caller memory.
	if f.sessions.cleared != 1 {
		t.Errorf("cleared = %d, want 1", f.sessions.cleared)
	}
	if len(f.memory.saved) != 1 {
		t.Fatalf("saved contexts = %d, want 1", len(f.memory.saved))
	}
	saved := f.memory.saved[0]
	if saved.phone != "61412345678" {
		t.Errorf("saved phone = %s", saved.phone)
	}
	if saved.patch.LastPractitionerID != "prac-1" || saved.patch.LastServiceName != "Standard Consultation" ||
		saved.patch.PatientID != "pat-9" || saved.patch.PatientName != "Alice Poole" {
		t.Errorf("saved patch = %+v", saved.patch)
	}
}

func TestHandleAppointmentBooksAtSpokenLocation(t *testing.T) {
	f := newAppointmentFixture()
	conf := testConfirmation()
	conf.Business = testBusinesses()[1]
	f.coordinator.confirmation = conf

	req := bookPayload()
	req.BusinessID = ""
	req.Location = "the northside clinic"
	postJSON(t, f.h.HandleAppointment, "/appointment-handler", req)

	if len(f.coordinator.createReqs) != 1 || f.coordinator.createReqs[0].BusinessID != "biz-north" {
		t.Errorf("create reqs = %+v", f.coordinator.createReqs)
	}
}

func TestHandleAppointmentDefaultsToFirstLocation(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.confirmation = testConfirmation()

	req := bookPayload()
	req.BusinessID = ""
	postJSON(t, f.h.HandleAppointment, "/appointment-handler", req)

	if len(f.coordinator.createReqs) != 1 || f.coordinator.createReqs[0].BusinessID != "biz-city" {
		t.Errorf("create reqs = %+v", f.coordinator.createReqs)
	}
}

func TestHandleAppointmentMissingFields(t *testing.T) {
	f := newAppointmentFixture()

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookingRequest{
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
		PatientName:  "Alice Poole",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeMissingInformation {
		t.Fatalf("code = %s, want %s", ve.Code, codeMissingInformation)
	}
	want := "I need some more information to book your appointment. Please provide: practitioner, appointment type, appointment date, appointment time."
	if ve.Message != want {
		t.Errorf("message = %q, want %q", ve.Message, want)
	}
	if len(ve.MissingData) != 4 || ve.MissingData[0] != "practitioner" {
		t.Errorf("missing data = %v", ve.MissingData)
	}
	if len(f.coordinator.createReqs) != 0 {
		t.Error("incomplete request must not reach the coordinator")
	}
}

func TestHandleAppointmentSlotTaken(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.createErr = booking.ErrSlotTaken

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookPayload())

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeSlotTaken {
		t.Fatalf("code = %s, want %s", ve.Code, codeSlotTaken)
	}
	want := "I'm sorry, that Friday, September 4 at 2:30 PM slot with Sarah Chen is no longer available. Would you like me to find another time?"
	if ve.Message != want {
		t.Errorf("message = %q, want %q", ve.Message, want)
	}
	if f.sessions.cleared != 0 {
		t.Error("failed booking must keep the session's rejected slots")
	}
}

func TestHandleAppointmentUnknownPractitionerSpeaksRoster(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.createErr = booking.ErrPractitionerNotFound

	req := bookPayload()
	req.Practitioner = "Zoe"
	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", req)

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codePractitionerNotFound {
		t.Fatalf("code = %s, want %s", ve.Code, codePractitionerNotFound)
	}
	want := `I couldn't find a practitioner named "Zoe". Available practitioners: Sarah Chen, Mark Doyle`
	if ve.Message != want {
		t.Errorf("message = %q, want %q", ve.Message, want)
	}
}

func TestHandleAppointmentModifyRedirects(t *testing.T) {
	f := newAppointmentFixture()

	req := bookPayload()
	req.Action = "modify"
	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", req)

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeModifyNotImplemented {
		t.Fatalf("code = %s, want %s", ve.Code, codeModifyNotImplemented)
	}
	if ve.Message != "To change your appointment type, I'll need to reschedule your appointment. Please say 'reschedule' and provide the new details." {
		t.Errorf("message = %q", ve.Message)
	}
}

func TestHandleAppointmentRejectsUnknownAction(t *testing.T) {
	f := newAppointmentFixture()

	req := bookPayload()
	req.Action = "destroy"
	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", req)

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeInvalidAction {
		t.Fatalf("code = %s, want %s", ve.Code, codeInvalidAction)
	}
	if ve.Message != "Action 'destroy' is not supported." {
		t.Errorf("message = %q", ve.Message)
	}
}

func TestHandleAppointmentReschedules(t *testing.T) {
	f := newAppointmentFixture()
	conf := testConfirmation()
	conf.AppointmentID = "apt-77"
	conf.StartsAt = time.Date(2026, time.September, 8, 9, 15, 0, 0, time.UTC)
	f.coordinator.rescheduled = &booking.Reschedule{
		Confirmation: *conf,
		PreviousID:   "apt-42",
		OldCancelled: true,
	}

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookingRequest{
		Action:        "reschedule",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
		CallerPhone:   "0412345678",
		AppointmentID: "apt-42",
		NewDate:       "2026-09-08",
		NewTime:       "9:15 AM",
	})

	var resp rescheduleResponse
	decodeInto(t, w, &resp)

	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Message != "Perfect! I've successfully rescheduled your appointment to Tuesday, September 8 at 9:15 AM." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.BookingID != "apt-77" || resp.PreviousBookingID != "apt-42" {
		t.Errorf("ids = %s / %s", resp.BookingID, resp.PreviousBookingID)
	}

	if len(f.coordinator.rescheduleReqs) != 1 {
		t.Fatalf("reschedule calls = %d, want 1", len(f.coordinator.rescheduleReqs))
	}
	rr := f.coordinator.rescheduleReqs[0]
	if rr.AppointmentID != "apt-42" || rr.NewDate.String() != "2026-09-08" ||
		rr.NewHour != 9 || rr.NewMinute != 15 {
		t.Errorf("reschedule request = %+v", rr)
	}

	if f.sessions.cleared != 1 {
		t.Errorf("cleared = %d, want 1", f.sessions.cleared)
	}
}

func TestHandleAppointmentRescheduleSpeaksChanges(t *testing.T) {
	f := newAppointmentFixture()
	conf := testConfirmation()
	conf.Service = testServices()[1]
	conf.StartsAt = time.Date(2026, time.September, 8, 9, 15, 0, 0, time.UTC)
	f.coordinator.rescheduled = &booking.Reschedule{Confirmation: *conf, PreviousID: "apt-42", OldCancelled: true}

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookingRequest{
		Action:             "reschedule",
		SessionID:          "sess-1",
		DialedNumber:       "0290001111",
		AppointmentID:      "apt-42",
		NewDate:            "2026-09-08",
		NewTime:            "9:15 AM",
		NewPractitioner:    "Sarah Chen",
		NewAppointmentType: "Physiotherapy",
	})

	var resp rescheduleResponse
	decodeInto(t, w, &resp)
	want := "Perfect! I've successfully rescheduled your appointment to Tuesday, September 8 at 9:15 AM, with Sarah Chen, for Physiotherapy."
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
}

func TestHandleAppointmentRescheduleMissingFields(t *testing.T) {
	f := newAppointmentFixture()

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookingRequest{
		Action:       "reschedule",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeMissingInformation {
		t.Fatalf("code = %s, want %s", ve.Code, codeMissingInformation)
	}
	if len(ve.MissingData) != 2 || ve.MissingData[0] != "newDate" || ve.MissingData[1] != "newTime" {
		t.Errorf("missing data = %v", ve.MissingData)
	}
}

func TestHandleCancelAppointment(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.cancellation = &booking.Cancellation{
		AppointmentID: "apt-42",
		Detail: &catalog.AppointmentDetail{
			Appointment: catalog.Appointment{
				PMSID:    "apt-42",
				StartsAt: time.Date(2026, time.September, 4, 14, 30, 0, 0, time.UTC),
			},
			PractitionerName: "Sarah Chen",
			ServiceName:      "Standard Consultation",
		},
	}

	w := postJSON(t, f.h.HandleCancelAppointment, "/cancel-appointment", cancelRequest{
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
		CallerPhone:   "0412345678",
		AppointmentID: "apt-42",
		Reason:        "feeling better",
	})

	var resp cancellationResponse
	decodeInto(t, w, &resp)

	if !resp.Success || !resp.Cancelled {
		t.Fatalf("response = %+v", resp)
	}
	want := "I found your Standard Consultation appointment with Sarah Chen on Friday, September 4 at 2:30 PM. Your appointment has been successfully cancelled."
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
	if resp.AppointmentID != "apt-42" {
		t.Errorf("appointment id = %s", resp.AppointmentID)
	}
	if _, err := time.Parse(time.RFC3339, resp.CancellationTime); err != nil {
		t.Errorf("cancellation time %q: %v", resp.CancellationTime, err)
	}

	if len(f.coordinator.cancelReqs) != 1 || f.coordinator.cancelReqs[0].AppointmentID != "apt-42" {
		t.Errorf("cancel reqs = %+v", f.coordinator.cancelReqs)
	}
}

func TestHandleCancelAppointmentWithoutLocalMirror(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.cancellation = &booking.Cancellation{AppointmentID: "apt-42"}

	w := postJSON(t, f.h.HandleCancelAppointment, "/cancel-appointment", cancelRequest{
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
		AppointmentID: "apt-42",
	})

	var resp cancellationResponse
	decodeInto(t, w, &resp)
	if resp.Message != "Your appointment has been successfully cancelled." {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleCancelAppointmentNeedsReference(t *testing.T) {
	f := newAppointmentFixture()

	w := postJSON(t, f.h.HandleCancelAppointment, "/cancel-appointment", cancelRequest{
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeMissingInformation {
		t.Fatalf("code = %s, want %s", ve.Code, codeMissingInformation)
	}
	if ve.Message != "I need more information to find your appointment. Please provide details like the practitioner's name, date, or time." {
		t.Errorf("message = %q", ve.Message)
	}
	if len(ve.MissingData) != 1 || ve.MissingData[0] != "appointmentId" {
		t.Errorf("missing data = %v", ve.MissingData)
	}
	if len(f.coordinator.cancelReqs) != 0 {
		t.Error("missing reference must not reach the coordinator")
	}
}

func TestHandleAppointmentCancelAction(t *testing.T) {
	f := newAppointmentFixture()
	f.coordinator.cancellation = &booking.Cancellation{AppointmentID: "apt-42"}

	w := postJSON(t, f.h.HandleAppointment, "/appointment-handler", bookingRequest{
		Action:        "cancel",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
		CallerPhone:   "0412345678",
		AppointmentID: "apt-42",
	})

	var resp cancellationResponse
	decodeInto(t, w, &resp)
	if !resp.Cancelled {
		t.Fatalf("response = %+v", resp)
	}
	if len(f.coordinator.cancelReqs) != 1 || f.coordinator.cancelReqs[0].CallerPhone != "0412345678" {
		t.Errorf("cancel reqs = %+v", f.coordinator.cancelReqs)
	}
}

func TestAppointmentEndpointsRejectMalformedPayloads(t *testing.T) {
	f := newAppointmentFixture()

	for i, handle := range []http.HandlerFunc{f.h.HandleAppointment, f.h.HandleCancelAppointment} {
		if w := postRaw(handle, "/webhook", []byte(`{"sessionId": 3}`)); w.Code != http.StatusBadRequest {
			t.Errorf("endpoint %d: status = %d, want 400", i, w.Code)
		}
	}
}
