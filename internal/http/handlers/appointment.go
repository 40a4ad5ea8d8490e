package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/booking"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	opAppointment       = "appointment_handler"
	opCancelAppointment = "cancel_appointment"
)

// Actions the appointment handler dispatches on. Booking is the default.
const (
	actionBook       = "book"
	actionModify     = "modify"
	actionCancel     = "cancel"
	actionReschedule = "reschedule"
)

// appointmentDirectory is the catalog slice the booking flows read. The
// coordinator resolves practitioners and services itself; the handler only
// needs the tenant and its locations.
type appointmentDirectory interface {
	ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error)
	Businesses(ctx context.Context, clinicID uuid.UUID) ([]catalog.Business, error)
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]catalog.Practitioner, error)
}

// bookingCoordinator runs the booking protocol.
type bookingCoordinator interface {
	Create(ctx context.Context, req booking.CreateRequest) (*booking.Confirmation, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*booking.Cancellation, error)
	Reschedule(ctx context.Context, req booking.RescheduleRequest) (*booking.Reschedule, error)
}

// AppointmentHandler drives the write flows: book, reschedule, cancel.
type AppointmentHandler struct {
	directory   appointmentDirectory
	coordinator bookingCoordinator
	sessions    slotRejections
	memory      callerMemory
	trigger     *SyncTrigger
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// AppointmentHandlerConfig configures the AppointmentHandler.
type AppointmentHandlerConfig struct {
	Directory   appointmentDirectory
	Coordinator bookingCoordinator
	Sessions    slotRejections
	Memory      callerMemory
	Trigger     *SyncTrigger
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
}

// NewAppointmentHandler creates a new AppointmentHandler.
func NewAppointmentHandler(cfg AppointmentHandlerConfig) *AppointmentHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AppointmentHandler{
		directory:   cfg.Directory,
		coordinator: cfg.Coordinator,
		sessions:    cfg.Sessions,
		memory:      cfg.Memory,
		trigger:     cfg.Trigger,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// bookingRequest is the appointment-handler payload. One schema serves every
// action; reschedule and cancel read their extra fields from it.
type bookingRequest struct {
	Action         string `json:"action,omitempty"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`

	PatientName     string `json:"patientName,omitempty"`
	PatientPhone    string `json:"patientPhone,omitempty"`
	Practitioner    string `json:"practitioner,omitempty"`
	AppointmentType string `json:"appointmentType,omitempty"`
	AppointmentDate string `json:"appointmentDate,omitempty"`
	AppointmentTime string `json:"appointmentTime,omitempty"`
	BusinessID      string `json:"business_id,omitempty"`
	BusinessName    string `json:"business_name,omitempty"`
	Location        string `json:"location,omitempty"`
	Notes           string `json:"notes,omitempty"`
	AppointmentID   string `json:"appointmentId,omitempty"`

	// Reschedule fields.
	CurrentAppointmentDetails string `json:"currentAppointmentDetails,omitempty"`
	NewDate                   string `json:"newDate,omitempty"`
	NewTime                   string `json:"newTime,omitempty"`
	NewPractitioner           string `json:"newPractitioner,omitempty"`
	NewAppointmentType        string `json:"newAppointmentType,omitempty"`

	// Accepted for agent tool schema compatibility; the booking protocol
	// does not read them.
	BookingFor string          `json:"bookingFor,omitempty"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// cancelRequest is the cancel-appointment payload.
type cancelRequest struct {
	Action             string `json:"action,omitempty"`
	SessionID          string `json:"sessionId"`
	DialedNumber       string `json:"dialedNumber"`
	CallerPhone        string `json:"callerPhone,omitempty"`
	AppointmentID      string `json:"appointmentId,omitempty"`
	AppointmentDetails string `json:"appointmentDetails,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Timestamp          string `json:"timestamp,omitempty"`
}

// bookingResponse confirms a new appointment.
type bookingResponse struct {
	Success            bool              `json:"success"`
	SessionID          string            `json:"sessionId"`
	Message            string            `json:"message"`
	BookingID          string            `json:"bookingId"`
	ConfirmationNumber string            `json:"confirmationNumber"`
	Practitioner       *practitionerData `json:"practitioner"`
	Service            *serviceData      `json:"service"`
	Location           *locationData     `json:"location"`
	TimeSlot           *timeSlotData     `json:"timeSlot"`
	PatientName        string            `json:"patientName"`
}

// rescheduleResponse confirms a move: the new booking plus the appointment
// it replaced.
type rescheduleResponse struct {
	Success            bool              `json:"success"`
	SessionID          string            `json:"sessionId"`
	Message            string            `json:"message"`
	BookingID          string            `json:"bookingId"`
	PreviousBookingID  string            `json:"previousBookingId"`
	ConfirmationNumber string            `json:"confirmationNumber"`
	Practitioner       *practitionerData `json:"practitioner"`
	Service            *serviceData      `json:"service"`
	Location           *locationData     `json:"location"`
	TimeSlot           *timeSlotData     `json:"timeSlot"`
	PatientName        string            `json:"patientName"`
}

// cancellationResponse confirms a cancel.
type cancellationResponse struct {
	Success          bool   `json:"success"`
	SessionID        string `json:"sessionId"`
	Message          string `json:"message"`
	Cancelled        bool   `json:"cancelled"`
	AppointmentID    string `json:"appointmentId"`
	CancellationTime string `json:"cancellationTime"`
}

// HandleAppointment is the HTTP handler for POST /appointment-handler, the
// agent's one writing tool. The action field selects the flow.
func (h *AppointmentHandler) HandleAppointment(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/appointment-handler", body)

	var req bookingRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("appointment-handler: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opAppointment, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	action := strings.ToLower(strings.TrimSpace(req.Action))
	if action == "" {
		action = actionBook
	}
	h.logger.Info("appointment request", "session_id", req.SessionID, "action", action)

	var ve *voiceError
	switch action {
	case actionBook:
		ve = h.book(ctx, w, req)
	case actionReschedule:
		ve = h.reschedule(ctx, w, req)
	case actionCancel:
		ve = h.cancel(ctx, w, cancelRequest{
			SessionID:          req.SessionID,
			DialedNumber:       req.DialedNumber,
			CallerPhone:        callerPhone(req.CallerPhone, req.SystemCallerID),
			AppointmentID:      req.AppointmentID,
			AppointmentDetails: req.Notes,
		})
	case actionModify:
		ve = newVoiceError(req.SessionID, codeModifyNotImplemented,
			"To change your appointment type, I'll need to reschedule your appointment. Please say 'reschedule' and provide the new details.")
	default:
		ve = newVoiceError(req.SessionID, codeInvalidAction,
			fmt.Sprintf("Action '%s' is not supported.", req.Action))
	}
	if ve != nil {
		h.metrics.ObserveWebhook(opAppointment, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.metrics.ObserveWebhook(opAppointment, "ok", time.Since(started))
}

// HandleCancelAppointment is the HTTP handler for POST /cancel-appointment.
// It shares the cancel flow with the appointment handler's cancel action.
func (h *AppointmentHandler) HandleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/cancel-appointment", body)

	var req cancelRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("cancel-appointment: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opCancelAppointment, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ve := h.cancel(ctx, w, req)
	if ve != nil {
		h.metrics.ObserveWebhook(opCancelAppointment, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.metrics.ObserveWebhook(opCancelAppointment, "ok", time.Since(started))
}

func (h *AppointmentHandler) book(ctx context.Context, w http.ResponseWriter, req bookingRequest) *voiceError {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"patientName", req.PatientName},
		{"practitioner", req.Practitioner},
		{"appointmentType", req.AppointmentType},
		{"appointmentDate", req.AppointmentDate},
		{"appointmentTime", req.AppointmentTime},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return missingInformationError(req.SessionID, missing)
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	business, ve := h.resolveBusiness(ctx, clinic.ID, req)
	if ve != nil {
		return ve
	}

	date, err := timeloc.ParseDateExpression(req.AppointmentDate, timeloc.Today(loc))
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	hour, minute := timeloc.ParseTimeExpression(req.AppointmentTime)

	ectx := errorContext{
		Practitioner: req.Practitioner,
		Patient:      req.PatientName,
		Business:     business.Name,
		Date:         timeloc.FormatDateForVoice(date.Time(loc), loc),
		Location:     loc,
	}
	if st, terr := timeloc.CombineDateTimeLocal(date, hour, minute, loc); terr == nil {
		ectx.When = timeloc.FormatSlotForVoice(st, loc)
	}

	phone := callerPhone(req.CallerPhone, req.SystemCallerID)
	conf, err := h.coordinator.Create(ctx, booking.CreateRequest{
		Clinic:       *clinic,
		SessionID:    req.SessionID,
		CallerPhone:  phone,
		PatientPhone: req.PatientPhone,
		PatientName:  req.PatientName,
		Practitioner: req.Practitioner,
		Service:      req.AppointmentType,
		BusinessID:   business.ID,
		Date:         date,
		Hour:         hour,
		Minute:       minute,
		Notes:        req.Notes,
	})
	if err != nil {
		if errors.Is(err, booking.ErrPractitionerNotFound) {
			if roster, rerr := h.directory.Practitioners(ctx, clinic.ID); rerr == nil {
				ectx.Practitioners = practitionerNames(roster)
			}
		}
		return voiceErrorFor(req.SessionID, err, ectx)
	}

	h.afterBooking(ctx, clinic.ID, req.SessionID, phone, conf)
	h.logger.Info("appointment booked",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"appointment_id", conf.AppointmentID,
		"practitioner_id", conf.Practitioner.ID,
		"business_id", conf.Business.ID)

	msg := fmt.Sprintf("Perfect! I've successfully booked your %s appointment with %s for %s at %s.",
		conf.Service.Name, conf.Practitioner.FullName(),
		timeloc.FormatDateForVoice(conf.StartsAt, loc), timeloc.FormatTimeForVoice(conf.StartsAt, loc))
	writeJSON(w, http.StatusOK, &bookingResponse{
		Success:            true,
		SessionID:          req.SessionID,
		Message:            msg,
		BookingID:          string(conf.AppointmentID),
		ConfirmationNumber: conf.ConfirmationNumber,
		Practitioner:       practitionerOf(conf.Practitioner, 0),
		Service:            serviceOf(conf.Service),
		Location:           locationOf(conf.Business),
		TimeSlot:           slotOf(conf.StartsAt, loc),
		PatientName:        conf.PatientName,
	})
	return nil
}

func (h *AppointmentHandler) reschedule(ctx context.Context, w http.ResponseWriter, req bookingRequest) *voiceError {
	var missing []string
	if strings.TrimSpace(req.NewDate) == "" {
		missing = append(missing, "newDate")
	}
	if strings.TrimSpace(req.NewTime) == "" {
		missing = append(missing, "newTime")
	}
	if len(missing) > 0 {
		return missingInformationError(req.SessionID, missing)
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	newDate, err := timeloc.ParseDateExpression(req.NewDate, timeloc.Today(loc))
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	hour, minute := timeloc.ParseTimeExpression(req.NewTime)

	ectx := errorContext{
		Practitioner: req.NewPractitioner,
		Date:         timeloc.FormatDateForVoice(newDate.Time(loc), loc),
		Location:     loc,
	}
	if ectx.Practitioner == "" {
		ectx.Practitioner = "your practitioner"
	}
	if st, terr := timeloc.CombineDateTimeLocal(newDate, hour, minute, loc); terr == nil {
		ectx.When = timeloc.FormatSlotForVoice(st, loc)
	}

	description := req.CurrentAppointmentDetails
	if description == "" {
		description = req.Notes
	}
	phone := callerPhone(req.CallerPhone, req.SystemCallerID)
	res, err := h.coordinator.Reschedule(ctx, booking.RescheduleRequest{
		Clinic:          *clinic,
		SessionID:       req.SessionID,
		CallerPhone:     phone,
		AppointmentID:   catalog.AppointmentID(req.AppointmentID),
		Description:     description,
		NewDate:         newDate,
		NewHour:         hour,
		NewMinute:       minute,
		NewPractitioner: req.NewPractitioner,
		NewService:      req.NewAppointmentType,
		Notes:           req.Notes,
	})
	if err != nil {
		return voiceErrorFor(req.SessionID, err, ectx)
	}
	if !res.OldCancelled {
		h.logger.Warn("old appointment not cancelled after reschedule",
			"session_id", req.SessionID, "previous_id", res.PreviousID)
	}

	h.afterBooking(ctx, clinic.ID, req.SessionID, phone, &res.Confirmation)
	h.logger.Info("appointment rescheduled",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"appointment_id", res.AppointmentID,
		"previous_id", res.PreviousID,
		"old_cancelled", res.OldCancelled)

	msg := "Perfect! I've successfully rescheduled your appointment"
	changes := []string{fmt.Sprintf("to %s at %s",
		timeloc.FormatDateForVoice(res.StartsAt, loc), timeloc.FormatTimeForVoice(res.StartsAt, loc))}
	if req.NewPractitioner != "" {
		changes = append(changes, "with "+res.Practitioner.FullName())
	}
	if req.NewAppointmentType != "" {
		changes = append(changes, "for "+res.Service.Name)
	}
	msg += " " + strings.Join(changes, ", ") + "."

	writeJSON(w, http.StatusOK, &rescheduleResponse{
		Success:            true,
		SessionID:          req.SessionID,
		Message:            msg,
		BookingID:          string(res.AppointmentID),
		PreviousBookingID:  string(res.PreviousID),
		ConfirmationNumber: res.ConfirmationNumber,
		Practitioner:       practitionerOf(res.Practitioner, 0),
		Service:            serviceOf(res.Service),
		Location:           locationOf(res.Business),
		TimeSlot:           slotOf(res.StartsAt, loc),
		PatientName:        res.PatientName,
	})
	return nil
}

func (h *AppointmentHandler) cancel(ctx context.Context, w http.ResponseWriter, req cancelRequest) *voiceError {
	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	if strings.TrimSpace(req.AppointmentID) == "" && strings.TrimSpace(req.AppointmentDetails) == "" {
		ve := newVoiceError(req.SessionID, codeMissingInformation,
			"I need more information to find your appointment. Please provide details like the practitioner's name, date, or time.")
		ve.MissingData = []string{"appointmentId"}
		return ve
	}

	res, err := h.coordinator.Cancel(ctx, booking.CancelRequest{
		Clinic:        *clinic,
		SessionID:     req.SessionID,
		CallerPhone:   req.CallerPhone,
		AppointmentID: catalog.AppointmentID(req.AppointmentID),
		Description:   req.AppointmentDetails,
	})
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{Location: loc})
	}

	msg := "Your appointment has been successfully cancelled."
	if d := res.Detail; d != nil {
		msg = fmt.Sprintf("I found your %s appointment with %s on %s. Your appointment has been successfully cancelled.",
			d.ServiceName, d.PractitionerName, timeloc.FormatSlotForVoice(d.StartsAt, loc))
	}

	h.logger.Info("appointment cancelled",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"appointment_id", res.AppointmentID)
	writeJSON(w, http.StatusOK, &cancellationResponse{
		Success:          true,
		SessionID:        req.SessionID,
		Message:          msg,
		Cancelled:        true,
		AppointmentID:    string(res.AppointmentID),
		CancellationTime: time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

// resolveBusiness pins the booking location: an explicit reference wins, a
// spoken phrase resolves fuzzily, and with neither the clinic's primary
// location is assumed.
func (h *AppointmentHandler) resolveBusiness(ctx context.Context, clinicID uuid.UUID, req bookingRequest) (*catalog.Business, *voiceError) {
	businesses, err := h.directory.Businesses(ctx, clinicID)
	if err != nil {
		return nil, voiceErrorFor(req.SessionID, err, errorContext{})
	}
	switch {
	case req.BusinessID != "" || req.BusinessName != "":
		business := businessByRef(req.BusinessID, req.BusinessName, businesses)
		if business == nil {
			return nil, newVoiceError(req.SessionID, codeInvalidBusinessID,
				"The business ID provided is not valid for this clinic.")
		}
		return business, nil
	case req.Location != "":
		res := matching.ResolveLocation(matching.LocationQuery{Query: req.Location}, businesses)
		if res.Outcome != matching.OutcomeResolved {
			return nil, locationClarification(req.SessionID, res)
		}
		b := res.Selected.Business
		return &b, nil
	default:
		if len(businesses) == 0 {
			return nil, newVoiceError(req.SessionID, codeLocationRequired,
				"No business location found for this clinic.")
		}
		return &businesses[0], nil
	}
}

// afterBooking finishes a successful create or reschedule: the session's
// declined slots are forgotten and the caller's booking context learns the
// confirmed details. Both are best effort.
func (h *AppointmentHandler) afterBooking(ctx context.Context, clinicID uuid.UUID, sessionID, phone string, conf *booking.Confirmation) {
	if h.sessions != nil && sessionID != "" {
		if err := h.sessions.ClearRejectedSlots(ctx, sessionID); err != nil {
			h.logger.Warn("could not clear rejected slots", "error", err, "session_id", sessionID)
		}
	}
	if h.memory == nil || phone == "" {
		return
	}
	h.memory.SaveBookingContext(ctx, clinicID, catalog.NormalizePhone(phone), cache.BookingContext{
		LastPractitionerID:   conf.Practitioner.ID,
		LastPractitionerName: conf.Practitioner.FullName(),
		LastServiceID:        conf.Service.ID,
		LastServiceName:      conf.Service.Name,
		PatientID:            conf.PatientID,
		PatientName:          conf.PatientName,
	})
}
