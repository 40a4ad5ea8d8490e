package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covehealth/voicebook-platform/internal/availability"
	"github.com/covehealth/voicebook-platform/internal/booking"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/session"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// Stable error identifiers the agent's flows branch on. The code rides in
// the "error" field of the failure envelope; the message is what the agent
// speaks.
const (
	codeClinicNotFound            = "clinic_not_found"
	codeLocationRequired          = "location_required"
	codeInvalidBusinessID         = "invalid_business_id"
	codePractitionerNotFound      = "practitioner_not_found"
	codePractitionerClarification = "practitioner_clarification_needed"
	codeLocationMismatch          = "practitioner_location_mismatch"
	codeServiceNotFound           = "service_not_found"
	codeMissingInformation        = "missing_information"
	codeInvalidPhoneNumber        = "invalid_phone_number"
	codeInvalidDate               = "invalid_date"
	codeInvalidTime               = "invalid_time"
	codeInvalidAction             = "invalid_action"
	codeModifyNotImplemented      = "modify_not_implemented"
	codeNoAvailability            = "no_availability"
	codeTimeNotAvailable          = "time_not_available"
	codeSlotTaken                 = "slot_taken"
	codeOutsideBusinessHours      = "outside_business_hours"
	codePractitionerNotAvailable  = "practitioner_not_available"
	codeAppointmentNotFound       = "appointment_not_found"
	codeDuplicateBooking          = "duplicate_booking"
	codeRateLimited               = "rate_limited"
	codeUpstreamError             = "upstream_error"
	codeDatabaseError             = "database_error"
	codeNetworkError              = "network_error"
	codeUseFindNext               = "use_find_next_available"
)

// msgClinicNotFound is spoken whenever the dialed number resolves to no
// active clinic; every operation starts with that lookup.
const msgClinicNotFound = "I couldn't find the clinic information. Please contact the clinic directly."

// voiceError is the uniform failure envelope. resolved and needsClarification
// are pinned false so location-flow consumers can branch without nil checks.
type voiceError struct {
	Success            bool     `json:"success"`
	SessionID          string   `json:"sessionId"`
	Message            string   `json:"message"`
	Code               string   `json:"error"`
	Resolved           bool     `json:"resolved"`
	NeedsClarification bool     `json:"needsClarification"`
	MissingData        []string `json:"missingData,omitempty"`
	AvailableTimes     []string `json:"availableTimes,omitempty"`
	Options            []string `json:"options,omitempty"`
}

func newVoiceError(sessionID, code, message string) *voiceError {
	return &voiceError{SessionID: sessionID, Message: message, Code: code}
}

// errorContext carries the request details an error message interpolates.
// Fields the handler does not know stay empty and the message degrades to a
// generic phrasing.
type errorContext struct {
	Practitioner  string
	Patient       string
	Business      string
	When          string   // spoken slot phrase, e.g. "Wednesday, July 16 at 10:00 AM"
	Date          string   // spoken date
	Practitioners []string // clinic roster, for not-found suggestions
	Locations     []string // where the practitioner does work
	Location      *time.Location
}

func (c errorContext) loc() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.UTC
}

// voiceErrorFor translates an internal failure into the envelope the agent
// speaks. Codes are stable; messages are voice-ready and never include the
// underlying error text.
func voiceErrorFor(sessionID string, err error, ectx errorContext) *voiceError {
	var (
		validation    *booking.ValidationError
		clarification *booking.PractitionerClarification
		noService     *booking.ServiceNotFoundError
		noTime        *booking.TimeNotAvailableError
	)

	switch {
	case errors.As(err, &validation):
		return validationError(sessionID, validation)

	case errors.As(err, &clarification):
		return clarificationError(sessionID, clarification)

	case errors.As(err, &noService):
		msg := fmt.Sprintf("I couldn't find %q services with %s.", noService.Query, noService.Practitioner)
		if len(noService.Suggestions) > 0 {
			msg += " Did you mean " + speakOptions(noService.Suggestions) + "?"
		}
		return newVoiceError(sessionID, codeServiceNotFound, msg)

	case errors.As(err, &noTime):
		return timeNotAvailableError(sessionID, noTime, ectx)

	case errors.Is(err, booking.ErrSlotTaken), errors.Is(err, session.ErrLockHeld):
		if ectx.When != "" && ectx.Practitioner != "" {
			return newVoiceError(sessionID, codeSlotTaken, fmt.Sprintf(
				"I'm sorry, that %s slot with %s is no longer available. Would you like me to find another time?",
				ectx.When, ectx.Practitioner))
		}
		return newVoiceError(sessionID, codeSlotTaken,
			"That time slot has just been taken. Let me find another available time for you.")

	case errors.Is(err, booking.ErrDuplicateBooking):
		who := ectx.Patient
		if who == "" {
			who = "you"
		}
		return newVoiceError(sessionID, codeDuplicateBooking, fmt.Sprintf(
			"It looks like there's already an appointment booked for %s at this time. Please choose a different time slot.", who))

	case errors.Is(err, booking.ErrPractitionerNotFound):
		return practitionerNotFoundError(sessionID, ectx)

	case errors.Is(err, booking.ErrLocationMismatch):
		return locationMismatchError(sessionID, ectx)

	case errors.Is(err, catalog.ErrClinicNotFound):
		return newVoiceError(sessionID, codeClinicNotFound, msgClinicNotFound)

	case errors.Is(err, catalog.ErrBusinessNotFound):
		return newVoiceError(sessionID, codeInvalidBusinessID, "The business ID provided is not valid.")

	case errors.Is(err, catalog.ErrAppointmentNotFound):
		return newVoiceError(sessionID, codeAppointmentNotFound,
			"I couldn't find your appointment. Could you provide more details like the practitioner's name or the current appointment time?")

	case errors.Is(err, catalog.ErrInvalidPhone):
		return newVoiceError(sessionID, codeInvalidPhoneNumber,
			"Please provide a valid 10-digit Australian mobile number starting with 04.")

	case errors.Is(err, availability.ErrUseFindNext):
		return newVoiceError(sessionID, codeUseFindNext,
			"I can look for the next available appointment instead. Would you like me to do that?")

	case errors.Is(err, timeloc.ErrInvalidDate):
		return newVoiceError(sessionID, codeInvalidDate,
			"Invalid date or time format. Please use YYYY-MM-DD for date and HH:MM for time.")

	case errors.Is(err, timeloc.ErrInvalidTime):
		return newVoiceError(sessionID, codeInvalidTime,
			"I'm sorry, that time isn't valid on that date. Could you choose another time?")

	case errors.Is(err, context.DeadlineExceeded):
		return newVoiceError(sessionID, codeUpstreamError,
			"The booking system is taking longer than usual. Please try again in a moment.")
	}

	if code := pms.CodeOf(err); code != "" {
		return pmsError(sessionID, code)
	}

	return newVoiceError(sessionID, codeDatabaseError,
		"I'm experiencing technical difficulties. Please try again in a moment or contact the clinic directly.")
}

// spokenFields maps request field names onto the words the agent reads back
// when asking for them.
var spokenFields = map[string]string{
	"patientName":     "patient name",
	"practitioner":    "practitioner",
	"appointmentType": "appointment type",
	"appointmentDate": "appointment date",
	"appointmentTime": "appointment time",
	"business_id":     "business ID",
	"callerPhone":     "contact phone number",
	"appointmentId":   "appointment ID",
	"newDate":         "new appointment date",
	"newTime":         "new appointment time",
}

func spokenField(field string) string {
	if s, ok := spokenFields[field]; ok {
		return s
	}
	return field
}

// missingInformationError lists every field the agent still has to collect.
func missingInformationError(sessionID string, fields []string) *voiceError {
	spoken := make([]string, len(fields))
	for i, f := range fields {
		spoken[i] = spokenField(f)
	}
	ve := newVoiceError(sessionID, codeMissingInformation,
		"I need some more information to book your appointment. Please provide: "+strings.Join(spoken, ", ")+".")
	ve.MissingData = fields
	return ve
}

func validationError(sessionID string, v *booking.ValidationError) *voiceError {
	if v.Reason == booking.ReasonMissing {
		return missingInformationError(sessionID, []string{v.Field})
	}
	switch v.Field {
	case "callerPhone", "patientPhone":
		return newVoiceError(sessionID, codeInvalidPhoneNumber,
			"Please provide a valid 10-digit Australian mobile number starting with 04.")
	case "appointmentTime", "newTime":
		return newVoiceError(sessionID, codeInvalidTime,
			"Invalid date or time format. Please use YYYY-MM-DD for date and HH:MM for time.")
	case "appointmentDate", "newDate":
		if v.Reason == booking.ReasonPast {
			return newVoiceError(sessionID, codeInvalidDate,
				"That date has already passed. Could you give me a day coming up?")
		}
		return newVoiceError(sessionID, codeInvalidDate,
			"Invalid date or time format. Please use YYYY-MM-DD for date and HH:MM for time.")
	case "business_id":
		return newVoiceError(sessionID, codeInvalidBusinessID, "The business ID provided is not valid.")
	}
	return missingInformationError(sessionID, []string{v.Field})
}

func clarificationError(sessionID string, c *booking.PractitionerClarification) *voiceError {
	names := make([]string, len(c.Options))
	for i, p := range c.Options {
		names[i] = p.FullName()
	}
	return practitionerClarification(sessionID, names)
}

// practitionerClarification renders the similar-names prompt for two or more
// candidates.
func practitionerClarification(sessionID string, names []string) *voiceError {
	var msg string
	if len(names) == 2 {
		msg = fmt.Sprintf("There are two practitioners with similar names. Do you mean %s or %s?", names[0], names[1])
	} else {
		msg = fmt.Sprintf("There are %d practitioners with similar names. Do you mean %s?", len(names), speakOptions(names))
	}
	ve := newVoiceError(sessionID, codePractitionerClarification, msg)
	ve.NeedsClarification = true
	ve.Options = names
	return ve
}

func practitionerNotFoundError(sessionID string, ectx errorContext) *voiceError {
	msg := fmt.Sprintf("I couldn't find a practitioner named %q.", ectx.Practitioner)
	if len(ectx.Practitioners) > 0 {
		shown := ectx.Practitioners
		extra := 0
		if len(shown) > 5 {
			extra = len(shown) - 5
			shown = shown[:5]
		}
		msg += " Available practitioners: " + strings.Join(shown, ", ")
		if extra > 0 {
			msg += fmt.Sprintf(" and %d others", extra)
		}
	}
	return newVoiceError(sessionID, codePractitionerNotFound, msg)
}

func locationMismatchError(sessionID string, ectx errorContext) *voiceError {
	msg := fmt.Sprintf("%s doesn't work at %s.", ectx.Practitioner, ectx.Business)
	if len(ectx.Locations) > 0 {
		msg += " They are available at: " + strings.Join(ectx.Locations, ", ") +
			". Would you like to book at one of those locations instead?"
	}
	return newVoiceError(sessionID, codeLocationMismatch, msg)
}

func timeNotAvailableError(sessionID string, e *booking.TimeNotAvailableError, ectx errorContext) *voiceError {
	loc := ectx.loc()
	requested := timeloc.FormatTimeForVoice(e.Requested, loc)
	date := ectx.Date
	if date == "" {
		date = timeloc.FormatDateForVoice(e.Requested, loc)
	}

	if len(e.Alternatives) == 0 {
		return newVoiceError(sessionID, codeTimeNotAvailable,
			fmt.Sprintf("I'm sorry, there are no available times on %s.", date))
	}

	times := make([]string, len(e.Alternatives))
	for i, t := range e.Alternatives {
		times[i] = timeloc.FormatTimeForVoice(t, loc)
	}
	shown := times
	extra := ""
	if len(shown) > 5 {
		extra = fmt.Sprintf(" and %d other times", len(shown)-5)
		shown = shown[:5]
	}
	ve := newVoiceError(sessionID, codeTimeNotAvailable, fmt.Sprintf(
		"I'm sorry, %s is not available on %s. %s has these times available: %s%s. Which time would you prefer?",
		requested, date, ectx.Practitioner, strings.Join(shown, ", "), extra))
	ve.AvailableTimes = times
	return ve
}

func pmsError(sessionID string, code pms.Code) *voiceError {
	switch code {
	case pms.CodeSlotTaken:
		return newVoiceError(sessionID, codeSlotTaken,
			"That time slot has just been taken. Let me find another available time for you.")
	case pms.CodeOutsideBusinessHours:
		return newVoiceError(sessionID, codeOutsideBusinessHours,
			"That time is outside business hours. Let me find an available time during business hours.")
	case pms.CodePractitionerNotAvailable:
		return newVoiceError(sessionID, codePractitionerNotAvailable,
			"The practitioner is not available at that time. Would you like to see other available times?")
	case pms.CodeRateLimited:
		return newVoiceError(sessionID, codeRateLimited,
			"The booking system is busy right now. Give me just a moment and ask again.")
	case pms.CodeNotFound:
		return newVoiceError(sessionID, codeAppointmentNotFound,
			"I couldn't find that appointment in the system.")
	case pms.CodeTransient:
		return newVoiceError(sessionID, codeNetworkError,
			"I'm having trouble connecting to the booking system. Please try again in a moment.")
	}
	return newVoiceError(sessionID, codeUpstreamError,
		"I encountered an error with the booking system. Please try again or contact the clinic directly.")
}

// speakOptions joins choices as a spoken either-or list: "A", "A or B",
// "A, B, or C".
func speakOptions(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " or " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", or " + items[len(items)-1]
	}
}
