package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// Sentinel failures the request layer maps onto its error vocabulary.
var (
	// ErrSlotTaken means another session holds the slot lock or the PMS
	// reported the slot already booked.
	ErrSlotTaken = errors.New("booking: slot already taken")

	// ErrDuplicateBooking means this caller already holds an appointment
	// with the same practitioner at the same start.
	ErrDuplicateBooking = errors.New("booking: duplicate booking")

	// ErrPractitionerNotFound means no practitioner matched the spoken name.
	ErrPractitionerNotFound = errors.New("booking: practitioner not found")

	// ErrLocationMismatch means the practitioner does not work at the
	// requested location.
	ErrLocationMismatch = errors.New("booking: practitioner does not work at that location")
)

// Reasons a request field fails validation.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
	ReasonPast    = "past"
)

// ValidationError reports a request field the voice agent must re-collect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("booking: %s %s", e.Field, e.Reason)
}

// PractitionerClarification is returned when a spoken name matches several
// practitioners too closely to book safely. The agent reads the options back
// instead of the coordinator guessing.
type PractitionerClarification struct {
	Query   string
	Options []catalog.Practitioner
}

func (e *PractitionerClarification) Error() string {
	return fmt.Sprintf("booking: %q matches %d practitioners", e.Query, len(e.Options))
}

// ServiceNotFoundError reports a spoken service the strict matcher refused,
// with close names the agent can offer. Booking never falls back to fuzzy
// service matching: a wrong guess books the wrong treatment.
type ServiceNotFoundError struct {
	Query        string
	Practitioner string
	Suggestions  []string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("booking: no service matching %q for %s", e.Query, e.Practitioner)
}

// TimeNotAvailableError reports that the requested instant is not offered.
// Alternatives hold the same-day slots that are, ascending, for the agent to
// read back; empty means the whole day is booked out.
type TimeNotAvailableError struct {
	Requested    time.Time
	Alternatives []time.Time
}

func (e *TimeNotAvailableError) Error() string {
	return fmt.Sprintf("booking: %s not available (%d alternatives)", e.Requested.Format(time.RFC3339), len(e.Alternatives))
}
