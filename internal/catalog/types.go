// Package catalog stores the clinic-scoped entity graph the voice flows
// resolve against: clinics keyed by dialed number, locations, practitioners,
// services, working schedules, patients and locally mirrored appointments.
package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// Entity IDs are distinct nominal types so a practitioner id cannot be
// passed where a business id is expected. The underlying values are the
// opaque string ids the PMS assigns.
type (
	// PractitionerID identifies a provider.
	PractitionerID string
	// BusinessID identifies a physical location.
	BusinessID string
	// ServiceID identifies an appointment type.
	ServiceID string
	// PatientID identifies a PMS patient record.
	PatientID string
	// AppointmentID identifies a PMS appointment record.
	AppointmentID string
)

func (id PractitionerID) String() string { return string(id) }
func (id BusinessID) String() string     { return string(id) }
func (id ServiceID) String() string      { return string(id) }
func (id PatientID) String() string      { return string(id) }
func (id AppointmentID) String() string  { return string(id) }

// Clinic is one tenant: a practice reachable through a dedicated dialed
// number, with its own PMS credentials and timezone.
type Clinic struct {
	ID          uuid.UUID
	Name        string
	PhoneNumber string // normalized dialed number, unique
	PMSAPIKey   string
	PMSShard    string
	Timezone    string
	Active      bool
}

// Business is a physical location of a clinic. Aliases hold alternate
// spoken names ("the city branch") collected during onboarding.
type Business struct {
	ID        BusinessID
	ClinicID  uuid.UUID
	Name      string
	IsPrimary bool
	Aliases   []string
}

// Practitioner is a bookable provider.
type Practitioner struct {
	ID        PractitionerID
	ClinicID  uuid.UUID
	FirstName string
	LastName  string
	Title     string
	Active    bool
}

// FullName joins title, first and last name for voice output.
func (p Practitioner) FullName() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Title, p.FirstName, p.LastName} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Service is a bookable appointment type with a fixed duration.
type Service struct {
	ID              ServiceID
	ClinicID        uuid.UUID
	Name            string
	DurationMinutes int
	Active          bool
}

// PractitionerSummary pairs a practitioner with the number of services they
// offer, for "who works at this location" answers.
type PractitionerSummary struct {
	Practitioner
	ServiceCount int
}

// ScheduleBlock is one working window of a practitioner at a business.
// The PMS does not expose working hours, so these rows are maintained
// locally and drive availability pruning.
type ScheduleBlock struct {
	PractitionerID PractitionerID
	BusinessID     BusinessID
	DayOfWeek      time.Weekday
	StartTime      string // "09:00"
	EndTime        string // "17:00"
}

// Patient is the locally cached identity of a PMS patient, keyed by
// normalized phone within a clinic.
type Patient struct {
	ID        PatientID
	ClinicID  uuid.UUID
	Phone     string // normalized
	FirstName string
	LastName  string
	Email     string
}

// FullName joins the patient's first and last name.
func (p Patient) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// Appointment statuses. Transitions are monotonic except booked → cancelled.
const (
	StatusBooked    = "booked"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Appointment is the local mirror of a PMS appointment, written in the same
// transaction that invalidates the availability cache.
type Appointment struct {
	ID             uuid.UUID
	ClinicID       uuid.UUID
	PMSID          AppointmentID
	PatientID      PatientID
	PractitionerID PractitionerID
	ServiceID      ServiceID
	BusinessID     BusinessID
	StartsAt       time.Time // UTC
	EndsAt         time.Time // UTC
	Status         string
	CallerPhone    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Date returns the civil date of the appointment in the clinic's timezone,
// which is the availability cache key it invalidates.
func (a Appointment) Date(loc *time.Location) timeloc.Date {
	return timeloc.DateOf(a.StartsAt, loc)
}

// SlotKey canonically identifies one offerable slot. Session rejections and
// failed booking attempts both index by this key so a single predicate can
// filter either.
func SlotKey(practitionerID PractitionerID, businessID BusinessID, start time.Time) string {
	return string(practitionerID) + "|" + string(businessID) + "|" + start.UTC().Format(time.RFC3339)
}
