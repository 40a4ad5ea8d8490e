package pms

import (
	"encoding/json"
	"strings"
	"time"
)

// Business is a practice location as the PMS reports it.
type Business struct {
	ID           json.Number `json:"id"`
	BusinessName string      `json:"business_name"`
	Label        string      `json:"label"`
}

// Name returns the display name, preferring business_name over label.
func (b Business) Name() string {
	if b.BusinessName != "" {
		return b.BusinessName
	}
	return b.Label
}

// Practitioner is a bookable provider.
type Practitioner struct {
	ID        json.Number `json:"id"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Title     string      `json:"title"`
	Active    bool        `json:"active"`
}

// AppointmentType is a bookable service.
type AppointmentType struct {
	ID                json.Number `json:"id"`
	Name              string      `json:"name"`
	DurationInMinutes int         `json:"duration_in_minutes"`
}

// PhoneNumber is one entry of a patient's phone list.
type PhoneNumber struct {
	PhoneType string `json:"phone_type"`
	Number    string `json:"number"`
}

// Patient is a PMS patient record.
type Patient struct {
	ID           json.Number   `json:"id"`
	FirstName    string        `json:"first_name"`
	LastName     string        `json:"last_name"`
	PhoneNumbers []PhoneNumber `json:"phone_numbers"`
}

// AvailableTime is a single offered slot from the nested availability
// endpoint. AppointmentStart is ISO-8601 UTC.
type AvailableTime struct {
	AppointmentStart string `json:"appointment_start"`
}

// Ref is a linked resource reference; the PMS nests related records as
// hyperlinks rather than inline IDs.
type Ref struct {
	Links struct {
		Self string `json:"self"`
	} `json:"links"`
}

// ID extracts the trailing path segment of the reference link.
func (r Ref) ID() string {
	s := strings.TrimRight(r.Links.Self, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Appointment is a PMS appointment record.
type Appointment struct {
	ID               json.Number `json:"id"`
	AppointmentStart string      `json:"appointment_start"`
	AppointmentEnd   string      `json:"appointment_end"`
	CancelledAt      string      `json:"cancelled_at"`
	DeletedAt        string      `json:"deleted_at"`
	CompletedAt      string      `json:"completed_at"`
	UpdatedAt        string      `json:"updated_at"`
	Notes            string      `json:"notes"`
	Patient          Ref         `json:"patient"`
	Practitioner     Ref         `json:"practitioner"`
	AppointmentType  Ref         `json:"appointment_type"`
	Business         Ref         `json:"business"`
}

// CreatePatientRequest is the body for POST /patients.
type CreatePatientRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// CreateAppointmentRequest carries everything needed for POST /appointments.
// Times are converted to UTC ISO-8601 on the wire.
type CreateAppointmentRequest struct {
	PatientID         string
	PractitionerID    string
	AppointmentTypeID string
	BusinessID        string
	StartsAt          time.Time
	EndsAt            time.Time
	Notes             string
}

func (r CreateAppointmentRequest) body() map[string]any {
	b := map[string]any{
		"patient_id":          r.PatientID,
		"practitioner_id":     r.PractitionerID,
		"appointment_type_id": r.AppointmentTypeID,
		"business_id":         r.BusinessID,
		"appointment_start":   r.StartsAt.UTC().Format(time.RFC3339),
		"appointment_end":     r.EndsAt.UTC().Format(time.RFC3339),
	}
	if r.Notes != "" {
		b["notes"] = r.Notes
	}
	return b
}

// page is the envelope shared by the PMS list endpoints; each endpoint
// populates its own key and pagination continues through links.next.
type page struct {
	Businesses       []Business        `json:"businesses"`
	Practitioners    []Practitioner    `json:"practitioners"`
	AppointmentTypes []AppointmentType `json:"appointment_types"`
	Patients         []Patient         `json:"patients"`
	Appointments     []Appointment     `json:"appointments"`
	AvailableTimes   []AvailableTime   `json:"available_times"`
	Links            pageLinks         `json:"links"`
}

type pageLinks struct {
	Next string `json:"next"`
}
