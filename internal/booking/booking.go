// Package booking runs the create, cancel and reschedule protocols against
// the PMS. Creation holds a per-slot lock across the authoritative
// availability check and the PMS write, then mirrors the appointment locally
// in the same transaction that marks the availability cache stale, so a
// voice agent retrying a slow call can never double-book. Reschedule is
// create-then-cancel and never modifies in place.
package booking

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/pms"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Directory is the slice of the clinic entity graph the coordinator resolves
// against. A composite of the catalog repositories satisfies it.
type Directory interface {
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]catalog.Practitioner, error)
	PractitionerByID(ctx context.Context, clinicID uuid.UUID, id catalog.PractitionerID) (*catalog.Practitioner, error)
	PractitionerWorksAt(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID) (bool, error)
	ServicesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.Service, error)
	ServiceByID(ctx context.Context, clinicID uuid.UUID, id catalog.ServiceID) (*catalog.Service, error)
	BusinessByID(ctx context.Context, clinicID uuid.UUID, id catalog.BusinessID) (*catalog.Business, error)
	PatientByPhone(ctx context.Context, clinicID uuid.UUID, phone string) (*catalog.Patient, error)
	UpsertPatient(ctx context.Context, p catalog.Patient) error
	AppointmentByPMSID(ctx context.Context, clinicID uuid.UUID, pmsID catalog.AppointmentID) (*catalog.AppointmentDetail, error)
	UpcomingAppointmentsByPhone(ctx context.Context, clinicID uuid.UUID, phone string, from time.Time) ([]catalog.AppointmentDetail, error)
}

// Patients is the patient tier of the cache.
type Patients interface {
	Patient(ctx context.Context, clinicID uuid.UUID, phone string) (cache.CachedPatient, bool)
	SetPatient(ctx context.Context, clinicID uuid.UUID, phone string, p cache.CachedPatient)
}

// Slots is the availability tier the booking precheck reads and the failure
// paths invalidate.
type Slots interface {
	Availability(ctx context.Context, key cache.Key) ([]time.Time, bool)
	InvalidateAvailability(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, date timeloc.Date) error
	RecordFailedAttempt(ctx context.Context, clinicID uuid.UUID, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, start time.Time, reason string) error
}

// Locks serializes bookings per (practitioner, start).
type Locks interface {
	AcquireLock(ctx context.Context, practitionerID catalog.PractitionerID, start time.Time, sessionID string) error
	ReleaseLock(ctx context.Context, practitionerID catalog.PractitionerID, start time.Time, sessionID string) error
}

// Cancelled describes a PMS appointment whose cancellation must be mirrored
// locally. Practitioner, business and start may be unknown when the
// appointment was booked outside this system.
type Cancelled struct {
	AppointmentID  catalog.AppointmentID
	PractitionerID catalog.PractitionerID
	BusinessID     catalog.BusinessID
	StartsAt       time.Time
	CallerPhone    string
}

// Ledger persists booking outcomes locally. Each call is one atomic unit:
// the appointment mirror, the availability staleness mark and the voice
// audit row commit or roll back together.
type Ledger interface {
	BookingConfirmed(ctx context.Context, clinic catalog.Clinic, appt *catalog.Appointment, sessionID string) error
	BookingCancelled(ctx context.Context, clinic catalog.Clinic, c Cancelled, sessionID string) error
	RescheduleConfirmed(ctx context.Context, clinic catalog.Clinic, appt *catalog.Appointment, old Cancelled, oldCancelled bool, sessionID string) error
}

// PMS is the upstream surface the protocols call. *pms.Client satisfies it.
type PMS interface {
	FindPatient(ctx context.Context, phone string) (*pms.Patient, error)
	CreatePatient(ctx context.Context, req pms.CreatePatientRequest) (*pms.Patient, error)
	AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeloc.Date) ([]pms.AvailableTime, error)
	CreateAppointment(ctx context.Context, req pms.CreateAppointmentRequest) (*pms.Appointment, error)
	GetAppointment(ctx context.Context, id string) (*pms.Appointment, error)
	CancelAppointment(ctx context.Context, id string) error
}

// ClientFunc returns the PMS client for a clinic.
type ClientFunc func(clinic catalog.Clinic) PMS

// Coordinator runs the booking protocols for one process.
type Coordinator struct {
	directory Directory
	patients  Patients
	slots     Slots
	locks     Locks
	ledger    Ledger
	clients   ClientFunc
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewCoordinator creates the booking coordinator.
func NewCoordinator(directory Directory, patients Patients, slots Slots, locks Locks, ledger Ledger, clients ClientFunc, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	if directory == nil {
		panic("booking: directory cannot be nil")
	}
	if patients == nil {
		panic("booking: patient cache cannot be nil")
	}
	if slots == nil {
		panic("booking: slot cache cannot be nil")
	}
	if locks == nil {
		panic("booking: lock store cannot be nil")
	}
	if ledger == nil {
		panic("booking: ledger cannot be nil")
	}
	if clients == nil {
		panic("booking: client source cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		directory: directory,
		patients:  patients,
		slots:     slots,
		locks:     locks,
		ledger:    ledger,
		clients:   clients,
		logger:    logger,
		metrics:   m,
	}
}

// confirmationNumber derives the short reference spoken to the caller from
// the PMS appointment id.
func confirmationNumber(id catalog.AppointmentID) string {
	s := string(id)
	if len(s) > 6 {
		s = s[len(s)-6:]
	}
	return "APT-" + s
}

// splitPatientName splits a spoken full name into the first/last pair the
// PMS requires. A single name becomes the first name with a placeholder
// last name, matching how front desks enter walk-ins.
func splitPatientName(name string) (first, last string) {
	parts := strings.SplitN(strings.TrimSpace(name), " ", 2)
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		return parts[0], strings.TrimSpace(parts[1])
	}
	return parts[0], "Patient"
}
