package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of pgxpool.Pool and pgx.Tx the repository needs, so the
// same queries run inside and outside transactions (and against pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads and writes the clinic entity graph.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool (or mock).
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("catalog: db handle required")
	}
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// ClinicByDialedNumber resolves the tenant for an inbound call. The dialed
// number is normalized before lookup; inactive clinics are invisible.
func (r *Repository) ClinicByDialedNumber(ctx context.Context, dialed string) (*Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, phone_number, pms_api_key, pms_shard, timezone, active
		FROM clinics
		WHERE phone_number = $1 AND active
	`
	return r.scanClinic(r.db.QueryRow(ctx, query, NormalizePhone(dialed)))
}

// ClinicByID loads one clinic regardless of active flag.
func (r *Repository) ClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, phone_number, pms_api_key, pms_shard, timezone, active
		FROM clinics
		WHERE clinic_id = $1
	`
	return r.scanClinic(r.db.QueryRow(ctx, query, id))
}

// ActiveClinics lists every clinic the background refresher should keep warm.
func (r *Repository) ActiveClinics(ctx context.Context) ([]Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, phone_number, pms_api_key, pms_shard, timezone, active
		FROM clinics
		WHERE active
		ORDER BY clinic_name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: list clinics: %w", err)
	}
	defer rows.Close()

	var out []Clinic
	for rows.Next() {
		var (
			c  Clinic
			id pgtype.UUID
		)
		if err := rows.Scan(&id, &c.Name, &c.PhoneNumber, &c.PMSAPIKey, &c.PMSShard, &c.Timezone, &c.Active); err != nil {
			return nil, fmt.Errorf("catalog: scan clinic: %w", err)
		}
		c.ID = fromPGUUID(id)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) scanClinic(row pgx.Row) (*Clinic, error) {
	var (
		c  Clinic
		id pgtype.UUID
	)
	if err := row.Scan(&id, &c.Name, &c.PhoneNumber, &c.PMSAPIKey, &c.PMSShard, &c.Timezone, &c.Active); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClinicNotFound
		}
		return nil, fmt.Errorf("catalog: select clinic: %w", err)
	}
	c.ID = fromPGUUID(id)
	return &c, nil
}

// Practitioners lists the clinic's active practitioners.
func (r *Repository) Practitioners(ctx context.Context, clinicID uuid.UUID) ([]Practitioner, error) {
	query := `
		SELECT practitioner_id, clinic_id, first_name, last_name, title, active
		FROM practitioners
		WHERE clinic_id = $1 AND active
		ORDER BY last_name, first_name
	`
	rows, err := r.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list practitioners: %w", err)
	}
	defer rows.Close()
	return collectPractitioners(rows)
}

// PractitionerByID loads one practitioner scoped to the clinic.
func (r *Repository) PractitionerByID(ctx context.Context, clinicID uuid.UUID, id PractitionerID) (*Practitioner, error) {
	query := `
		SELECT practitioner_id, clinic_id, first_name, last_name, title, active
		FROM practitioners
		WHERE clinic_id = $1 AND practitioner_id = $2
	`
	var (
		p   Practitioner
		cid pgtype.UUID
	)
	err := r.db.QueryRow(ctx, query, clinicID, id).Scan(&p.ID, &cid, &p.FirstName, &p.LastName, &p.Title, &p.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("catalog: practitioner %s: not found", id)
		}
		return nil, fmt.Errorf("catalog: select practitioner: %w", err)
	}
	p.ClinicID = fromPGUUID(cid)
	return &p, nil
}

// PractitionersAtBusiness lists active practitioners assigned to a location.
func (r *Repository) PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID BusinessID) ([]Practitioner, error) {
	query := `
		SELECT p.practitioner_id, p.clinic_id, p.first_name, p.last_name, p.title, p.active
		FROM practitioners p
		JOIN practitioner_businesses pb ON pb.practitioner_id = p.practitioner_id
		WHERE p.clinic_id = $1 AND pb.business_id = $2 AND p.active
		ORDER BY p.last_name, p.first_name
	`
	rows, err := r.db.Query(ctx, query, clinicID, businessID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list business practitioners: %w", err)
	}
	defer rows.Close()
	return collectPractitioners(rows)
}

// PractitionerSummariesAtBusiness lists active practitioners at a location
// together with how many services each offers.
func (r *Repository) PractitionerSummariesAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID BusinessID) ([]PractitionerSummary, error) {
	query := `
		SELECT p.practitioner_id, p.clinic_id, p.first_name, p.last_name, p.title, p.active,
		       COUNT(pat.appointment_type_id) AS service_count
		FROM practitioners p
		JOIN practitioner_businesses pb ON pb.practitioner_id = p.practitioner_id
		LEFT JOIN practitioner_appointment_types pat ON pat.practitioner_id = p.practitioner_id
		WHERE p.clinic_id = $1 AND pb.business_id = $2 AND p.active
		GROUP BY p.practitioner_id, p.clinic_id, p.first_name, p.last_name, p.title, p.active
		ORDER BY p.last_name, p.first_name
	`
	rows, err := r.db.Query(ctx, query, clinicID, businessID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list practitioner summaries: %w", err)
	}
	defer rows.Close()

	var out []PractitionerSummary
	for rows.Next() {
		var (
			s   PractitionerSummary
			cid pgtype.UUID
		)
		if err := rows.Scan(&s.ID, &cid, &s.FirstName, &s.LastName, &s.Title, &s.Active, &s.ServiceCount); err != nil {
			return nil, fmt.Errorf("catalog: scan practitioner summary: %w", err)
		}
		s.ClinicID = fromPGUUID(cid)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PractitionerWorksAt reports whether the practitioner is assigned to the
// business at all (independent of weekday schedules).
func (r *Repository) PractitionerWorksAt(ctx context.Context, practitionerID PractitionerID, businessID BusinessID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM practitioner_businesses
			WHERE practitioner_id = $1 AND business_id = $2
		)
	`
	var ok bool
	if err := r.db.QueryRow(ctx, query, practitionerID, businessID).Scan(&ok); err != nil {
		return false, fmt.Errorf("catalog: check practitioner business: %w", err)
	}
	return ok, nil
}

// PractitionerBusiness is one fan-out unit for availability scans and cache
// warming.
type PractitionerBusiness struct {
	PractitionerID PractitionerID
	BusinessID     BusinessID
	Primary        bool
}

// PractitionerBusinessPairs lists every active (practitioner, business)
// assignment for a clinic, primary locations first so warmers reach the
// most-asked-about combinations before the budget runs out.
func (r *Repository) PractitionerBusinessPairs(ctx context.Context, clinicID uuid.UUID) ([]PractitionerBusiness, error) {
	query := `
		SELECT pb.practitioner_id, pb.business_id, b.is_primary
		FROM practitioner_businesses pb
		JOIN practitioners p ON p.practitioner_id = pb.practitioner_id
		JOIN businesses b ON b.business_id = pb.business_id
		WHERE p.clinic_id = $1 AND p.active
		ORDER BY b.is_primary DESC, pb.practitioner_id
	`
	rows, err := r.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list practitioner businesses: %w", err)
	}
	defer rows.Close()

	var out []PractitionerBusiness
	for rows.Next() {
		var pb PractitionerBusiness
		if err := rows.Scan(&pb.PractitionerID, &pb.BusinessID, &pb.Primary); err != nil {
			return nil, fmt.Errorf("catalog: scan practitioner business: %w", err)
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// BusinessesForPractitioner lists the business ids a practitioner is
// assigned to, in deterministic order.
func (r *Repository) BusinessesForPractitioner(ctx context.Context, practitionerID PractitionerID) ([]BusinessID, error) {
	query := `
		SELECT pb.business_id
		FROM practitioner_businesses pb
		JOIN businesses b ON b.business_id = pb.business_id
		WHERE pb.practitioner_id = $1
		ORDER BY b.is_primary DESC, b.business_name
	`
	rows, err := r.db.Query(ctx, query, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list practitioner locations: %w", err)
	}
	defer rows.Close()

	var out []BusinessID
	for rows.Next() {
		var id BusinessID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: scan business id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Services lists the clinic's active appointment types.
func (r *Repository) Services(ctx context.Context, clinicID uuid.UUID) ([]Service, error) {
	query := `
		SELECT appointment_type_id, clinic_id, name, duration_minutes, active
		FROM appointment_types
		WHERE clinic_id = $1 AND active
		ORDER BY name
	`
	rows, err := r.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list services: %w", err)
	}
	defer rows.Close()
	return collectServices(rows)
}

// ServiceByID loads one appointment type scoped to the clinic.
func (r *Repository) ServiceByID(ctx context.Context, clinicID uuid.UUID, id ServiceID) (*Service, error) {
	query := `
		SELECT appointment_type_id, clinic_id, name, duration_minutes, active
		FROM appointment_types
		WHERE clinic_id = $1 AND appointment_type_id = $2
	`
	var (
		s   Service
		cid pgtype.UUID
	)
	err := r.db.QueryRow(ctx, query, clinicID, id).Scan(&s.ID, &cid, &s.Name, &s.DurationMinutes, &s.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("catalog: service %s: not found", id)
		}
		return nil, fmt.Errorf("catalog: select service: %w", err)
	}
	s.ClinicID = fromPGUUID(cid)
	return &s, nil
}

// ServicesForPractitioner lists the appointment types a practitioner offers.
func (r *Repository) ServicesForPractitioner(ctx context.Context, practitionerID PractitionerID) ([]Service, error) {
	query := `
		SELECT t.appointment_type_id, t.clinic_id, t.name, t.duration_minutes, t.active
		FROM appointment_types t
		JOIN practitioner_appointment_types pat ON pat.appointment_type_id = t.appointment_type_id
		WHERE pat.practitioner_id = $1 AND t.active
		ORDER BY t.name
	`
	rows, err := r.db.Query(ctx, query, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list practitioner services: %w", err)
	}
	defer rows.Close()
	return collectServices(rows)
}

// PractitionersForService lists active practitioners who offer the service,
// for service-first availability searches.
func (r *Repository) PractitionersForService(ctx context.Context, clinicID uuid.UUID, serviceID ServiceID) ([]Practitioner, error) {
	query := `
		SELECT p.practitioner_id, p.clinic_id, p.first_name, p.last_name, p.title, p.active
		FROM practitioners p
		JOIN practitioner_appointment_types pat ON pat.practitioner_id = p.practitioner_id
		WHERE p.clinic_id = $1 AND pat.appointment_type_id = $2 AND p.active
		ORDER BY p.last_name, p.first_name
	`
	rows, err := r.db.Query(ctx, query, clinicID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list service practitioners: %w", err)
	}
	defer rows.Close()
	return collectPractitioners(rows)
}

// WorkingWeekdays returns the weekdays a practitioner works at a business.
// An empty map means no schedule rows exist: callers must treat every day
// as potentially working and leave pruning to the PMS.
func (r *Repository) WorkingWeekdays(ctx context.Context, practitionerID PractitionerID, businessID BusinessID) (map[time.Weekday]bool, error) {
	query := `
		SELECT DISTINCT day_of_week
		FROM practitioner_schedules
		WHERE practitioner_id = $1 AND business_id = $2
	`
	rows, err := r.db.Query(ctx, query, practitionerID, businessID)
	if err != nil {
		return nil, fmt.Errorf("catalog: load schedule: %w", err)
	}
	defer rows.Close()

	days := make(map[time.Weekday]bool)
	for rows.Next() {
		var dow int
		if err := rows.Scan(&dow); err != nil {
			return nil, fmt.Errorf("catalog: scan schedule: %w", err)
		}
		days[time.Weekday(dow)] = true
	}
	return days, rows.Err()
}

// PatientByPhone looks up a locally mirrored patient by normalized phone.
func (r *Repository) PatientByPhone(ctx context.Context, clinicID uuid.UUID, phone string) (*Patient, error) {
	query := `
		SELECT patient_id, clinic_id, phone_normalized, first_name, last_name, COALESCE(email, '')
		FROM patients
		WHERE clinic_id = $1 AND phone_normalized = $2
	`
	var (
		p   Patient
		cid pgtype.UUID
	)
	err := r.db.QueryRow(ctx, query, clinicID, NormalizePhone(phone)).Scan(
		&p.ID, &cid, &p.Phone, &p.FirstName, &p.LastName, &p.Email,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("catalog: select patient: %w", err)
	}
	p.ClinicID = fromPGUUID(cid)
	return &p, nil
}

// UpsertPatient writes the local patient mirror, replacing the PMS id and
// profile when the phone number is already known.
func (r *Repository) UpsertPatient(ctx context.Context, p Patient) error {
	query := `
		INSERT INTO patients (patient_id, clinic_id, phone_normalized, first_name, last_name, email)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (clinic_id, phone_normalized) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = COALESCE(EXCLUDED.email, patients.email),
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, p.ID, p.ClinicID, NormalizePhone(p.Phone), p.FirstName, p.LastName, p.Email); err != nil {
		return fmt.Errorf("catalog: upsert patient: %w", err)
	}
	return nil
}

// InsertAppointment mirrors a PMS appointment locally. Run inside the same
// transaction that marks the availability cache stale.
func (r *Repository) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusBooked
	}
	query := `
		INSERT INTO appointments (
			id, clinic_id, pms_appointment_id, patient_id, practitioner_id,
			appointment_type_id, business_id, starts_at, ends_at, status, caller_phone
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pms_appointment_id) DO UPDATE SET
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		a.ID,
		a.ClinicID,
		a.PMSID,
		a.PatientID,
		a.PractitionerID,
		a.ServiceID,
		a.BusinessID,
		a.StartsAt.UTC(),
		a.EndsAt.UTC(),
		a.Status,
		NormalizePhone(a.CallerPhone),
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: insert appointment: %w", err)
	}
	return nil
}

// UpdateAppointmentStatus moves the local mirror to a new status. Missing
// rows are not an error: the PMS may hold appointments booked elsewhere.
func (r *Repository) UpdateAppointmentStatus(ctx context.Context, clinicID uuid.UUID, pmsID AppointmentID, status string) error {
	query := `
		UPDATE appointments
		SET status = $3, updated_at = NOW()
		WHERE clinic_id = $1 AND pms_appointment_id = $2
	`
	if _, err := r.db.Exec(ctx, query, clinicID, pmsID, status); err != nil {
		return fmt.Errorf("catalog: update appointment status: %w", err)
	}
	return nil
}

// AppointmentDetail decorates an appointment with the names callers speak.
type AppointmentDetail struct {
	Appointment
	PractitionerName string
	ServiceName      string
	BusinessName     string
}

// AppointmentByPMSID loads one locally mirrored appointment with names.
func (r *Repository) AppointmentByPMSID(ctx context.Context, clinicID uuid.UUID, pmsID AppointmentID) (*AppointmentDetail, error) {
	query := appointmentDetailSelect + `
		WHERE a.clinic_id = $1 AND a.pms_appointment_id = $2
	`
	rows, err := r.db.Query(ctx, query, clinicID, pmsID)
	if err != nil {
		return nil, fmt.Errorf("catalog: select appointment: %w", err)
	}
	defer rows.Close()

	details, err := collectAppointmentDetails(rows)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, ErrAppointmentNotFound
	}
	return &details[0], nil
}

// UpcomingAppointmentsByPhone lists booked appointments for a caller from
// the given instant onward, soonest first, for cancel/reschedule lookup by
// description.
func (r *Repository) UpcomingAppointmentsByPhone(ctx context.Context, clinicID uuid.UUID, phone string, from time.Time) ([]AppointmentDetail, error) {
	query := appointmentDetailSelect + `
		WHERE a.clinic_id = $1 AND a.caller_phone = $2
		  AND a.starts_at >= $3 AND a.status IN ('booked', 'confirmed')
		ORDER BY a.starts_at
	`
	rows, err := r.db.Query(ctx, query, clinicID, NormalizePhone(phone), from.UTC())
	if err != nil {
		return nil, fmt.Errorf("catalog: list upcoming appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointmentDetails(rows)
}

const appointmentDetailSelect = `
		SELECT a.id, a.clinic_id, a.pms_appointment_id, a.patient_id, a.practitioner_id,
		       a.appointment_type_id, a.business_id, a.starts_at, a.ends_at, a.status,
		       a.caller_phone, a.created_at, a.updated_at,
		       COALESCE(TRIM(CONCAT(p.first_name, ' ', p.last_name)), ''),
		       COALESCE(t.name, ''),
		       COALESCE(b.business_name, '')
		FROM appointments a
		LEFT JOIN practitioners p ON p.practitioner_id = a.practitioner_id
		LEFT JOIN appointment_types t ON t.appointment_type_id = a.appointment_type_id
		LEFT JOIN businesses b ON b.business_id = a.business_id
`

func collectAppointmentDetails(rows pgx.Rows) ([]AppointmentDetail, error) {
	var out []AppointmentDetail
	for rows.Next() {
		var (
			d       AppointmentDetail
			id, cid pgtype.UUID
		)
		if err := rows.Scan(
			&id, &cid, &d.PMSID, &d.PatientID, &d.PractitionerID,
			&d.ServiceID, &d.BusinessID, &d.StartsAt, &d.EndsAt, &d.Status,
			&d.CallerPhone, &d.CreatedAt, &d.UpdatedAt,
			&d.PractitionerName, &d.ServiceName, &d.BusinessName,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan appointment: %w", err)
		}
		d.ID = fromPGUUID(id)
		d.ClinicID = fromPGUUID(cid)
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectPractitioners(rows pgx.Rows) ([]Practitioner, error) {
	var out []Practitioner
	for rows.Next() {
		var (
			p   Practitioner
			cid pgtype.UUID
		)
		if err := rows.Scan(&p.ID, &cid, &p.FirstName, &p.LastName, &p.Title, &p.Active); err != nil {
			return nil, fmt.Errorf("catalog: scan practitioner: %w", err)
		}
		p.ClinicID = fromPGUUID(cid)
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectServices(rows pgx.Rows) ([]Service, error) {
	var out []Service
	for rows.Next() {
		var (
			s   Service
			cid pgtype.UUID
		)
		if err := rows.Scan(&s.ID, &cid, &s.Name, &s.DurationMinutes, &s.Active); err != nil {
			return nil, fmt.Errorf("catalog: scan service: %w", err)
		}
		s.ClinicID = fromPGUUID(cid)
		out = append(out, s)
	}
	return out, rows.Err()
}

func fromPGUUID(v pgtype.UUID) uuid.UUID {
	if !v.Valid {
		return uuid.Nil
	}
	return uuid.UUID(v.Bytes)
}
