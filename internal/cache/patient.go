package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// CachedPatient is the PMS identity stored against a caller's phone so a
// repeat booking needs no PMS patient search.
type CachedPatient struct {
	PatientID catalog.PatientID `json:"patient_id"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Email     string            `json:"email,omitempty"`
}

// Patient returns the cached PMS identity for a normalized phone at a clinic.
func (s *Store) Patient(ctx context.Context, clinicID uuid.UUID, phone string) (CachedPatient, bool) {
	query := `
		SELECT patient_data
		FROM patient_cache
		WHERE phone_normalized = $1 AND clinic_id = $2 AND expires_at > NOW()
	`
	var data []byte
	err := s.db.QueryRow(ctx, query, phone, clinicID).Scan(&data)
	if err != nil {
		if err != pgx.ErrNoRows {
			s.logger.Warn("patient cache read failed", "error", err)
		}
		s.recordLookup(ctx, clinicID, "patient", false)
		return CachedPatient{}, false
	}

	var p CachedPatient
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("patient cache entry corrupt", "error", err)
		s.recordLookup(ctx, clinicID, "patient", false)
		return CachedPatient{}, false
	}
	s.recordLookup(ctx, clinicID, "patient", true)
	return p, true
}

// SetPatient stores a PMS identity against the caller's phone. Failures are
// logged and swallowed.
func (s *Store) SetPatient(ctx context.Context, clinicID uuid.UUID, phone string, p CachedPatient) {
	if phone == "" || p.PatientID == "" {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn("patient cache encode failed", "error", err)
		return
	}
	query := `
		INSERT INTO patient_cache (phone_normalized, clinic_id, patient_data, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone_normalized, clinic_id) DO UPDATE SET
			patient_data = EXCLUDED.patient_data,
			cached_at = NOW(),
			expires_at = EXCLUDED.expires_at
	`
	expires := time.Now().UTC().Add(PatientTTL)
	if _, err := s.db.Exec(ctx, query, phone, clinicID, data, expires); err != nil {
		s.logger.Warn("patient cache write failed", "error", err)
	}
}
