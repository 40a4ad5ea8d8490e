package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// BookingContext is what the platform remembers about a caller between
// webhook calls and between calls: where they usually book, who they saw
// last, and what they searched for most recently. Every field is optional;
// empty fields are dropped on write so saves merge instead of clobbering.
type BookingContext struct {
	PreferredBusinessID   catalog.BusinessID     `json:"preferred_business_id,omitempty"`
	PreferredBusinessName string                 `json:"preferred_business_name,omitempty"`
	LastPractitionerID    catalog.PractitionerID `json:"last_practitioner_id,omitempty"`
	LastPractitionerName  string                 `json:"last_practitioner_name,omitempty"`
	LastServiceID         catalog.ServiceID      `json:"last_service_id,omitempty"`
	LastServiceName       string                 `json:"last_service_name,omitempty"`
	LastSearchDate        string                 `json:"last_search_date,omitempty"`
	PatientID             catalog.PatientID      `json:"patient_id,omitempty"`
	PatientName           string                 `json:"patient_name,omitempty"`
}

// IsZero reports whether the context carries nothing worth saving.
func (c BookingContext) IsZero() bool { return c == BookingContext{} }

// BookingContext returns the remembered context for a caller and bumps its
// hit counter. The phone must already be normalized.
func (s *Store) BookingContext(ctx context.Context, clinicID uuid.UUID, phone string) (BookingContext, bool) {
	query := `
		UPDATE booking_context
		SET hit_count = hit_count + 1, last_accessed = NOW()
		WHERE phone_normalized = $1 AND expires_at > NOW()
		RETURNING context_data
	`
	var data []byte
	err := s.db.QueryRow(ctx, query, phone).Scan(&data)
	if err != nil {
		if err != pgx.ErrNoRows {
			s.logger.Warn("booking context read failed", "error", err)
		}
		s.recordLookup(ctx, clinicID, "booking_context", false)
		return BookingContext{}, false
	}

	var bc BookingContext
	if err := json.Unmarshal(data, &bc); err != nil {
		s.logger.Warn("booking context entry corrupt", "error", err)
		s.recordLookup(ctx, clinicID, "booking_context", false)
		return BookingContext{}, false
	}
	s.recordLookup(ctx, clinicID, "booking_context", true)
	return bc, true
}

// SaveBookingContext merges the non-empty fields of patch into the caller's
// stored context and refreshes its TTL. Expired rows are replaced outright.
// Failures are logged and swallowed.
func (s *Store) SaveBookingContext(ctx context.Context, clinicID uuid.UUID, phone string, patch BookingContext) {
	if phone == "" || patch.IsZero() {
		return
	}
	data, err := json.Marshal(patch)
	if err != nil {
		s.logger.Warn("booking context encode failed", "error", err)
		return
	}
	query := `
		INSERT INTO booking_context (phone_normalized, clinic_id, context_data, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone_normalized) DO UPDATE SET
			clinic_id = EXCLUDED.clinic_id,
			context_data = CASE
				WHEN booking_context.expires_at > NOW()
					THEN booking_context.context_data || EXCLUDED.context_data
				ELSE EXCLUDED.context_data
			END,
			last_accessed = NOW(),
			expires_at = EXCLUDED.expires_at
	`
	expires := time.Now().UTC().Add(BookingContextTTL)
	if _, err := s.db.Exec(ctx, query, phone, clinicID, data, expires); err != nil {
		s.logger.Warn("booking context write failed", "error", err)
	}
}
