package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// RecordFailedAttempt remembers that the PMS rejected a booking for this
// slot, so the slot is not offered again while the rejection is fresh.
func (s *Store) RecordFailedAttempt(ctx context.Context, clinicID uuid.UUID, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, start time.Time, reason string) error {
	query := `
		INSERT INTO failed_booking_attempts (clinic_id, practitioner_id, business_id, slot_start_utc, failure_reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (practitioner_id, business_id, slot_start_utc) DO UPDATE SET
			failure_reason = EXCLUDED.failure_reason,
			failed_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, clinicID, practitionerID, businessID, start.UTC(), reason); err != nil {
		return fmt.Errorf("cache: record failed attempt: %w", err)
	}
	return nil
}

// FailedSlots returns the slots of a clinic with a fresh booking rejection,
// keyed by catalog.SlotKey. Read errors degrade to an empty set.
func (s *Store) FailedSlots(ctx context.Context, clinicID uuid.UUID) map[string]struct{} {
	query := `
		SELECT practitioner_id, business_id, slot_start_utc
		FROM failed_booking_attempts
		WHERE clinic_id = $1 AND failed_at > $2
	`
	cutoff := time.Now().UTC().Add(-failedAttemptWindow)
	rows, err := s.db.Query(ctx, query, clinicID, cutoff)
	if err != nil {
		s.logger.Warn("failed attempts read failed", "error", err, "clinic_id", clinicID)
		return nil
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var (
			prac  catalog.PractitionerID
			biz   catalog.BusinessID
			start time.Time
		)
		if err := rows.Scan(&prac, &biz, &start); err != nil {
			s.logger.Warn("failed attempts scan failed", "error", err)
			return nil
		}
		out[catalog.SlotKey(prac, biz, start)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("failed attempts read failed", "error", err, "clinic_id", clinicID)
		return nil
	}
	return out
}
