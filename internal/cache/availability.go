package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

// Key addresses one availability cache entry.
type Key struct {
	ClinicID       uuid.UUID
	PractitionerID catalog.PractitionerID
	BusinessID     catalog.BusinessID
	Date           timeloc.Date
}

// Availability returns the cached slot starts for a key. The second return
// distinguishes a cached empty day (true, no slots) from a miss. Read errors
// degrade to a miss.
func (s *Store) Availability(ctx context.Context, key Key) ([]time.Time, bool) {
	query := `
		SELECT available_slots
		FROM availability_cache
		WHERE practitioner_id = $1
		  AND business_id = $2
		  AND date = $3
		  AND expires_at > NOW()
		  AND NOT is_stale
	`
	var data []byte
	err := s.db.QueryRow(ctx, query, key.PractitionerID, key.BusinessID, key.Date.String()).Scan(&data)
	if err != nil {
		if err != pgx.ErrNoRows {
			s.logger.Warn("availability cache read failed", "error", err,
				"practitioner_id", key.PractitionerID, "business_id", key.BusinessID, "date", key.Date.String())
		}
		s.recordLookup(ctx, key.ClinicID, "availability", false)
		return nil, false
	}

	slots, err := decodeSlots(data)
	if err != nil {
		s.logger.Warn("availability cache entry corrupt", "error", err, "date", key.Date.String())
		s.recordLookup(ctx, key.ClinicID, "availability", false)
		return nil, false
	}
	s.recordLookup(ctx, key.ClinicID, "availability", true)
	return slots, true
}

// AvailabilityRange batch-reads the valid entries between from and to
// inclusive, returning only the dates present and non-stale.
func (s *Store) AvailabilityRange(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, from, to timeloc.Date) map[timeloc.Date][]time.Time {
	query := `
		SELECT date, available_slots
		FROM availability_cache
		WHERE practitioner_id = $1
		  AND business_id = $2
		  AND date BETWEEN $3 AND $4
		  AND expires_at > NOW()
		  AND NOT is_stale
		ORDER BY date
	`
	rows, err := s.db.Query(ctx, query, practitionerID, businessID, from.String(), to.String())
	if err != nil {
		s.logger.Warn("availability cache range read failed", "error", err,
			"practitioner_id", practitionerID, "business_id", businessID)
		return nil
	}
	defer rows.Close()

	out := make(map[timeloc.Date][]time.Time)
	for rows.Next() {
		var (
			day  time.Time
			data []byte
		)
		if err := rows.Scan(&day, &data); err != nil {
			s.logger.Warn("availability cache range scan failed", "error", err)
			return nil
		}
		slots, err := decodeSlots(data)
		if err != nil {
			s.logger.Warn("availability cache entry corrupt", "error", err, "date", day.Format("2006-01-02"))
			continue
		}
		out[timeloc.DateOf(day, time.UTC)] = slots
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("availability cache range read failed", "error", err)
		return nil
	}
	return out
}

// SetAvailability upserts one entry and clears its stale flag. A zero ttl
// means the default interactive TTL. Write failures are logged and swallowed.
func (s *Store) SetAvailability(ctx context.Context, key Key, slots []time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = AvailabilityTTL
	}
	data, err := encodeSlots(slots)
	if err != nil {
		s.logger.Warn("availability cache encode failed", "error", err)
		return
	}
	query := `
		INSERT INTO availability_cache (clinic_id, practitioner_id, business_id, date, available_slots, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (practitioner_id, business_id, date) DO UPDATE SET
			available_slots = EXCLUDED.available_slots,
			cached_at = NOW(),
			expires_at = EXCLUDED.expires_at,
			is_stale = FALSE
	`
	expires := time.Now().UTC().Add(ttl)
	if _, err := s.db.Exec(ctx, query, key.ClinicID, key.PractitionerID, key.BusinessID, key.Date.String(), data, expires); err != nil {
		s.logger.Warn("availability cache write failed", "error", err,
			"practitioner_id", key.PractitionerID, "business_id", key.BusinessID, "date", key.Date.String())
	}
}

// InvalidateAvailability marks one (practitioner, business, date) entry
// stale. Unlike plain cache writes this can participate in the booking
// transaction, so the error is returned.
func (s *Store) InvalidateAvailability(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID, date timeloc.Date) error {
	query := `
		UPDATE availability_cache
		SET is_stale = TRUE
		WHERE practitioner_id = $1 AND business_id = $2 AND date = $3
	`
	if _, err := s.db.Exec(ctx, query, practitionerID, businessID, date.String()); err != nil {
		return fmt.Errorf("cache: invalidate availability: %w", err)
	}
	return nil
}

// InvalidateClinic marks every availability entry of a clinic stale.
func (s *Store) InvalidateClinic(ctx context.Context, clinicID uuid.UUID) error {
	query := `
		UPDATE availability_cache
		SET is_stale = TRUE
		WHERE clinic_id = $1
	`
	if _, err := s.db.Exec(ctx, query, clinicID); err != nil {
		return fmt.Errorf("cache: invalidate clinic: %w", err)
	}
	return nil
}

// LastCachedAt reports the newest availability write for a clinic, used to
// decide whether a background refresh is due.
func (s *Store) LastCachedAt(ctx context.Context, clinicID uuid.UUID) (time.Time, bool) {
	query := `
		SELECT MAX(cached_at) FROM availability_cache WHERE clinic_id = $1
	`
	var ts pgtype.Timestamptz
	if err := s.db.QueryRow(ctx, query, clinicID).Scan(&ts); err != nil {
		s.logger.Warn("availability cache freshness read failed", "error", err, "clinic_id", clinicID)
		return time.Time{}, false
	}
	if !ts.Valid {
		return time.Time{}, false
	}
	return ts.Time.UTC(), true
}
