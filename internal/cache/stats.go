package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Retention windows for Cleanup. Stale availability rows are kept for a day
// so sync jobs can see what was invalidated; expired rows linger an hour in
// case a reader races the expiry.
const (
	staleRetention   = 24 * time.Hour
	expiredRetention = time.Hour

	// serviceMatchMinUsage is the usage floor below which a service-match
	// entry older than its TTL window is evicted even if not yet expired.
	serviceMatchMinUsage = 3
)

// TierStats is one cache tier's hit/miss tally for the current month.
type TierStats struct {
	Hits   int64
	Misses int64
}

// HitRate returns hits over total lookups, 0 when the tier is unused.
func (t TierStats) HitRate() float64 {
	total := t.Hits + t.Misses
	if total == 0 {
		return 0
	}
	return float64(t.Hits) / float64(total)
}

// Stats returns the current month's per-tier hit/miss tallies for a clinic.
func (s *Store) Stats(ctx context.Context, clinicID uuid.UUID) (map[string]TierStats, error) {
	query := `
		SELECT cache_type, hits, misses
		FROM cache_statistics
		WHERE clinic_id = $1 AND stat_month = date_trunc('month', NOW())::date
	`
	rows, err := s.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("cache: read statistics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TierStats)
	for rows.Next() {
		var (
			tier string
			ts   TierStats
		)
		if err := rows.Scan(&tier, &ts.Hits, &ts.Misses); err != nil {
			return nil, fmt.Errorf("cache: scan statistics: %w", err)
		}
		out[tier] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: read statistics: %w", err)
	}
	return out, nil
}

// CleanupReport counts the rows removed by one Cleanup pass.
type CleanupReport struct {
	StaleAvailability   int64
	ExpiredAvailability int64
	BookingContexts     int64
	Patients            int64
	ServiceMatches      int64
	FailedAttempts      int64
}

// Total returns the number of rows removed across all tiers.
func (r CleanupReport) Total() int64 {
	return r.StaleAvailability + r.ExpiredAvailability + r.BookingContexts +
		r.Patients + r.ServiceMatches + r.FailedAttempts
}

// Cleanup deletes rows no reader can use anymore: stale availability past
// the stale retention, expired rows past the expiry grace period, expired
// contexts and patients, service matches that never earned their keep, and
// failed attempts outside the suppression window.
func (s *Store) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := time.Now().UTC()
	var report CleanupReport

	steps := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{
			&report.StaleAvailability,
			`DELETE FROM availability_cache WHERE is_stale AND cached_at < $1`,
			[]any{now.Add(-staleRetention)},
		},
		{
			&report.ExpiredAvailability,
			`DELETE FROM availability_cache WHERE expires_at < $1`,
			[]any{now.Add(-expiredRetention)},
		},
		{
			&report.BookingContexts,
			`DELETE FROM booking_context WHERE expires_at < $1`,
			[]any{now},
		},
		{
			&report.Patients,
			`DELETE FROM patient_cache WHERE expires_at < $1`,
			[]any{now},
		},
		{
			&report.ServiceMatches,
			`DELETE FROM service_match_cache WHERE expires_at < $1 OR (usage_count < $2 AND created_at < $3)`,
			[]any{now, serviceMatchMinUsage, now.Add(-ServiceMatchTTL)},
		},
		{
			&report.FailedAttempts,
			`DELETE FROM failed_booking_attempts WHERE failed_at < $1`,
			[]any{now.Add(-failedAttemptWindow)},
		},
	}

	for _, step := range steps {
		tag, err := s.db.Exec(ctx, step.query, step.args...)
		if err != nil {
			return report, fmt.Errorf("cache: cleanup: %w", err)
		}
		*step.dest = tag.RowsAffected()
	}

	s.logger.Info("cache cleanup finished",
		"stale_availability", report.StaleAvailability,
		"expired_availability", report.ExpiredAvailability,
		"booking_contexts", report.BookingContexts,
		"patients", report.Patients,
		"service_matches", report.ServiceMatches,
		"failed_attempts", report.FailedAttempts)
	return report, nil
}
