package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// ServiceMatch is a resolved service-name query, cached because callers
// repeat the same handful of phrasings ("botox", "the lip thing") and fuzzy
// matching the full service list is the slowest resolver step.
type ServiceMatch struct {
	ServiceID catalog.ServiceID `json:"service_id"`
	Name      string            `json:"service_name"`
	Score     float64           `json:"score"`
}

// ServiceMatch returns the cached resolution for a free-text service query
// and bumps its usage counter. Entries that stay under the usage floor are
// evicted by Cleanup.
func (s *Store) ServiceMatch(ctx context.Context, clinicID uuid.UUID, query string) (ServiceMatch, bool) {
	stmt := `
		UPDATE service_match_cache
		SET usage_count = usage_count + 1, last_used = NOW()
		WHERE cache_key = $1 AND expires_at > NOW()
		RETURNING match_data
	`
	var data []byte
	err := s.db.QueryRow(ctx, stmt, serviceMatchKey(clinicID, query)).Scan(&data)
	if err != nil {
		if err != pgx.ErrNoRows {
			s.logger.Warn("service match cache read failed", "error", err)
		}
		s.recordLookup(ctx, clinicID, "service_match", false)
		return ServiceMatch{}, false
	}

	var m ServiceMatch
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("service match cache entry corrupt", "error", err)
		s.recordLookup(ctx, clinicID, "service_match", false)
		return ServiceMatch{}, false
	}
	s.recordLookup(ctx, clinicID, "service_match", true)
	return m, true
}

// SetServiceMatch stores a resolved service query. Failures are logged and
// swallowed.
func (s *Store) SetServiceMatch(ctx context.Context, clinicID uuid.UUID, query string, m ServiceMatch) {
	if m.ServiceID == "" {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Warn("service match cache encode failed", "error", err)
		return
	}
	stmt := `
		INSERT INTO service_match_cache (cache_key, clinic_id, query_normalized, match_data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cache_key) DO UPDATE SET
			match_data = EXCLUDED.match_data,
			last_used = NOW(),
			expires_at = EXCLUDED.expires_at
	`
	expires := time.Now().UTC().Add(ServiceMatchTTL)
	if _, err := s.db.Exec(ctx, stmt, serviceMatchKey(clinicID, query), clinicID, normalizeQuery(query), data, expires); err != nil {
		s.logger.Warn("service match cache write failed", "error", err)
	}
}

func serviceMatchKey(clinicID uuid.UUID, query string) string {
	return clinicID.String() + ":" + normalizeQuery(query)
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
