// Package cache is the tiered persistent cache in front of the PMS:
// availability snapshots, per-caller booking context, patient identities and
// service-match results, all in Postgres so entries survive restarts and are
// shared across workers. Reads degrade to misses on error; writes are best
// effort. Only this package touches the cache tables.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Cache TTLs per tier. Warm entries written by the background warmer live
// longer than interactive ones because the incremental sync keeps them
// honest in between.
const (
	AvailabilityTTL     = 15 * time.Minute
	WarmAvailabilityTTL = 4 * time.Hour
	BookingContextTTL   = time.Hour
	PatientTTL          = 24 * time.Hour
	ServiceMatchTTL     = 7 * 24 * time.Hour

	// failedAttemptWindow is how long a PMS booking rejection suppresses
	// re-offering the same slot.
	failedAttemptWindow = 2 * time.Hour
)

// DB is the subset of pgxpool.Pool and pgx.Tx the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes every cache tier.
type Store struct {
	db      DB
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewStore creates the tiered cache over a pgx pool (or mock).
func NewStore(db DB, logger *logging.Logger, m *metrics.Metrics) *Store {
	if db == nil {
		panic("cache: db handle required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger, metrics: m}
}

// WithTx returns a store bound to the given transaction, so invalidation can
// join the transaction that writes an appointment.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx, logger: s.logger, metrics: s.metrics}
}

func (s *Store) recordLookup(ctx context.Context, clinicID uuid.UUID, tier string, hit bool) {
	s.metrics.ObserveCacheLookup(tier, hit)

	hits, misses := 0, 1
	if hit {
		hits, misses = 1, 0
	}
	query := `
		INSERT INTO cache_statistics (clinic_id, cache_type, stat_month, hits, misses)
		VALUES ($1, $2, date_trunc('month', NOW())::date, $3, $4)
		ON CONFLICT (clinic_id, cache_type, stat_month) DO UPDATE SET
			hits = cache_statistics.hits + EXCLUDED.hits,
			misses = cache_statistics.misses + EXCLUDED.misses
	`
	if _, err := s.db.Exec(ctx, query, clinicID, tier, hits, misses); err != nil {
		s.logger.Debug("cache stat write failed", "tier", tier, "error", err)
	}
}

func encodeSlots(slots []time.Time) ([]byte, error) {
	out := make([]string, 0, len(slots))
	seen := make(map[string]bool, len(slots))
	for _, t := range slots {
		s := t.UTC().Format(time.RFC3339)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return json.Marshal(out)
}

func decodeSlots(data []byte) ([]time.Time, error) {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cache: decode slots: %w", err)
	}
	slots := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("cache: decode slot %q: %w", s, err)
		}
		slots = append(slots, t.UTC())
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots, nil
}
