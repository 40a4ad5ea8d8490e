package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// runningWindow bounds how long an unfinished row blocks other syncs, so a
// crashed run cannot wedge its clinic.
const runningWindow = 5 * time.Minute

// DB is the subset of pgxpool.Pool the warmup log needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Run is one recorded sync run.
type Run struct {
	ID            int64
	ClinicID      uuid.UUID
	Type          string
	Practitioners int
	SlotsCached   int
	Duration      time.Duration
	Success       *bool // nil while the run is still going
	Error         string
	CreatedAt     time.Time
}

// RunOutcome finalizes a started run.
type RunOutcome struct {
	Practitioners int
	SlotsCached   int
	Duration      time.Duration
	Success       bool
	Error         string
}

// WarmupLog persists sync runs in cache_warmup_log.
type WarmupLog struct {
	db DB
}

// NewWarmupLog creates the sync run log.
func NewWarmupLog(db DB) *WarmupLog {
	if db == nil {
		panic("refresh: db handle required")
	}
	return &WarmupLog{db: db}
}

// Running reports whether a sync for the clinic started recently and has not
// finished.
func (l *WarmupLog) Running(ctx context.Context, clinicID uuid.UUID) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM cache_warmup_log
		WHERE clinic_id = $1
		  AND success IS NULL
		  AND created_at > $2
	`
	var count int64
	cutoff := time.Now().UTC().Add(-runningWindow)
	if err := l.db.QueryRow(ctx, query, clinicID, cutoff).Scan(&count); err != nil {
		return false, fmt.Errorf("refresh: read running syncs: %w", err)
	}
	return count > 0, nil
}

// Started inserts the unfinished row that marks a sync in flight and returns
// its id.
func (l *WarmupLog) Started(ctx context.Context, clinicID uuid.UUID, syncType string) (int64, error) {
	query := `
		INSERT INTO cache_warmup_log (clinic_id, warmup_type)
		VALUES ($1, $2)
		RETURNING id
	`
	var id int64
	if err := l.db.QueryRow(ctx, query, clinicID, syncType).Scan(&id); err != nil {
		return 0, fmt.Errorf("refresh: record sync start: %w", err)
	}
	return id, nil
}

// Completed fills in the row Started created.
func (l *WarmupLog) Completed(ctx context.Context, id int64, outcome RunOutcome) error {
	query := `
		UPDATE cache_warmup_log
		SET practitioners_warmed = $2,
		    total_slots_cached = $3,
		    duration_ms = $4,
		    success = $5,
		    error_message = NULLIF($6, '')
		WHERE id = $1
	`
	_, err := l.db.Exec(ctx, query, id,
		outcome.Practitioners, outcome.SlotsCached, outcome.Duration.Milliseconds(),
		outcome.Success, outcome.Error)
	if err != nil {
		return fmt.Errorf("refresh: record sync completion: %w", err)
	}
	return nil
}

// LastSuccess returns the most recent successful run, or nil when the clinic
// has never completed a sync.
func (l *WarmupLog) LastSuccess(ctx context.Context, clinicID uuid.UUID) (*Run, error) {
	query := runSelect + `
		WHERE clinic_id = $1 AND success
		ORDER BY created_at DESC
		LIMIT 1
	`
	rows, err := l.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("refresh: read last sync: %w", err)
	}
	defer rows.Close()

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Recent lists the latest runs for a clinic, newest first, unfinished ones
// included.
func (l *WarmupLog) Recent(ctx context.Context, clinicID uuid.UUID, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := runSelect + `
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := l.db.Query(ctx, query, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("refresh: list sync runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

const runSelect = `
	SELECT id, clinic_id, warmup_type,
	       COALESCE(practitioners_warmed, 0),
	       COALESCE(total_slots_cached, 0),
	       COALESCE(duration_ms, 0),
	       success,
	       COALESCE(error_message, ''),
	       created_at
	FROM cache_warmup_log
`

func collectRuns(rows pgx.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var (
			r          Run
			cid        pgtype.UUID
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &cid, &r.Type, &r.Practitioners, &r.SlotsCached, &durationMS, &r.Success, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("refresh: scan sync run: %w", err)
		}
		if cid.Valid {
			r.ClinicID = uuid.UUID(cid.Bytes)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
