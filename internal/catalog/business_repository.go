package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// BusinessRepository reads clinic locations. It runs on database/sql (the
// stdlib view of the pgx pool) because the aliases column is a text[] that
// pq.Array handles.
type BusinessRepository struct {
	db *sql.DB
}

// NewBusinessRepository creates a location repository over the pool's
// database/sql handle.
func NewBusinessRepository(db *sql.DB) *BusinessRepository {
	if db == nil {
		panic("catalog: sql db handle required")
	}
	return &BusinessRepository{db: db}
}

// Businesses lists the clinic's locations, primary first then by name, which
// is the deterministic order "location one"/"location two" queries refer to.
func (r *BusinessRepository) Businesses(ctx context.Context, clinicID uuid.UUID) ([]Business, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT business_id, clinic_id, business_name, is_primary, aliases
		FROM businesses
		WHERE clinic_id = $1
		ORDER BY is_primary DESC, business_name`, clinicID.String())
	if err != nil {
		return nil, fmt.Errorf("catalog: list businesses: %w", err)
	}
	defer rows.Close()

	var out []Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// BusinessByID loads one location scoped to the clinic.
func (r *BusinessRepository) BusinessByID(ctx context.Context, clinicID uuid.UUID, id BusinessID) (*Business, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT business_id, clinic_id, business_name, is_primary, aliases
		FROM businesses
		WHERE clinic_id = $1 AND business_id = $2`, clinicID.String(), string(id))
	b, err := scanBusiness(row)
	if err == sql.ErrNoRows {
		return nil, ErrBusinessNotFound
	}
	return b, err
}

// PrimaryBusiness returns the clinic's primary location. Every clinic has
// exactly one (enforced by a partial unique index).
func (r *BusinessRepository) PrimaryBusiness(ctx context.Context, clinicID uuid.UUID) (*Business, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT business_id, clinic_id, business_name, is_primary, aliases
		FROM businesses
		WHERE clinic_id = $1 AND is_primary`, clinicID.String())
	b, err := scanBusiness(row)
	if err == sql.ErrNoRows {
		return nil, ErrBusinessNotFound
	}
	return b, err
}

// AddAlias appends a learned spoken name to a location unless already known.
func (r *BusinessRepository) AddAlias(ctx context.Context, clinicID uuid.UUID, id BusinessID, alias string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE businesses
		SET aliases = array_append(aliases, $3)
		WHERE clinic_id = $1 AND business_id = $2 AND NOT ($3 = ANY(aliases))`,
		clinicID.String(), string(id), alias)
	if err != nil {
		return fmt.Errorf("catalog: add business alias: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBusiness(row rowScanner) (*Business, error) {
	var (
		b        Business
		clinicID string
	)
	if err := row.Scan(&b.ID, &clinicID, &b.Name, &b.IsPrimary, pq.Array(&b.Aliases)); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("catalog: scan business: %w", err)
	}
	id, err := uuid.Parse(clinicID)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse clinic id: %w", err)
	}
	b.ClinicID = id
	return &b, nil
}
