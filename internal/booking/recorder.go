package booking

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Beginner starts database transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Recorder is the Ledger implementation. Each outcome runs its writes in one
// transaction: the appointment mirror, the availability staleness mark and
// the voice audit row land together or not at all.
type Recorder struct {
	pool    Beginner
	catalog *catalog.Repository
	cache   *cache.Store
	logger  *logging.Logger
}

func NewRecorder(pool Beginner, cat *catalog.Repository, store *cache.Store, logger *logging.Logger) *Recorder {
	if pool == nil {
		panic("booking: NewRecorder: nil pool")
	}
	if cat == nil {
		panic("booking: NewRecorder: nil catalog repository")
	}
	if store == nil {
		panic("booking: NewRecorder: nil cache store")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{pool: pool, catalog: cat, cache: store, logger: logger}
}

// BookingConfirmed mirrors a fresh PMS appointment locally, marks the cached
// day stale and writes the audit row.
func (r *Recorder) BookingConfirmed(ctx context.Context, clinic catalog.Clinic, appt *catalog.Appointment, sessionID string) error {
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	return r.inTx(ctx, func(tx pgx.Tx) error {
		cat := r.catalog.WithTx(tx)
		if err := cat.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		if err := r.cache.WithTx(tx).InvalidateAvailability(ctx, appt.PractitionerID, appt.BusinessID, appt.Date(loc)); err != nil {
			return err
		}
		return cat.RecordVoiceBooking(ctx, catalog.VoiceBooking{
			AppointmentID: appt.PMSID,
			ClinicID:      clinic.ID,
			SessionID:     sessionID,
			CallerPhone:   appt.CallerPhone,
			Action:        catalog.VoiceActionBook,
			Status:        catalog.VoiceStatusCompleted,
		})
	})
}

// BookingCancelled marks the mirror row cancelled and frees the cached day.
// Practitioner, business or start may be unknown when the appointment was
// never mirrored; the staleness mark is skipped then.
func (r *Recorder) BookingCancelled(ctx context.Context, clinic catalog.Clinic, c Cancelled, sessionID string) error {
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	return r.inTx(ctx, func(tx pgx.Tx) error {
		cat := r.catalog.WithTx(tx)
		if err := cat.UpdateAppointmentStatus(ctx, clinic.ID, c.AppointmentID, catalog.StatusCancelled); err != nil {
			return err
		}
		if c.PractitionerID != "" && c.BusinessID != "" && !c.StartsAt.IsZero() {
			if err := r.cache.WithTx(tx).InvalidateAvailability(ctx, c.PractitionerID, c.BusinessID, timeloc.DateOf(c.StartsAt, loc)); err != nil {
				return err
			}
		}
		return cat.RecordVoiceBooking(ctx, catalog.VoiceBooking{
			AppointmentID: c.AppointmentID,
			ClinicID:      clinic.ID,
			SessionID:     sessionID,
			CallerPhone:   c.CallerPhone,
			Action:        catalog.VoiceActionCancel,
			Status:        catalog.VoiceStatusCompleted,
		})
	})
}

// RescheduleConfirmed records both halves of a move: the new appointment and,
// when the PMS delete went through, the old one's cancellation.
func (r *Recorder) RescheduleConfirmed(ctx context.Context, clinic catalog.Clinic, appt *catalog.Appointment, old Cancelled, oldCancelled bool, sessionID string) error {
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)
	return r.inTx(ctx, func(tx pgx.Tx) error {
		cat := r.catalog.WithTx(tx)
		store := r.cache.WithTx(tx)
		if err := cat.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		if err := store.InvalidateAvailability(ctx, appt.PractitionerID, appt.BusinessID, appt.Date(loc)); err != nil {
			return err
		}
		if oldCancelled {
			if err := cat.UpdateAppointmentStatus(ctx, clinic.ID, old.AppointmentID, catalog.StatusCancelled); err != nil {
				return err
			}
			if old.PractitionerID != "" && old.BusinessID != "" && !old.StartsAt.IsZero() {
				if err := store.InvalidateAvailability(ctx, old.PractitionerID, old.BusinessID, timeloc.DateOf(old.StartsAt, loc)); err != nil {
					return err
				}
			}
		}
		return cat.RecordVoiceBooking(ctx, catalog.VoiceBooking{
			AppointmentID: appt.PMSID,
			ClinicID:      clinic.ID,
			SessionID:     sessionID,
			CallerPhone:   appt.CallerPhone,
			Action:        catalog.VoiceActionReschedule,
			Status:        catalog.VoiceStatusCompleted,
		})
	})
}

func (r *Recorder) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit tx: %w", err)
	}
	return nil
}
