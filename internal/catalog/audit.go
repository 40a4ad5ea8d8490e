package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Voice booking actions and outcomes recorded in the audit trail.
const (
	VoiceActionBook       = "book"
	VoiceActionCancel     = "cancel"
	VoiceActionReschedule = "reschedule"

	VoiceStatusCompleted = "completed"
	VoiceStatusFailed    = "failed"
)

// VoiceBooking is one audit row for a booking action taken over a voice
// call. The caller phone is masked before it is stored; the raw number never
// reaches this table.
type VoiceBooking struct {
	AppointmentID AppointmentID
	ClinicID      uuid.UUID
	SessionID     string
	CallerPhone   string
	Action        string
	Status        string
	ErrorMessage  string
}

// RecordVoiceBooking appends one audit row. Callers treat failures as
// non-fatal: an audit gap must never undo a booking the PMS already holds.
func (r *Repository) RecordVoiceBooking(ctx context.Context, v VoiceBooking) error {
	query := `
		INSERT INTO voice_bookings (
			appointment_id, clinic_id, session_id, caller_phone,
			action, status, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`
	_, err := r.db.Exec(ctx, query,
		v.AppointmentID,
		v.ClinicID,
		v.SessionID,
		logging.MaskPhone(NormalizePhone(v.CallerPhone)),
		v.Action,
		v.Status,
		v.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("catalog: record voice booking: %w", err)
	}
	return nil
}
