// Package handlers implements the webhook surface the voice agent platform
// calls while a patient is on the line, plus the health and admin endpoints.
// Voice operations answer HTTP 200 with a spoken envelope whether they
// succeed or fail; non-200 statuses are reserved for transport problems,
// because the agent platform retries on them instead of speaking.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// syncTriggerTimeout bounds the detached enqueue a stale-cache trigger runs.
const syncTriggerTimeout = 10 * time.Second

// ----- Nested response objects -----

// locationData is the nested location object in webhook responses.
type locationData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func locationOf(b catalog.Business) *locationData {
	return &locationData{ID: string(b.ID), Name: b.Name}
}

// practitionerData is the nested practitioner object.
type practitionerData struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FirstName     string `json:"firstName"`
	ServicesCount int    `json:"servicesCount,omitempty"`
}

func practitionerOf(p catalog.Practitioner, serviceCount int) *practitionerData {
	return &practitionerData{
		ID:            string(p.ID),
		Name:          p.FullName(),
		FirstName:     p.FirstName,
		ServicesCount: serviceCount,
	}
}

// serviceData is the nested service object. Duration is minutes.
type serviceData struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Duration int    `json:"duration"`
}

func serviceOf(s catalog.Service) *serviceData {
	return &serviceData{ID: string(s.ID), Name: s.Name, Duration: s.DurationMinutes}
}

// timeSlotData is the nested slot object: ISO date and 24-hour time for the
// agent's tooling, displayTime for its voice.
type timeSlotData struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	DisplayTime string `json:"displayTime"`
}

func slotOf(t time.Time, loc *time.Location) *timeSlotData {
	local := t.In(loc)
	return &timeSlotData{
		Date:        local.Format("2006-01-02"),
		Time:        local.Format("15:04"),
		DisplayTime: timeloc.FormatTimeForVoice(t, loc),
	}
}

// ----- Request plumbing -----

// readBody drains the request body, capped at 1 MB.
func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

// decodeStrict parses body into dst and rejects unknown fields, so schema
// drift in the agent tool configuration fails loudly during rollout instead
// of silently dropping data.
func decodeStrict(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// debugPayload logs the raw webhook body at debug level with phone digits
// masked, for agent-side troubleshooting.
func debugPayload(logger *logging.Logger, endpoint string, body []byte) {
	if logger == nil {
		return
	}
	logger.Debug("webhook payload", "endpoint", endpoint, "payload", logging.MaskPhone(string(body)))
}

// callerPhone prefers the explicit field and falls back to the platform's
// system caller id, which some agent configurations send instead.
func callerPhone(primary, system string) string {
	if p := strings.TrimSpace(primary); p != "" {
		return p
	}
	return strings.TrimSpace(system)
}

// writeJSON writes one webhook response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// speakList joins names the way they are spoken: "A", "A and B",
// "A, B, and C".
func speakList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

// clinicDirectory resolves the tenant owning a dialed number.
type clinicDirectory interface {
	ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error)
}

// resolveClinic maps the dialed number onto its clinic, keeping the two
// failure modes apart: an unknown number is spoken as clinic_not_found, a
// read failure as database_error.
func resolveClinic(ctx context.Context, dir clinicDirectory, sessionID, dialed string) (*catalog.Clinic, *voiceError) {
	clinic, err := dir.ClinicByDialedNumber(ctx, dialed)
	if err != nil {
		if errors.Is(err, catalog.ErrClinicNotFound) {
			return nil, newVoiceError(sessionID, codeClinicNotFound, msgClinicNotFound)
		}
		return nil, voiceErrorFor(sessionID, err, errorContext{})
	}
	return clinic, nil
}

// ----- Stale-cache sync trigger -----

// cacheAges reads the newest availability write per clinic.
type cacheAges interface {
	LastCachedAt(ctx context.Context, clinicID uuid.UUID) (time.Time, bool)
}

// syncQueue enqueues background refresh jobs.
type syncQueue interface {
	EnqueueSync(ctx context.Context, clinicID uuid.UUID, opts ...refresh.PublishOption) error
}

// SyncTrigger enqueues a background cache sync when a clinic's availability
// tier has gone stale. Handlers fire it on every voice webhook; the check
// and the enqueue run detached so call latency never pays for them.
type SyncTrigger struct {
	slots  cacheAges
	queue  syncQueue
	logger *logging.Logger
}

// NewSyncTrigger creates the trigger. A nil queue disables it.
func NewSyncTrigger(slots cacheAges, queue syncQueue, logger *logging.Logger) *SyncTrigger {
	if logger == nil {
		logger = logging.Default()
	}
	return &SyncTrigger{slots: slots, queue: queue, logger: logger}
}

// Fire enqueues a sync for the clinic if its cache is older than the
// staleness threshold. Failures are logged and swallowed; the sync is
// advisory and the next webhook fires it again.
func (t *SyncTrigger) Fire(clinicID uuid.UUID) {
	if t == nil || t.queue == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTriggerTimeout)
		defer cancel()
		if at, ok := t.slots.LastCachedAt(ctx, clinicID); ok && time.Since(at) < refresh.StaleAfter {
			return
		}
		if err := t.queue.EnqueueSync(ctx, clinicID); err != nil {
			t.logger.Warn("stale-cache sync enqueue failed", "error", err, "clinic_id", clinicID)
		}
	}()
}
