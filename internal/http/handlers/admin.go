package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// cacheAdmin is the slice of the cache store the admin surface reads and trims.
type cacheAdmin interface {
	Stats(ctx context.Context, clinicID uuid.UUID) (map[string]cache.TierStats, error)
	Cleanup(ctx context.Context) (cache.CleanupReport, error)
}

// warmupHistory lists past cache refresh runs for a clinic.
type warmupHistory interface {
	Recent(ctx context.Context, clinicID uuid.UUID, limit int) ([]refresh.Run, error)
}

// locationAliases extends a location's spoken-name alias set.
// *catalog.BusinessRepository satisfies it.
type locationAliases interface {
	BusinessByID(ctx context.Context, clinicID uuid.UUID, id catalog.BusinessID) (*catalog.Business, error)
	AddAlias(ctx context.Context, clinicID uuid.UUID, id catalog.BusinessID, alias string) error
}

// AdminHandler is the operator surface: cache statistics, refresh run
// history, manual cleanup, and manual per-clinic sync. It is mounted behind
// the admin JWT middleware, so responses use plain HTTP status codes rather
// than the voice envelope.
type AdminHandler struct {
	cache   cacheAdmin
	runs    warmupHistory
	syncer  cacheSyncer
	aliases locationAliases
	logger  *logging.Logger
}

// AdminHandlerConfig wires the admin surface.
type AdminHandlerConfig struct {
	Cache   cacheAdmin
	Runs    warmupHistory
	Syncer  cacheSyncer
	Aliases locationAliases
	Logger  *logging.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminHandler{
		cache:   cfg.Cache,
		runs:    cfg.Runs,
		syncer:  cfg.Syncer,
		aliases: cfg.Aliases,
		logger:  cfg.Logger,
	}
}

type tierStatsPayload struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CacheStats handles GET /admin/clinics/{clinicID}/cache-stats. It reports
// the current month's per-tier hit and miss tallies.
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}

	stats, err := h.cache.Stats(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("cache stats read failed", "error", err, "clinic_id", clinicID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tiers := make(map[string]tierStatsPayload, len(stats))
	for tier, ts := range stats {
		tiers[tier] = tierStatsPayload{Hits: ts.Hits, Misses: ts.Misses, HitRate: ts.HitRate()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"clinic_id": clinicID.String(),
		"stats":     tiers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type warmupRunPayload struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Practitioners int    `json:"practitioners"`
	SlotsCached   int    `json:"slots_cached"`
	DurationMs    int64  `json:"duration_ms"`
	Success       *bool  `json:"success"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// WarmupLog handles GET /admin/clinics/{clinicID}/warmup-log. Runs come back
// newest first; a nil success means the run is still going.
func (h *AdminHandler) WarmupLog(w http.ResponseWriter, r *http.Request) {
	clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.runs.Recent(r.Context(), clinicID, limit)
	if err != nil {
		h.logger.Error("warmup log read failed", "error", err, "clinic_id", clinicID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	payload := make([]warmupRunPayload, 0, len(runs))
	for _, run := range runs {
		payload = append(payload, warmupRunPayload{
			ID:            run.ID,
			Type:          run.Type,
			Practitioners: run.Practitioners,
			SlotsCached:   run.SlotsCached,
			DurationMs:    run.Duration.Milliseconds(),
			Success:       run.Success,
			Error:         run.Error,
			CreatedAt:     run.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clinic_id": clinicID.String(),
		"runs":      payload,
	})
}

// Cleanup handles POST /admin/cache/cleanup. It removes rows no reader can
// use anymore across every cache tier and reports the per-tier counts.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.cache.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("manual cache cleanup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": map[string]int64{
			"stale_availability":   report.StaleAvailability,
			"expired_availability": report.ExpiredAvailability,
			"booking_contexts":     report.BookingContexts,
			"patients":             report.Patients,
			"service_matches":      report.ServiceMatches,
			"failed_attempts":      report.FailedAttempts,
		},
		"total": report.Total(),
	})
}

// TriggerSync handles POST /admin/clinics/{clinicID}/sync. The force query
// parameter requests a full rebuild regardless of cache age.
func (h *AdminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		force, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid force flag", http.StatusBadRequest)
			return
		}
	}

	res, err := h.syncer.Sync(r.Context(), clinicID, force)
	if err != nil {
		if errors.Is(err, catalog.ErrClinicNotFound) {
			http.Error(w, "clinic not found", http.StatusNotFound)
			return
		}
		h.logger.Error("manual sync failed", "error", err, "clinic_id", clinicID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"clinic_id":        clinicID.String(),
		"sync_type":        res.Type,
		"sync_in_progress": res.InProgress,
		"stats": syncStats{
			Appointments:  res.Appointments,
			Practitioners: res.Practitioners,
			SlotsCached:   res.SlotsCached,
			Mirrored:      res.Mirrored,
			Invalidated:   res.Invalidated,
			Errors:        res.Errors,
		},
	})
}

type addAliasRequest struct {
	Alias string `json:"alias"`
}

// AddLocationAlias handles POST /admin/clinics/{clinicID}/businesses/{businessID}/aliases.
// Operators record alternate spoken names callers actually use ("the city
// branch") so the matcher resolves them without clarification next time.
func (h *AdminHandler) AddLocationAlias(w http.ResponseWriter, r *http.Request) {
	clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, "invalid clinic id", http.StatusBadRequest)
		return
	}
	businessID := catalog.BusinessID(chi.URLParam(r, "businessID"))

	var req addAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	alias := strings.ToLower(strings.TrimSpace(req.Alias))
	if alias == "" || len(alias) > 80 {
		http.Error(w, "alias must be 1-80 characters", http.StatusBadRequest)
		return
	}

	if _, err := h.aliases.BusinessByID(r.Context(), clinicID, businessID); err != nil {
		if errors.Is(err, catalog.ErrBusinessNotFound) {
			http.Error(w, "business not found", http.StatusNotFound)
			return
		}
		h.logger.Error("business lookup failed", "error", err, "clinic_id", clinicID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.aliases.AddAlias(r.Context(), clinicID, businessID, alias); err != nil {
		h.logger.Error("alias write failed", "error", err, "clinic_id", clinicID, "business_id", businessID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"business_id": string(businessID),
		"alias":       alias,
	})
}
