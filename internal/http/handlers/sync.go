package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	opSyncCache  = "sync_cache"
	opSyncStatus = "sync_status"
)

// staleCacheAfter is the age at which sync-status reports the cache stale.
const staleCacheAfter = time.Hour

// cacheSyncer runs one reconciliation on demand.
type cacheSyncer interface {
	Sync(ctx context.Context, clinicID uuid.UUID, force bool) (*refresh.Result, error)
}

// syncRunLog reads recorded sync runs.
type syncRunLog interface {
	Running(ctx context.Context, clinicID uuid.UUID) (bool, error)
	LastSuccess(ctx context.Context, clinicID uuid.UUID) (*refresh.Run, error)
}

// SyncHandler serves the cache sync surface: the agent's first tool in every
// call, plus a freshness probe.
type SyncHandler struct {
	directory clinicDirectory
	syncer    cacheSyncer
	runs      syncRunLog
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// SyncHandlerConfig configures the SyncHandler.
type SyncHandlerConfig struct {
	Directory clinicDirectory
	Syncer    cacheSyncer
	Runs      syncRunLog
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(cfg SyncHandlerConfig) *SyncHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &SyncHandler{
		directory: cfg.Directory,
		syncer:    cfg.Syncer,
		runs:      cfg.Runs,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

type syncCacheRequest struct {
	SessionID     string `json:"sessionId"`
	DialedNumber  string `json:"dialedNumber"`
	CallerPhone   string `json:"callerPhone,omitempty"`
	ForceFullSync bool   `json:"forceFullSync,omitempty"`
}

// syncStats is the per-run tally spoken back to operators, never to callers.
type syncStats struct {
	Appointments  int `json:"appointments"`
	Practitioners int `json:"practitioners"`
	SlotsCached   int `json:"slotsCached"`
	Mirrored      int `json:"mirrored"`
	Invalidated   int `json:"invalidated"`
	Errors        int `json:"errors"`
}

type syncCacheResponse struct {
	Success        bool       `json:"success"`
	SessionID      string     `json:"sessionId"`
	Message        string     `json:"message"`
	SyncStats      *syncStats `json:"syncStats,omitempty"`
	DurationMs     int64      `json:"durationMs"`
	LastSyncTime   string     `json:"lastSyncTime,omitempty"`
	SyncType       string     `json:"syncType"`
	SyncInProgress bool       `json:"syncInProgress"`
}

// HandleSyncCache is the HTTP handler for POST /sync-cache. The agent calls
// it at the start of every conversation; the sync runs to completion before
// the response, so the first availability question already reads fresh data.
// A sync already running elsewhere is reported, not waited for.
func (h *SyncHandler) HandleSyncCache(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/sync-cache", body)

	var req syncCacheRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("sync-cache: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opSyncCache, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	clinic, err := h.directory.ClinicByDialedNumber(ctx, req.DialedNumber)
	if err != nil {
		status := "error"
		msg := "Cache sync encountered an error"
		if errors.Is(err, catalog.ErrClinicNotFound) {
			status = codeClinicNotFound
			msg = "Unable to identify clinic"
		} else {
			h.logger.Error("sync-cache: clinic lookup failed", "error", err, "session_id", req.SessionID)
		}
		h.metrics.ObserveWebhook(opSyncCache, status, time.Since(started))
		writeJSON(w, http.StatusOK, &syncCacheResponse{
			SessionID:  req.SessionID,
			Message:    msg,
			DurationMs: time.Since(started).Milliseconds(),
		})
		return
	}

	res, err := h.syncer.Sync(ctx, clinic.ID, req.ForceFullSync)
	if err != nil {
		h.logger.Error("cache sync failed", "error", err,
			"session_id", req.SessionID, "clinic_id", clinic.ID)
		h.metrics.ObserveWebhook(opSyncCache, "error", time.Since(started))
		writeJSON(w, http.StatusOK, &syncCacheResponse{
			SessionID:  req.SessionID,
			Message:    "Cache sync encountered an error",
			DurationMs: time.Since(started).Milliseconds(),
		})
		return
	}

	if res.InProgress {
		h.metrics.ObserveWebhook(opSyncCache, "skipped", time.Since(started))
		writeJSON(w, http.StatusOK, &syncCacheResponse{
			Success:        true,
			SessionID:      req.SessionID,
			Message:        "Cache sync is already in progress",
			DurationMs:     time.Since(started).Milliseconds(),
			SyncType:       res.Type,
			SyncInProgress: true,
		})
		return
	}

	var msg string
	switch {
	case res.Errors > 0:
		msg = "Cache sync completed with some errors"
	case res.Appointments == 0:
		msg = "Cache is already up to date"
	default:
		msg = fmt.Sprintf("Cache updated successfully (%d appointments)", res.Appointments)
	}

	h.metrics.ObserveWebhook(opSyncCache, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, &syncCacheResponse{
		Success:   true,
		SessionID: req.SessionID,
		Message:   msg,
		SyncStats: &syncStats{
			Appointments:  res.Appointments,
			Practitioners: res.Practitioners,
			SlotsCached:   res.SlotsCached,
			Mirrored:      res.Mirrored,
			Invalidated:   res.Invalidated,
			Errors:        res.Errors,
		},
		DurationMs:   time.Since(started).Milliseconds(),
		LastSyncTime: time.Now().UTC().Format(time.RFC3339),
		SyncType:     res.Type,
	})
}

type syncStatusResponse struct {
	SyncInProgress     bool   `json:"syncInProgress"`
	LastSyncTime       string `json:"lastSyncTime,omitempty"`
	LastSyncDurationMs int64  `json:"lastSyncDurationMs,omitempty"`
	LastSyncSlots      int    `json:"lastSyncSlots,omitempty"`
	LastSyncType       string `json:"lastSyncType,omitempty"`
	SecondsSinceSync   int64  `json:"secondsSinceSync,omitempty"`
	CacheStatus        string `json:"cacheStatus"`
}

// HandleSyncStatus is the HTTP handler for GET /sync-status/{clinicID}.
func (h *SyncHandler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		h.metrics.ObserveWebhook(opSyncStatus, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	running, err := h.runs.Running(ctx, clinicID)
	if err != nil {
		h.logger.Warn("sync-status: running check failed", "error", err, "clinic_id", clinicID)
	}
	last, err := h.runs.LastSuccess(ctx, clinicID)
	if err != nil {
		h.logger.Error("sync-status: last sync read failed", "error", err, "clinic_id", clinicID)
		h.metrics.ObserveWebhook(opSyncStatus, "error", time.Since(started))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := &syncStatusResponse{SyncInProgress: running, CacheStatus: "empty"}
	if last != nil {
		since := time.Since(last.CreatedAt)
		resp.LastSyncTime = last.CreatedAt.UTC().Format(time.RFC3339)
		resp.LastSyncDurationMs = last.Duration.Milliseconds()
		resp.LastSyncSlots = last.SlotsCached
		resp.LastSyncType = last.Type
		resp.SecondsSinceSync = int64(since.Seconds())
		resp.CacheStatus = "fresh"
		if since >= staleCacheAfter {
			resp.CacheStatus = "stale"
		}
	}

	h.metrics.ObserveWebhook(opSyncStatus, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, resp)
}
