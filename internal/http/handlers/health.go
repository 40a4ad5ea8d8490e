package handlers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// healthDB is the slice of *pgxpool.Pool the health endpoint reads.
type healthDB interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// HealthHandler reports liveness and connection pool pressure for load
// balancers and uptime monitors.
type HealthHandler struct {
	db     healthDB
	env    string
	logger *logging.Logger
}

// HealthHandlerConfig wires the health endpoint.
type HealthHandlerConfig struct {
	DB     healthDB
	Env    string
	Logger *logging.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &HealthHandler{db: cfg.DB, env: cfg.Env, logger: cfg.Logger}
}

type poolStats struct {
	MaxConns           int32   `json:"max_conns"`
	TotalConns         int32   `json:"total_conns"`
	IdleConns          int32   `json:"idle_conns"`
	AcquiredConns      int32   `json:"acquired_conns"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

type healthResponse struct {
	Status      string     `json:"status"`
	Environment string     `json:"environment"`
	Timestamp   string     `json:"timestamp"`
	Database    string     `json:"database"`
	PoolStats   *poolStats `json:"pool_stats,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Handle serves GET /health. A failed database ping returns 503 so
// orchestrators stop routing to this instance.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check database ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:      "unhealthy",
			Environment: h.env,
			Timestamp:   now,
			Database:    "disconnected",
			Error:       err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Environment: h.env,
		Timestamp:   now,
		Database:    "connected",
		PoolStats:   poolSnapshot(h.db.Stat()),
	})
}

func poolSnapshot(st *pgxpool.Stat) *poolStats {
	if st == nil {
		return nil
	}
	out := &poolStats{
		MaxConns:      st.MaxConns(),
		TotalConns:    st.TotalConns(),
		IdleConns:     st.IdleConns(),
		AcquiredConns: st.AcquiredConns(),
	}
	if out.MaxConns > 0 {
		out.UtilizationPercent = math.Round(float64(out.AcquiredConns)/float64(out.MaxConns)*10000) / 100
	}
	return out
}
