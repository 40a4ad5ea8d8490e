package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/covehealth/voicebook-platform/internal/http/handlers"
	httpmiddleware "github.com/covehealth/voicebook-platform/internal/http/middleware"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// defaultWebhookDeadline bounds one webhook request end to end. The agent
// gives up on a tool call at about thirty seconds; finishing just under that
// lets the failure envelope still reach it.
const defaultWebhookDeadline = 25 * time.Second

// Config holds everything the router mounts. Nil handlers leave their routes
// unregistered, which keeps tests and the refresh worker binary small.
type Config struct {
	Logger *logging.Logger

	Location     *handlers.LocationHandler
	Practitioner *handlers.PractitionerHandler
	Availability *handlers.AvailabilityHandler
	Appointment  *handlers.AppointmentHandler
	Sync         *handlers.SyncHandler
	Admin        *handlers.AdminHandler
	Health       *handlers.HealthHandler

	MetricsHandler http.Handler

	// APIKey guards the voice-agent surface; empty disables the check.
	APIKey       string
	APIKeyHeader string
	// AdminJWTSecret guards /admin; empty leaves the whole group unmounted.
	AdminJWTSecret string

	WebhookDeadline    time.Duration
	CORSAllowedOrigins []string
	RateLimitPerSec    float64
	RateLimitBurst     int
}

// New assembles the chi router: public health and metrics, the API-key
// guarded voice webhook surface with a per-request deadline, and the
// JWT-guarded admin surface.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.RateLimitPerSec > 0 {
		r.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	}

	// Public endpoints: load balancers and scrapers carry no API key.
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Handle)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Voice-agent surface. Every tool call carries the static key and runs
	// under the webhook deadline.
	deadline := cfg.WebhookDeadline
	if deadline <= 0 {
		deadline = defaultWebhookDeadline
	}
	r.Group(func(webhook chi.Router) {
		webhook.Use(httpmiddleware.APIKey(cfg.APIKeyHeader, cfg.APIKey))
		webhook.Use(middleware.Timeout(deadline))

		if cfg.Sync != nil {
			webhook.Post("/sync-cache", cfg.Sync.HandleSyncCache)
			webhook.Get("/sync-status/{clinicID}", cfg.Sync.HandleSyncStatus)
		}
		if cfg.Location != nil {
			webhook.Post("/location-resolver", cfg.Location.HandleResolveLocation)
			webhook.Post("/confirm-location", cfg.Location.HandleConfirmLocation)
			webhook.Post("/get-location-practitioners", cfg.Location.HandleLocationPractitioners)
		}
		if cfg.Practitioner != nil {
			webhook.Post("/get-practitioner-services", cfg.Practitioner.HandlePractitionerServices)
			webhook.Post("/get-practitioner-info", cfg.Practitioner.HandlePractitionerInfo)
		}
		if cfg.Availability != nil {
			webhook.Post("/availability-checker", cfg.Availability.HandleCheckAvailability)
			webhook.Post("/find-next-available", cfg.Availability.HandleFindNext)
			webhook.Post("/get-available-practitioners", cfg.Availability.HandleAvailablePractitioners)
		}
		if cfg.Appointment != nil {
			webhook.Post("/appointment-handler", cfg.Appointment.HandleAppointment)
			webhook.Post("/cancel-appointment", cfg.Appointment.HandleCancelAppointment)
		}
	})

	// Operator surface.
	if cfg.AdminJWTSecret != "" && cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Get("/clinics/{clinicID}/cache-stats", cfg.Admin.CacheStats)
			admin.Get("/clinics/{clinicID}/warmup-log", cfg.Admin.WarmupLog)
			admin.Post("/clinics/{clinicID}/sync", cfg.Admin.TriggerSync)
			admin.Post("/clinics/{clinicID}/businesses/{businessID}/aliases", cfg.Admin.AddLocationAlias)
			admin.Post("/cache/cleanup", cfg.Admin.Cleanup)
		})
	}

	return r
}
