// Package metrics exposes the Prometheus instrumentation for the booking
// core. All methods are nil-safe so wiring metrics stays optional in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every metric family the service records.
type Metrics struct {
	webhookTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec

	pmsRequests *prometheus.CounterVec
	pmsDuration *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec

	bookings       *prometheus.CounterVec
	lockContention prometheus.Counter

	availabilityScans *prometheus.CounterVec

	refreshJobs *prometheus.CounterVec
}

// New registers the voicebook metric families. A nil registerer falls back
// to the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound voice-agent webhook requests by operation and outcome",
		}, []string{"operation", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Webhook handling latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		pmsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "pms",
			Name:      "requests_total",
			Help:      "Outbound PMS requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		pmsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "pms",
			Name:      "request_duration_seconds",
			Help:      "PMS round-trip duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Tiered cache lookups by tier and result",
		}, []string{"tier", "result"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by action and outcome",
		}, []string{"action", "outcome"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "booking",
			Name:      "lock_contention_total",
			Help:      "Booking lock acquisitions that lost to another session",
		}),
		availabilityScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "availability",
			Name:      "scans_total",
			Help:      "Availability scans by mode and outcome",
		}, []string{"mode", "outcome"}),
		refreshJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "refresh",
			Name:      "jobs_total",
			Help:      "Cache refresh jobs by type and outcome",
		}, []string{"type", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.webhookTotal, m.webhookLatency,
		m.pmsRequests, m.pmsDuration,
		m.cacheLookups,
		m.bookings, m.lockContention,
		m.availabilityScans,
		m.refreshJobs,
	)
	return m
}

// ObserveWebhook records one handled webhook request.
func (m *Metrics) ObserveWebhook(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(operation, status).Inc()
	m.webhookLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObservePMSRequest records one upstream PMS round trip.
func (m *Metrics) ObservePMSRequest(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pmsRequests.WithLabelValues(endpoint, outcome).Inc()
	m.pmsDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a tiered cache hit or miss.
func (m *Metrics) ObserveCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// ObserveBooking records one booking operation outcome.
func (m *Metrics) ObserveBooking(action, outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(action, outcome).Inc()
}

// ObserveLockContention records a booking lock lost to another session.
func (m *Metrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

// ObserveAvailabilityScan records one availability scan outcome.
func (m *Metrics) ObserveAvailabilityScan(mode, outcome string) {
	if m == nil {
		return
	}
	m.availabilityScans.WithLabelValues(mode, outcome).Inc()
}

// ObserveRefreshJob records one processed refresh job.
func (m *Metrics) ObserveRefreshJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.refreshJobs.WithLabelValues(jobType, outcome).Inc()
}
