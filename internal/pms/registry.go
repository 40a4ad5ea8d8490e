package pms

import (
	"net/http"
	"sync"
	"time"

	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Registry hands out one Client per clinic so that per-clinic limiters and
// their sliding windows survive across requests. Credentials are supplied by
// the caller on every lookup; a rotated key replaces the cached client.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*registryEntry

	logger        *logging.Logger
	host          string
	userAgent     string
	maxConcurrent int
	callsPerMin   int
	maxRetries    int
	timeout       time.Duration
}

type registryEntry struct {
	creds  Credentials
	client *Client
}

// RegistryConfig tunes the clients a Registry builds.
type RegistryConfig struct {
	Host           string
	UserAgent      string
	MaxConcurrent  int
	CallsPerMinute int
	MaxRetries     int
	RequestTimeout time.Duration
}

// NewRegistry creates a registry. Zero config fields fall back to the
// package defaults.
func NewRegistry(cfg RegistryConfig, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = defaultCallsPerMin
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}

	return &Registry{
		clients:       make(map[string]*registryEntry),
		logger:        logger,
		host:          cfg.Host,
		userAgent:     cfg.UserAgent,
		maxConcurrent: cfg.MaxConcurrent,
		callsPerMin:   cfg.CallsPerMinute,
		maxRetries:    cfg.MaxRetries,
		timeout:       cfg.RequestTimeout,
	}
}

// ClientFor returns the cached client for a clinic, building one on first
// use or after a credential rotation.
func (r *Registry) ClientFor(clinicID string, creds Credentials) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[clinicID]; ok && entry.creds == creds {
		return entry.client
	}

	client := NewClient(creds, r.logger,
		WithHost(r.host),
		WithUserAgent(r.userAgent),
		WithMaxRetries(r.maxRetries),
		WithHTTPClient(&http.Client{Timeout: r.timeout}),
		WithLimiter(NewLimiter(r.maxConcurrent, r.callsPerMin, time.Minute)),
	)
	r.clients[clinicID] = &registryEntry{creds: creds, client: client}
	return client
}
