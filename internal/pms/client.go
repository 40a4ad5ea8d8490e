// Package pms is the single entry point for outbound calls to the practice
// management system. It owns per-clinic credentials, rate limiting, retry
// policy and the typed error taxonomy; callers never talk HTTP to the PMS
// directly.
package pms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

var tracer = otel.Tracer("voicebook.internal.pms")

const (
	defaultHost       = "cliniko.com"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3

	defaultMaxConcurrent = 6
	defaultCallsPerMin   = 120

	// maxAvailabilitySpanDays is the widest from/to window the nested
	// availability endpoint accepts.
	maxAvailabilitySpanDays = 7

	// backoffCeiling caps the exponential retry delay.
	backoffCeiling = 10 * time.Second
)

// ErrPatientNotFound is returned by FindPatient when no patient matches the
// phone number exactly.
var ErrPatientNotFound = errors.New("pms: no patient with exact phone match")

// Credentials identify one clinic's PMS account. The API key doubles as the
// Basic auth username with an empty password.
type Credentials struct {
	APIKey string
	Shard  string
}

// Client talks to a single clinic's PMS shard.
type Client struct {
	host       string
	baseURL    string
	authHeader string
	userAgent  string
	httpClient *http.Client
	limiter    *Limiter
	logger     *logging.Logger
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithHost overrides the PMS host, e.g. for a staging environment.
func WithHost(host string) Option {
	return func(c *Client) {
		if host != "" {
			c.host = host
		}
	}
}

// WithBaseURL overrides the computed shard base URL entirely. Tests point
// this at httptest servers.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLimiter substitutes the request limiter.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithUserAgent sets the User-Agent header the PMS requires for API access.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxRetries bounds retry attempts for idempotent reads.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// NewClient creates a client bound to one clinic's shard and credentials.
func NewClient(creds Credentials, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Default()
	}

	c := &Client{
		host:       defaultHost,
		userAgent:  "VoiceBookingSystem",
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == "" {
		c.baseURL = fmt.Sprintf("https://api.%s.%s/v1", creds.Shard, c.host)
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(defaultMaxConcurrent, defaultCallsPerMin, time.Minute)
	}

	// Basic auth with the API key as username and an empty password; the
	// trailing colon matters.
	c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds.APIKey+":"))

	return c
}

// ListBusinesses returns every location on the account.
func (c *Client) ListBusinesses(ctx context.Context) ([]Business, error) {
	var out []Business
	err := c.paginate(ctx, c.baseURL+"/businesses", func(p *page) {
		out = append(out, p.Businesses...)
	})
	return out, err
}

// ListPractitioners returns every practitioner on the account.
func (c *Client) ListPractitioners(ctx context.Context) ([]Practitioner, error) {
	var out []Practitioner
	err := c.paginate(ctx, c.baseURL+"/practitioners", func(p *page) {
		out = append(out, p.Practitioners...)
	})
	return out, err
}

// ListBusinessPractitioners returns the practitioners working at a location.
func (c *Client) ListBusinessPractitioners(ctx context.Context, businessID string) ([]Practitioner, error) {
	var out []Practitioner
	u := fmt.Sprintf("%s/businesses/%s/practitioners", c.baseURL, url.PathEscape(businessID))
	err := c.paginate(ctx, u, func(p *page) {
		out = append(out, p.Practitioners...)
	})
	return out, err
}

// ListAppointmentTypes returns every bookable service on the account.
func (c *Client) ListAppointmentTypes(ctx context.Context) ([]AppointmentType, error) {
	var out []AppointmentType
	err := c.paginate(ctx, c.baseURL+"/appointment_types", func(p *page) {
		out = append(out, p.AppointmentTypes...)
	})
	return out, err
}

// ListPractitionerAppointmentTypes returns the services a practitioner offers.
func (c *Client) ListPractitionerAppointmentTypes(ctx context.Context, practitionerID string) ([]AppointmentType, error) {
	var out []AppointmentType
	u := fmt.Sprintf("%s/practitioners/%s/appointment_types", c.baseURL, url.PathEscape(practitionerID))
	err := c.paginate(ctx, u, func(p *page) {
		out = append(out, p.AppointmentTypes...)
	})
	return out, err
}

// ListPractitionerBusinesses returns the locations a practitioner works at.
func (c *Client) ListPractitionerBusinesses(ctx context.Context, practitionerID string) ([]Business, error) {
	var out []Business
	u := fmt.Sprintf("%s/practitioners/%s/businesses", c.baseURL, url.PathEscape(practitionerID))
	err := c.paginate(ctx, u, func(p *page) {
		out = append(out, p.Businesses...)
	})
	return out, err
}

// AvailableTimes queries offered slots for a (business, practitioner,
// appointment type) triple. The from/to span is date-only and must not
// exceed 7 days; wider spans are rejected before any request is made.
func (c *Client) AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeloc.Date) ([]AvailableTime, error) {
	if to.Before(from) {
		return nil, &Error{Code: CodeInvalidTimeFrame, Message: fmt.Sprintf("to %s precedes from %s", to, from)}
	}
	if from.DaysUntil(to) >= maxAvailabilitySpanDays {
		return nil, &Error{Code: CodeInvalidTimeFrame, Message: fmt.Sprintf("span %s..%s exceeds %d days", from, to, maxAvailabilitySpanDays)}
	}

	ctx, span := tracer.Start(ctx, "pms.available_times")
	defer span.End()
	span.SetAttributes(
		attribute.String("pms.business_id", businessID),
		attribute.String("pms.practitioner_id", practitionerID),
		attribute.String("pms.from", from.String()),
		attribute.String("pms.to", to.String()),
	)

	u := fmt.Sprintf("%s/businesses/%s/practitioners/%s/appointment_types/%s/available_times?from=%s&to=%s",
		c.baseURL,
		url.PathEscape(businessID),
		url.PathEscape(practitionerID),
		url.PathEscape(appointmentTypeID),
		url.QueryEscape(from.String()),
		url.QueryEscape(to.String()),
	)

	var out []AvailableTime
	err := c.paginate(ctx, u, func(p *page) {
		out = append(out, p.AvailableTimes...)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// FindPatient searches patients by phone number and returns the record whose
// phone list contains the number exactly. Partial matches from the PMS
// search are discarded.
func (c *Client) FindPatient(ctx context.Context, phone string) (*Patient, error) {
	ctx, span := tracer.Start(ctx, "pms.find_patient")
	defer span.End()

	u := c.baseURL + "/patients?search=" + url.QueryEscape(phone)

	var candidates []Patient
	err := c.paginate(ctx, u, func(p *page) {
		candidates = append(candidates, p.Patients...)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := range candidates {
		for _, n := range candidates[i].PhoneNumbers {
			if n.Number == phone {
				return &candidates[i], nil
			}
		}
	}
	if len(candidates) > 0 {
		c.logger.Debug("patient search returned candidates but none matched exactly",
			"candidates", len(candidates), "phone", logging.MaskPhone(phone))
	}
	return nil, ErrPatientNotFound
}

// CreatePatient registers a new patient. Never retried.
func (c *Client) CreatePatient(ctx context.Context, req CreatePatientRequest) (*Patient, error) {
	ctx, span := tracer.Start(ctx, "pms.create_patient")
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pms: marshal patient: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/patients", body, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var p Patient
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, fmt.Errorf("pms: decode patient: %w", err)
	}
	return &p, nil
}

// CreateAppointment books a slot. Never retried: the endpoint is not
// idempotent, and a retry after an ambiguous failure could double-book.
func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "pms.create_appointment")
	defer span.End()
	span.SetAttributes(
		attribute.String("pms.practitioner_id", req.PractitionerID),
		attribute.String("pms.business_id", req.BusinessID),
		attribute.String("pms.starts_at", req.StartsAt.UTC().Format(time.RFC3339)),
	)

	body, err := json.Marshal(req.body())
	if err != nil {
		return nil, fmt.Errorf("pms: marshal appointment: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/appointments", body, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var a Appointment
	if err := json.Unmarshal(respBody, &a); err != nil {
		return nil, fmt.Errorf("pms: decode appointment: %w", err)
	}
	return &a, nil
}

// GetAppointment fetches one appointment by ID.
func (c *Client) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	respBody, err := c.do(ctx, http.MethodGet, c.baseURL+"/appointments/"+url.PathEscape(id), nil, true)
	if err != nil {
		return nil, err
	}

	var a Appointment
	if err := json.Unmarshal(respBody, &a); err != nil {
		return nil, fmt.Errorf("pms: decode appointment: %w", err)
	}
	return &a, nil
}

// ListAppointmentsUpdatedSince returns appointments modified after the given
// instant, for incremental sync.
func (c *Client) ListAppointmentsUpdatedSince(ctx context.Context, since time.Time) ([]Appointment, error) {
	q := url.Values{}
	q.Set("q[]", "updated_at:>"+since.UTC().Format(time.RFC3339))

	var out []Appointment
	err := c.paginate(ctx, c.baseURL+"/appointments?"+q.Encode(), func(p *page) {
		out = append(out, p.Appointments...)
	})
	return out, err
}

// CancelAppointment deletes an appointment. The PMS answers 204 on success;
// a CodeNotFound error means it was already gone, which callers may treat as
// success.
func (c *Client) CancelAppointment(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "pms.cancel_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("pms.appointment_id", id))

	_, err := c.do(ctx, http.MethodDelete, c.baseURL+"/appointments/"+url.PathEscape(id), nil, false)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// paginate fetches every page of a list endpoint, following links.next until
// exhausted.
func (c *Client) paginate(ctx context.Context, first string, collect func(*page)) error {
	next := first
	for next != "" {
		body, err := c.do(ctx, http.MethodGet, next, nil, true)
		if err != nil {
			return err
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("pms: decode page: %w", err)
		}
		collect(&p)
		next = p.Links.Next
	}
	return nil
}

// do executes one request against the PMS with limiter admission. Reads set
// retryable and get exponential backoff with jitter on 429, 5xx and network
// failures; writes are attempted exactly once.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, retryable bool) ([]byte, error) {
	attempts := 1
	if retryable {
		attempts = c.maxRetries + 1
	}

	var lastErr *Error
	var retryAfter time.Duration

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt, retryAfter); err != nil {
				return nil, err
			}
			retryAfter = 0
		}

		respBody, retryHint, err := c.send(ctx, method, rawURL, body)
		if err == nil {
			return respBody, nil
		}

		var pe *Error
		if !errors.As(err, &pe) {
			return nil, err
		}
		lastErr = pe
		retryAfter = retryHint

		switch pe.Code {
		case CodeRateLimited, CodeTransient:
			// retry if attempts remain
		default:
			return nil, pe
		}
	}

	c.logger.Warn("pms request exhausted retries",
		"method", method, "code", string(lastErr.Code), "status", lastErr.Status)
	return nil, lastErr
}

// send performs a single HTTP exchange and classifies the outcome. The
// returned duration is the server's Retry-After hint, when present.
func (c *Client) send(ctx context.Context, method, rawURL string, body []byte) ([]byte, time.Duration, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("pms: build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &Error{Code: CodeTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, &Error{Code: CodeTransient, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, 0, nil
	}

	return nil, parseRetryAfter(resp.Header.Get("Retry-After")), classify(resp.StatusCode, respBody)
}

// sleepBackoff waits out the exponential backoff for the given attempt,
// stretching to the server's Retry-After hint when it is longer.
func (c *Client) sleepBackoff(ctx context.Context, attempt int, retryAfter time.Duration) error {
	delay := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	delay += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	if delay > backoffCeiling {
		delay = backoffCeiling
	}
	if retryAfter > delay {
		delay = retryAfter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
