package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/http/handlers"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	testAPIKey      = "router-test-key"
	testAdminSecret = "router-admin-secret"
)

var testClinicID = uuid.MustParse("3f2c8c0a-9d4e-4f2b-8a4e-1c9a62d1b120")

type routerDirectory struct {
	clinic     *catalog.Clinic
	businesses []catalog.Business
}

func (d *routerDirectory) ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error) {
	return d.clinic, nil
}

func (d *routerDirectory) Businesses(ctx context.Context, clinicID uuid.UUID) ([]catalog.Business, error) {
	return d.businesses, nil
}

func (d *routerDirectory) PractitionerSummariesAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID catalog.BusinessID) ([]catalog.PractitionerSummary, error) {
	return nil, nil
}

type routerMemory struct{}

func (routerMemory) BookingContext(ctx context.Context, clinicID uuid.UUID, phone string) (cache.BookingContext, bool) {
	return cache.BookingContext{}, false
}

func (routerMemory) SaveBookingContext(ctx context.Context, clinicID uuid.UUID, phone string, patch cache.BookingContext) {
}

type routerHealthDB struct{}

func (routerHealthDB) Ping(ctx context.Context) error { return nil }
func (routerHealthDB) Stat() *pgxpool.Stat            { return nil }

type routerCacheAdmin struct{}

func (routerCacheAdmin) Stats(ctx context.Context, clinicID uuid.UUID) (map[string]cache.TierStats, error) {
	return map[string]cache.TierStats{"availability": {Hits: 3, Misses: 1}}, nil
}

func (routerCacheAdmin) Cleanup(ctx context.Context) (cache.CleanupReport, error) {
	return cache.CleanupReport{}, nil
}

type routerRunLog struct{}

func (routerRunLog) Recent(ctx context.Context, clinicID uuid.UUID, limit int) ([]refresh.Run, error) {
	return nil, nil
}

type routerSyncer struct{}

func (routerSyncer) Sync(ctx context.Context, clinicID uuid.UUID, force bool) (*refresh.Result, error) {
	return &refresh.Result{Type: "full"}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	dir := &routerDirectory{
		clinic: &catalog.Clinic{
			ID:          testClinicID,
			Name:        "Cove Health",
			PhoneNumber: "61290001111",
			Timezone:    "UTC",
			Active:      true,
		},
		businesses: []catalog.Business{
			{ID: "biz-city", ClinicID: testClinicID, Name: "City Clinic", IsPrimary: true},
			{ID: "biz-north", ClinicID: testClinicID, Name: "Northside Clinic"},
		},
	}

	location := handlers.NewLocationHandler(handlers.LocationHandlerConfig{
		Directory: dir,
		Memory:    routerMemory{},
	})
	health := handlers.NewHealthHandler(handlers.HealthHandlerConfig{
		DB:  routerHealthDB{},
		Env: "test",
	})
	admin := handlers.NewAdminHandler(handlers.AdminHandlerConfig{
		Cache:  routerCacheAdmin{},
		Runs:   routerRunLog{},
		Syncer: routerSyncer{},
	})

	return New(&Config{
		Logger:   logging.Default(),
		Location: location,
		Health:   health,
		Admin:    admin,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		APIKey:         testAPIKey,
		AdminJWTSecret: testAdminSecret,
	})
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRouterHealthEndpointIsPublic(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp["status"])
	}
	if resp["database"] != "connected" {
		t.Errorf("expected database 'connected', got %q", resp["database"])
	}
}

func TestRouterMetricsEndpointIsPublic(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestRouterWebhookRejectsMissingAPIKey(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/location-resolver", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterWebhookRejectsWrongAPIKey(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/location-resolver", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "not-the-key")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterLocationResolverEndpoint(t *testing.T) {
	router := newTestRouter(t)

	body := `{"locationQuery": "City Clinic", "sessionId": "sess-router", "dialedNumber": "61290001111"}`
	req := httptest.NewRequest(http.MethodPost, "/location-resolver", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
		Resolved  bool   `json:"resolved"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
	if !resp.Resolved {
		t.Error("expected an exact name to resolve")
	}
	if resp.SessionID != "sess-router" {
		t.Errorf("expected session id to round-trip, got %q", resp.SessionID)
	}
}

func TestRouterAdminRejectsMissingToken(t *testing.T) {
	router := newTestRouter(t)

	// The webhook API key must not open the admin surface.
	req := httptest.NewRequest(http.MethodGet, "/admin/clinics/"+testClinicID.String()+"/cache-stats", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterAdminCacheStatsWithToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/clinics/"+testClinicID.String()+"/cache-stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Stats   map[string]struct {
			Hits    int64   `json:"hits"`
			HitRate float64 `json:"hit_rate"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Stats["availability"].Hits != 3 {
		t.Errorf("expected availability hits 3, got %d", resp.Stats["availability"].Hits)
	}
}

func TestRouterAdminRejectsTokenSignedWithWrongSecret(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/clinics/"+testClinicID.String()+"/cache-stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "someone-elses-secret"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

// TestRouterWebhookRoutesRegistered guards against a handler wired in main
// but never mounted: every voice tool path must answer something other than
// 404/405 when its handler is present.
func TestRouterWebhookRoutesRegistered(t *testing.T) {
	dir := &routerDirectory{
		clinic:     &catalog.Clinic{ID: testClinicID, Name: "Cove Health", PhoneNumber: "61290001111", Timezone: "UTC", Active: true},
		businesses: []catalog.Business{{ID: "biz-city", ClinicID: testClinicID, Name: "City Clinic", IsPrimary: true}},
	}
	router := New(&Config{
		Location: handlers.NewLocationHandler(handlers.LocationHandlerConfig{Directory: dir, Memory: routerMemory{}}),
	})

	for _, route := range []string{
		"/location-resolver",
		"/confirm-location",
		"/get-location-practitioners",
	} {
		req := httptest.NewRequest(http.MethodPost, route, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code == http.StatusNotFound || rr.Code == http.StatusMethodNotAllowed {
			t.Errorf("%s: route not registered (got %d)", route, rr.Code)
		}
	}
}

func TestRouterUnregisteredHandlerLeavesRouteUnmounted(t *testing.T) {
	router := New(&Config{})

	req := httptest.NewRequest(http.MethodPost, "/availability-checker", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 404/405 when no availability handler is configured, got %d", rr.Code)
	}
}

func TestRouterUnknownRouteNotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}
