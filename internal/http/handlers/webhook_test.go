package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/availability"
	"github.com/covehealth/voicebook-platform/internal/booking"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/refresh"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// --- fakes ---

// fakeCatalog backs every directory interface in this package with
// in-memory fixtures.
type fakeCatalog struct {
	clinic     *catalog.Clinic
	clinicErr  error
	businesses []catalog.Business
	bizErr     error
	roster     []catalog.Practitioner
	rosterErr  error
	services   map[catalog.PractitionerID][]catalog.Service
	svcErr     error
	workplaces map[catalog.PractitionerID][]catalog.BusinessID
	summaries  map[catalog.BusinessID][]catalog.PractitionerSummary
	clinicSvcs []catalog.Service
	byService  map[catalog.ServiceID][]catalog.Practitioner
}

func (f *fakeCatalog) ClinicByDialedNumber(_ context.Context, _ string) (*catalog.Clinic, error) {
	if f.clinicErr != nil {
		return nil, f.clinicErr
	}
	if f.clinic == nil {
		return nil, catalog.ErrClinicNotFound
	}
	return f.clinic, nil
}

func (f *fakeCatalog) Businesses(_ context.Context, _ uuid.UUID) ([]catalog.Business, error) {
	return f.businesses, f.bizErr
}

func (f *fakeCatalog) PractitionerSummariesAtBusiness(_ context.Context, _ uuid.UUID, businessID catalog.BusinessID) ([]catalog.PractitionerSummary, error) {
	return f.summaries[businessID], nil
}

func (f *fakeCatalog) Practitioners(_ context.Context, _ uuid.UUID) ([]catalog.Practitioner, error) {
	return f.roster, f.rosterErr
}

func (f *fakeCatalog) PractitionersAtBusiness(_ context.Context, _ uuid.UUID, businessID catalog.BusinessID) ([]catalog.Practitioner, error) {
	var out []catalog.Practitioner
	for _, p := range f.roster {
		for _, b := range f.workplaces[p.ID] {
			if b == businessID {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCatalog) PractitionerWorksAt(_ context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID) (bool, error) {
	for _, b := range f.workplaces[practitionerID] {
		if b == businessID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCatalog) ServicesForPractitioner(_ context.Context, practitionerID catalog.PractitionerID) ([]catalog.Service, error) {
	if f.svcErr != nil {
		return nil, f.svcErr
	}
	return f.services[practitionerID], nil
}

func (f *fakeCatalog) BusinessesForPractitioner(_ context.Context, practitionerID catalog.PractitionerID) ([]catalog.BusinessID, error) {
	return f.workplaces[practitionerID], nil
}

func (f *fakeCatalog) Services(_ context.Context, _ uuid.UUID) ([]catalog.Service, error) {
	return f.clinicSvcs, nil
}

func (f *fakeCatalog) PractitionersForService(_ context.Context, _ uuid.UUID, serviceID catalog.ServiceID) ([]catalog.Practitioner, error) {
	return f.byService[serviceID], nil
}

type savedContext struct {
	phone string
	patch cache.BookingContext
}

// fakeMemory is the booking-context tier, keyed by normalized phone.
type fakeMemory struct {
	contexts map[string]cache.BookingContext
	reads    []string
	saved    []savedContext
}

func (f *fakeMemory) BookingContext(_ context.Context, _ uuid.UUID, phone string) (cache.BookingContext, bool) {
	f.reads = append(f.reads, phone)
	bc, ok := f.contexts[phone]
	return bc, ok
}

func (f *fakeMemory) SaveBookingContext(_ context.Context, _ uuid.UUID, phone string, patch cache.BookingContext) {
	f.saved = append(f.saved, savedContext{phone: phone, patch: patch})
}

// fakeRejections records the session rejected-slot calls.
type fakeRejections struct {
	rejected  []string
	cleared   int
	rejectErr error
	clearErr  error
}

func (f *fakeRejections) RejectSlots(_ context.Context, _ string, slotKeys ...string) error {
	if f.rejectErr != nil {
		return f.rejectErr
	}
	f.rejected = append(f.rejected, slotKeys...)
	return nil
}

func (f *fakeRejections) ClearRejectedSlots(_ context.Context, _ string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

// fakeEngine returns canned scan results and records the queries it saw.
type fakeEngine struct {
	day         availability.DayResult
	dayErr      error
	dayQueries  []availability.DayQuery
	next        availability.NextResult
	nextErr     error
	nextQueries []availability.NextQuery
}

func (f *fakeEngine) SlotsOnDate(_ context.Context, q availability.DayQuery) (availability.DayResult, error) {
	f.dayQueries = append(f.dayQueries, q)
	return f.day, f.dayErr
}

func (f *fakeEngine) FindNext(_ context.Context, q availability.NextQuery) (availability.NextResult, error) {
	f.nextQueries = append(f.nextQueries, q)
	return f.next, f.nextErr
}

// fakeCoordinator stands in for the booking coordinator.
type fakeCoordinator struct {
	confirmation   *booking.Confirmation
	createErr      error
	createReqs     []booking.CreateRequest
	cancellation   *booking.Cancellation
	cancelErr      error
	cancelReqs     []booking.CancelRequest
	rescheduled    *booking.Reschedule
	rescheduleErr  error
	rescheduleReqs []booking.RescheduleRequest
}

func (f *fakeCoordinator) Create(_ context.Context, req booking.CreateRequest) (*booking.Confirmation, error) {
	f.createReqs = append(f.createReqs, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.confirmation, nil
}

func (f *fakeCoordinator) Cancel(_ context.Context, req booking.CancelRequest) (*booking.Cancellation, error) {
	f.cancelReqs = append(f.cancelReqs, req)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return f.cancellation, nil
}

func (f *fakeCoordinator) Reschedule(_ context.Context, req booking.RescheduleRequest) (*booking.Reschedule, error) {
	f.rescheduleReqs = append(f.rescheduleReqs, req)
	if f.rescheduleErr != nil {
		return nil, f.rescheduleErr
	}
	return f.rescheduled, nil
}

type syncCall struct {
	clinicID uuid.UUID
	force    bool
}

// fakeSyncer answers manual cache sync requests.
type fakeSyncer struct {
	result *refresh.Result
	err    error
	calls  []syncCall
}

func (f *fakeSyncer) Sync(_ context.Context, clinicID uuid.UUID, force bool) (*refresh.Result, error) {
	f.calls = append(f.calls, syncCall{clinicID: clinicID, force: force})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeRunLog serves both the freshness probe and the warmup history.
type fakeRunLog struct {
	running    bool
	runningErr error
	last       *refresh.Run
	lastErr    error
	recent     []refresh.Run
	recentErr  error
	gotLimit   int
}

func (f *fakeRunLog) Running(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.running, f.runningErr
}

func (f *fakeRunLog) LastSuccess(_ context.Context, _ uuid.UUID) (*refresh.Run, error) {
	return f.last, f.lastErr
}

func (f *fakeRunLog) Recent(_ context.Context, _ uuid.UUID, limit int) ([]refresh.Run, error) {
	f.gotLimit = limit
	return f.recent, f.recentErr
}

// fakeAges reports the age of the availability tier.
type fakeAges struct {
	at     time.Time
	ok     bool
	probed chan struct{}
}

func (f *fakeAges) LastCachedAt(context.Context, uuid.UUID) (time.Time, bool) {
	if f.probed != nil {
		close(f.probed)
		f.probed = nil
	}
	return f.at, f.ok
}

// fakeQueue records enqueued sync jobs. The mutex matters: SyncTrigger
// enqueues from a detached goroutine.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	err      error
	signal   chan uuid.UUID
}

func (f *fakeQueue) EnqueueSync(_ context.Context, clinicID uuid.UUID, _ ...refresh.PublishOption) error {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, clinicID)
	f.mu.Unlock()
	if f.signal != nil {
		f.signal <- clinicID
	}
	return f.err
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// --- helpers ---

var testClinicID = uuid.MustParse("3f2c8c0a-9d4e-4f2b-8a4e-1c9a62d1b120")

func testClinic() *catalog.Clinic {
	return &catalog.Clinic{
		ID:          testClinicID,
		Name:        "Cove Health",
		PhoneNumber: "61290001111",
		Timezone:    "UTC",
		Active:      true,
	}
}

func testBusinesses() []catalog.Business {
	return []catalog.Business{
		{ID: "biz-city", ClinicID: testClinicID, Name: "City Clinic", IsPrimary: true, Aliases: []string{"main clinic"}},
		{ID: "biz-north", ClinicID: testClinicID, Name: "Northside Clinic"},
	}
}

func testRoster() []catalog.Practitioner {
	return []catalog.Practitioner{
		{ID: "prac-1", ClinicID: testClinicID, FirstName: "Sarah", LastName: "Chen", Active: true},
		{ID: "prac-2", ClinicID: testClinicID, FirstName: "Mark", LastName: "Doyle", Active: true},
	}
}

func testServices() []catalog.Service {
	return []catalog.Service{
		{ID: "svc-1", ClinicID: testClinicID, Name: "Standard Consultation", DurationMinutes: 30, Active: true},
		{ID: "svc-2", ClinicID: testClinicID, Name: "Physiotherapy", DurationMinutes: 45, Active: true},
	}
}

func postJSON(t *testing.T, handle http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return postRaw(handle, path, body)
}

func postRaw(handle http.HandlerFunc, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handle(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// --- tests ---

func TestSpeakList(t *testing.T) {
	cases := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"City Clinic"}, "City Clinic"},
		{[]string{"City Clinic", "Northside Clinic"}, "City Clinic and Northside Clinic"},
		{[]string{"Ann", "Ben", "Cam"}, "Ann, Ben, and Cam"},
	}
	for _, tc := range cases {
		if got := speakList(tc.items); got != tc.want {
			t.Errorf("speakList(%v) = %q, want %q", tc.items, got, tc.want)
		}
	}
}

func TestCallerPhone(t *testing.T) {
	if got := callerPhone("0412345678", "0499999999"); got != "0412345678" {
		t.Errorf("explicit field should win, got %q", got)
	}
	if got := callerPhone("  ", "0499999999"); got != "0499999999" {
		t.Errorf("system caller id fallback, got %q", got)
	}
	if got := callerPhone("", ""); got != "" {
		t.Errorf("no phone at all, got %q", got)
	}
}

func TestSlotOfRendersInClinicZone(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	start := time.Date(2026, 7, 14, 23, 30, 0, 0, time.UTC)

	slot := slotOf(start, loc)

	if slot.Date != "2026-07-15" {
		t.Errorf("date = %s, want 2026-07-15", slot.Date)
	}
	if slot.Time != "09:30" {
		t.Errorf("time = %s, want 09:30", slot.Time)
	}
	if slot.DisplayTime != "9:30 AM" {
		t.Errorf("display time = %s, want 9:30 AM", slot.DisplayTime)
	}
}

func TestResolveClinic(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic()}

	clinic, ve := resolveClinic(context.Background(), dir, "sess-1", "0290001111")
	if ve != nil {
		t.Fatalf("unexpected envelope: %+v", ve)
	}
	if clinic.ID != testClinicID {
		t.Errorf("clinic id = %s", clinic.ID)
	}
}

func TestResolveClinicUnknownNumber(t *testing.T) {
	dir := &fakeCatalog{}

	_, ve := resolveClinic(context.Background(), dir, "sess-1", "0299998888")
	if ve == nil {
		t.Fatal("expected an envelope for an unknown dialed number")
	}
	if ve.Code != codeClinicNotFound {
		t.Errorf("code = %s, want %s", ve.Code, codeClinicNotFound)
	}
	if ve.Message != msgClinicNotFound {
		t.Errorf("message = %q", ve.Message)
	}
	if ve.Success || ve.Resolved {
		t.Error("failure envelope must not claim success")
	}
}

func TestResolveClinicReadFailure(t *testing.T) {
	dir := &fakeCatalog{clinicErr: errors.New("connection refused")}

	_, ve := resolveClinic(context.Background(), dir, "sess-1", "0290001111")
	if ve == nil {
		t.Fatal("expected an envelope for a read failure")
	}
	if ve.Code != codeDatabaseError {
		t.Errorf("code = %s, want %s", ve.Code, codeDatabaseError)
	}
}

func TestSyncTriggerEnqueuesWhenStale(t *testing.T) {
	signal := make(chan uuid.UUID, 1)
	ages := &fakeAges{at: time.Now().Add(-2 * refresh.StaleAfter), ok: true}
	queue := &fakeQueue{signal: signal}
	trig := NewSyncTrigger(ages, queue, logging.Default())

	clinicID := uuid.New()
	trig.Fire(clinicID)

	select {
	case got := <-signal:
		if got != clinicID {
			t.Errorf("enqueued clinic %s, want %s", got, clinicID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync enqueued for a stale cache")
	}
}

func TestSyncTriggerEnqueuesWhenNeverCached(t *testing.T) {
	signal := make(chan uuid.UUID, 1)
	ages := &fakeAges{ok: false}
	queue := &fakeQueue{signal: signal}
	trig := NewSyncTrigger(ages, queue, logging.Default())

	trig.Fire(uuid.New())

	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync enqueued for a clinic that was never cached")
	}
}

func TestSyncTriggerSkipsFreshCache(t *testing.T) {
	probed := make(chan struct{})
	ages := &fakeAges{at: time.Now(), ok: true, probed: probed}
	queue := &fakeQueue{}
	trig := NewSyncTrigger(ages, queue, logging.Default())

	trig.Fire(uuid.New())

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never probed the cache age")
	}
	time.Sleep(20 * time.Millisecond)
	if n := queue.count(); n != 0 {
		t.Errorf("enqueued %d syncs for a fresh cache", n)
	}
}

func TestSyncTriggerNilSafe(t *testing.T) {
	var trig *SyncTrigger
	trig.Fire(uuid.New()) // must not panic

	disabled := NewSyncTrigger(&fakeAges{}, nil, logging.Default())
	disabled.Fire(uuid.New()) // nil queue disables the trigger
}
