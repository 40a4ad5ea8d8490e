package pms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/covehealth/voicebook-platform/internal/timeloc"
)

func testClient(t *testing.T, ts *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithBaseURL(ts.URL), WithMaxRetries(1)}
	return NewClient(Credentials{APIKey: "key-123", Shard: "au1"}, nil, append(base, opts...)...)
}

func TestListPractitionersPaginates(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Basic a2V5LTEyMzo=" {
			t.Errorf("unexpected auth header %q", got)
		}
		switch {
		case r.URL.Path == "/practitioners" && r.URL.Query().Get("page") == "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"practitioners": []map[string]any{{"id": 1, "first_name": "Sarah", "last_name": "Chen", "active": true}},
				"links":         map[string]any{"next": ts.URL + "/practitioners?page=2"},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"practitioners": []map[string]any{{"id": 2, "first_name": "James", "last_name": "Wright", "active": true}},
				"links":         map[string]any{},
			})
		}
	}))
	defer ts.Close()

	c := testClient(t, ts)
	prs, err := c.ListPractitioners(context.Background())
	if err != nil {
		t.Fatalf("ListPractitioners error: %v", err)
	}
	if len(prs) != 2 || prs[0].FirstName != "Sarah" || prs[1].FirstName != "James" {
		t.Fatalf("unexpected practitioners: %+v", prs)
	}
}

func TestAvailableTimesRejectsWideSpan(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	from := timeloc.NewDate(2025, time.July, 1)
	_, err := c.AvailableTimes(context.Background(), "b1", "p1", "t1", from, from.AddDays(7))

	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeInvalidTimeFrame {
		t.Fatalf("expected invalid_time_frame, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no upstream requests, got %d", calls)
	}
}

func TestAvailableTimesParsesSlots(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "2025-07-07" || r.URL.Query().Get("to") != "2025-07-09" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"available_times": []map[string]any{
				{"appointment_start": "2025-07-06T23:30:00Z"},
				{"appointment_start": "2025-07-07T00:00:00Z"},
			},
		})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	from := timeloc.NewDate(2025, time.July, 7)
	slots, err := c.AvailableTimes(context.Background(), "b1", "p1", "t1", from, from.AddDays(2))
	if err != nil {
		t.Fatalf("AvailableTimes error: %v", err)
	}
	if len(slots) != 2 || slots[0].AppointmentStart != "2025-07-06T23:30:00Z" {
		t.Fatalf("unexpected slots: %+v", slots)
	}
}

func TestGetRetriesTransient(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"businesses": []map[string]any{{"id": 1, "business_name": "City Clinic"}}})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	bs, err := c.ListBusinesses(context.Background())
	if err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}
	if len(bs) != 1 || bs[0].Name() != "City Clinic" {
		t.Fatalf("unexpected businesses: %+v", bs)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestCreateAppointmentNeverRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "This appointment has already been booked"})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	_, err := c.CreateAppointment(context.Background(), CreateAppointmentRequest{
		PatientID:         "pa1",
		PractitionerID:    "p1",
		AppointmentTypeID: "t1",
		BusinessID:        "b1",
		StartsAt:          time.Date(2025, time.July, 7, 0, 0, 0, 0, time.UTC),
		EndsAt:            time.Date(2025, time.July, 7, 0, 30, 0, 0, time.UTC),
	})

	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeSlotTaken {
		t.Fatalf("expected slot_taken, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("booking POST must not retry, got %d attempts", got)
	}
}

func TestCreateAppointmentSendsUTC(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["appointment_start"] != "2025-07-06T23:30:00Z" {
			t.Errorf("appointment_start = %v", body["appointment_start"])
		}
		if body["appointment_end"] != "2025-07-07T00:00:00Z" {
			t.Errorf("appointment_end = %v", body["appointment_end"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 991, "appointment_start": body["appointment_start"]})
	}))
	defer ts.Close()

	c := testClient(t, ts)

	sydney, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	start := time.Date(2025, time.July, 7, 9, 30, 0, 0, sydney)

	appt, err := c.CreateAppointment(context.Background(), CreateAppointmentRequest{
		PatientID:         "pa1",
		PractitionerID:    "p1",
		AppointmentTypeID: "t1",
		BusinessID:        "b1",
		StartsAt:          start,
		EndsAt:            start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateAppointment error: %v", err)
	}
	if appt.ID.String() != "991" {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
}

func TestFindPatientExactMatchOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("search") != "61412345678" {
			t.Errorf("unexpected search %q", r.URL.Query().Get("search"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"patients": []map[string]any{
				{"id": 1, "first_name": "Partial", "phone_numbers": []map[string]any{{"number": "61412345999"}}},
				{"id": 2, "first_name": "Exact", "phone_numbers": []map[string]any{{"number": "61412345678"}}},
			},
		})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	p, err := c.FindPatient(context.Background(), "61412345678")
	if err != nil {
		t.Fatalf("FindPatient error: %v", err)
	}
	if p.FirstName != "Exact" {
		t.Fatalf("matched wrong patient: %+v", p)
	}
}

func TestFindPatientNoMatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"patients": []map[string]any{
				{"id": 1, "first_name": "Partial", "phone_numbers": []map[string]any{{"number": "61412345999"}}},
			},
		})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	if _, err := c.FindPatient(context.Background(), "61412345678"); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	t.Run("success 204", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete || r.URL.Path != "/appointments/42" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		c := testClient(t, ts)
		if err := c.CancelAppointment(context.Background(), "42"); err != nil {
			t.Fatalf("CancelAppointment error: %v", err)
		}
	})

	t.Run("already gone surfaces not_found", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		c := testClient(t, ts)
		err := c.CancelAppointment(context.Background(), "42")
		var pe *Error
		if !errors.As(err, &pe) || pe.Code != CodeNotFound {
			t.Fatalf("expected not_found, got %v", err)
		}
	})
}

func TestListAppointmentsUpdatedSince(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q[]"); got != "updated_at:>2025-07-01T00:00:00Z" {
			t.Errorf("unexpected filter %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"appointments": []map[string]any{{
				"id":                991,
				"appointment_start": "2025-07-07T00:00:00Z",
				"practitioner":      map[string]any{"links": map[string]any{"self": "https://api.au1.cliniko.com/v1/practitioners/77"}},
			}},
		})
	}))
	defer ts.Close()

	c := testClient(t, ts)
	appts, err := c.ListAppointmentsUpdatedSince(context.Background(), time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListAppointmentsUpdatedSince error: %v", err)
	}
	if len(appts) != 1 || appts[0].Practitioner.ID() != "77" {
		t.Fatalf("unexpected appointments: %+v", appts)
	}
}
