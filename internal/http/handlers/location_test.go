package handlers

import (
	"net/http"
	"testing"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
)

func newLocationHandler(dir locationDirectory, memory callerMemory) *LocationHandler {
	return NewLocationHandler(LocationHandlerConfig{Directory: dir, Memory: memory})
}

func TestHandleResolveLocationExactMatch(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		LocationQuery: "Northside Clinic",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp locationResolverResponse
	decodeInto(t, w, &resp)

	if !resp.Success || !resp.Resolved || resp.NeedsClarification {
		t.Fatalf("resolution flags = %+v", resp)
	}
	if resp.Message != "I'll book you at Northside Clinic" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Location == nil || resp.Location.ID != "biz-north" {
		t.Errorf("location = %+v", resp.Location)
	}
	if resp.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", resp.Confidence)
	}
}

func TestHandleResolveLocationSingleLocationAutoResolves(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()[:1]}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		LocationQuery: "whichever is closest",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
	})

	var resp locationResolverResponse
	decodeInto(t, w, &resp)
	if !resp.Resolved {
		t.Fatalf("single location should resolve, got %+v", resp)
	}
	if resp.Location == nil || resp.Location.ID != "biz-city" {
		t.Errorf("location = %+v", resp.Location)
	}
}

func TestHandleResolveLocationAmbiguousListsAll(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp locationResolverResponse
	decodeInto(t, w, &resp)

	if resp.Resolved || !resp.NeedsClarification {
		t.Fatalf("expected clarification, got %+v", resp)
	}
	// Primary location is spoken first on a scoreless tie.
	want := "We have two locations: City Clinic and Northside Clinic. Which one would you prefer?"
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
	if len(resp.Options) != 2 {
		t.Errorf("options = %+v", resp.Options)
	}
}

func TestHandleResolveLocationReadsCallerMemory(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}
	memory := &fakeMemory{contexts: map[string]cache.BookingContext{
		"61412345678": {PreferredBusinessID: "biz-north"},
	}}
	h := newLocationHandler(dir, memory)

	postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		LocationQuery: "the usual place",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
		CallerPhone:   "0412 345 678",
	})

	if len(memory.reads) != 1 || memory.reads[0] != "61412345678" {
		t.Errorf("memory reads = %v, want normalized caller phone", memory.reads)
	}
}

func TestHandleResolveLocationUnknownClinic(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{}, nil)

	w := postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		LocationQuery: "City",
		SessionID:     "sess-1",
		DialedNumber:  "0299998888",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("voice errors ride on 200, got %d", w.Code)
	}
	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeClinicNotFound {
		t.Errorf("code = %s, want %s", ve.Code, codeClinicNotFound)
	}
}

func TestHandleResolveLocationNoLocations(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic()}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleResolveLocation, "/location-resolver", locationResolverRequest{
		LocationQuery: "City",
		SessionID:     "sess-1",
		DialedNumber:  "0290001111",
	})

	var resp locationResolverResponse
	decodeInto(t, w, &resp)
	if resp.Success {
		t.Error("a clinic without locations is not a success")
	}
	if resp.Message != "I couldn't find any locations for this clinic. Please contact the clinic directly." {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleResolveLocationMalformedPayload(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic()}, nil)

	if w := postRaw(h.HandleResolveLocation, "/location-resolver", []byte("not json")); w.Code != http.StatusBadRequest {
		t.Errorf("garbage body: status = %d, want 400", w.Code)
	}
	if w := postRaw(h.HandleResolveLocation, "/location-resolver", []byte(`{"bogus":true}`)); w.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", w.Code)
	}
}

func TestHandleConfirmLocationPicksSecond(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}
	memory := &fakeMemory{}
	h := newLocationHandler(dir, memory)

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "the second one",
		Options:      []string{"City Clinic", "Northside Clinic"},
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
		CallerPhone:  "0412345678",
	})

	var resp confirmLocationResponse
	decodeInto(t, w, &resp)

	if !resp.LocationConfirmed || !resp.Resolved {
		t.Fatalf("confirmation flags = %+v", resp)
	}
	if resp.Message != "Perfect! I'll use our Northside Clinic for your appointment." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Location == nil || resp.Location.ID != "biz-north" {
		t.Errorf("location = %+v", resp.Location)
	}
	if resp.Confidence != 1.0 {
		t.Errorf("confidence = %v", resp.Confidence)
	}

	if len(memory.saved) != 1 {
		t.Fatalf("saved contexts = %d, want 1", len(memory.saved))
	}
	saved := memory.saved[0]
	if saved.phone != "61412345678" {
		t.Errorf("saved phone = %s, want normalized", saved.phone)
	}
	if saved.patch.PreferredBusinessID != "biz-north" || saved.patch.PreferredBusinessName != "Northside Clinic" {
		t.Errorf("saved patch = %+v", saved.patch)
	}
}

func TestHandleConfirmLocationWithoutOptions(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic()}, nil)

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "yes",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp confirmLocationResponse
	decodeInto(t, w, &resp)
	if resp.Action != "need_location_resolver" {
		t.Errorf("action = %q, want need_location_resolver", resp.Action)
	}
	if resp.LocationConfirmed {
		t.Error("nothing was confirmed")
	}
}

func TestHandleConfirmLocationEmptyResponse(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic()}, nil)
	options := []string{"City Clinic", "Northside Clinic"}

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "   ",
		Options:      options,
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp confirmLocationResponse
	decodeInto(t, w, &resp)
	if resp.Message != "Could you please tell me which location you prefer?" {
		t.Errorf("message = %q", resp.Message)
	}
	if len(resp.Options) != 2 {
		t.Errorf("options should be echoed back, got %v", resp.Options)
	}
}

func TestHandleConfirmLocationReprompt(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}, nil)

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "hmm maybe",
		Options:      []string{"City Clinic", "Northside Clinic"},
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp confirmLocationResponse
	decodeInto(t, w, &resp)
	want := "I have two locations: City Clinic and Northside Clinic. You can say 'first', 'second', or the location name."
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
	if resp.LocationConfirmed {
		t.Error("a reprompt must not confirm")
	}
}

func TestHandleConfirmLocationChoiceNotInCatalog(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}, nil)

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "first",
		Options:      []string{"Harbour Clinic", "Northside Clinic"},
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeLocationRequired {
		t.Errorf("code = %s, want %s", ve.Code, codeLocationRequired)
	}
}

func TestHandleConfirmLocationClinicLookupFails(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{}, nil)
	options := []string{"City Clinic", "Northside Clinic"}

	w := postJSON(t, h.HandleConfirmLocation, "/confirm-location", confirmLocationRequest{
		UserResponse: "first",
		Options:      options,
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp confirmLocationResponse
	decodeInto(t, w, &resp)
	if resp.Message != "I'm having trouble accessing the clinic information. Could you please try again?" {
		t.Errorf("message = %q", resp.Message)
	}
	if len(resp.Options) != 2 {
		t.Errorf("options should be echoed for a retry, got %v", resp.Options)
	}
}

func TestPickOption(t *testing.T) {
	two := []string{"City Clinic", "Northside Clinic"}
	three := []string{"City Clinic", "Northside Clinic", "Harbour Clinic"}

	cases := []struct {
		response string
		options  []string
		want     int
		ok       bool
	}{
		{"first", two, 0, true},
		{"1", two, 0, true},
		{"one", two, 0, true},
		{"the second one", two, 1, true},
		{"2", two, 1, true},
		{"third", three, 2, true},
		{"third", two, 0, false},
		{"yes", two, 0, true},
		{"yeah that sounds right", two, 0, true},
		{"northside", two, 1, true},
		{"City Clinic please", two, 0, true},
		{"the other one", two, 1, true},
		{"the last one", two, 1, true},
		{"", two, 0, false},
		{"hmm maybe", two, 0, false},
	}
	for _, tc := range cases {
		got, ok := pickOption(tc.response, tc.options)
		if got != tc.want || ok != tc.ok {
			t.Errorf("pickOption(%q, %d options) = (%d, %v), want (%d, %v)",
				tc.response, len(tc.options), got, ok, tc.want, tc.ok)
		}
	}
}

func TestMatchBusinessName(t *testing.T) {
	businesses := testBusinesses()

	if b := matchBusinessName("city clinic", businesses); b == nil || b.ID != "biz-city" {
		t.Errorf("exact name: %+v", b)
	}
	if b := matchBusinessName("Main Clinic", businesses); b == nil || b.ID != "biz-city" {
		t.Errorf("alias: %+v", b)
	}
	if b := matchBusinessName("north", businesses); b == nil || b.ID != "biz-north" {
		t.Errorf("substring: %+v", b)
	}
	if b := matchBusinessName("Westfield", businesses); b != nil {
		t.Errorf("unknown name matched %+v", b)
	}
	if b := matchBusinessName("  ", businesses); b != nil {
		t.Errorf("blank name matched %+v", b)
	}
}

func TestHandleLocationPractitioners(t *testing.T) {
	roster := testRoster()
	dir := &fakeCatalog{
		clinic:     testClinic(),
		businesses: testBusinesses(),
		summaries: map[catalog.BusinessID][]catalog.PractitionerSummary{
			"biz-city": {
				{Practitioner: roster[0], ServiceCount: 3},
				{Practitioner: roster[1], ServiceCount: 2},
			},
		},
	}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleLocationPractitioners, "/get-location-practitioners", locationPractitionersRequest{
		BusinessID:   "biz-city",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp locationPractitionersResponse
	decodeInto(t, w, &resp)

	if resp.Message != "At City Clinic, we have 2 practitioners available." {
		t.Errorf("message = %q", resp.Message)
	}
	if len(resp.Practitioners) != 2 {
		t.Fatalf("practitioners = %d, want 2", len(resp.Practitioners))
	}
	if resp.Practitioners[0].Name != "Sarah Chen" || resp.Practitioners[0].ServicesCount != 3 {
		t.Errorf("first practitioner = %+v", resp.Practitioners[0])
	}
	if resp.Location == nil || resp.Location.ID != "biz-city" {
		t.Errorf("location = %+v", resp.Location)
	}
}

func TestHandleLocationPractitionersAcceptsLocationIDAlias(t *testing.T) {
	roster := testRoster()
	dir := &fakeCatalog{
		clinic:     testClinic(),
		businesses: testBusinesses(),
		summaries: map[catalog.BusinessID][]catalog.PractitionerSummary{
			"biz-north": {{Practitioner: roster[0], ServiceCount: 1}},
		},
	}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleLocationPractitioners, "/get-location-practitioners", locationPractitionersRequest{
		LocationID:   "biz-north",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var resp locationPractitionersResponse
	decodeInto(t, w, &resp)
	if resp.Message != "At Northside Clinic, we have 1 practitioner available." {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleLocationPractitionersRequiresLocation(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}, nil)

	w := postJSON(t, h.HandleLocationPractitioners, "/get-location-practitioners", locationPractitionersRequest{
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeLocationRequired {
		t.Errorf("code = %s, want %s", ve.Code, codeLocationRequired)
	}
}

func TestHandleLocationPractitionersUnknownBusiness(t *testing.T) {
	h := newLocationHandler(&fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}, nil)

	w := postJSON(t, h.HandleLocationPractitioners, "/get-location-practitioners", locationPractitionersRequest{
		BusinessID:   "biz-nowhere",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codeInvalidBusinessID {
		t.Errorf("code = %s, want %s", ve.Code, codeInvalidBusinessID)
	}
}

func TestHandleLocationPractitionersEmptyRoster(t *testing.T) {
	dir := &fakeCatalog{clinic: testClinic(), businesses: testBusinesses()}
	h := newLocationHandler(dir, nil)

	w := postJSON(t, h.HandleLocationPractitioners, "/get-location-practitioners", locationPractitionersRequest{
		BusinessID:   "biz-city",
		SessionID:    "sess-1",
		DialedNumber: "0290001111",
	})

	var ve voiceError
	decodeInto(t, w, &ve)
	if ve.Code != codePractitionerNotFound {
		t.Errorf("code = %s, want %s", ve.Code, codePractitionerNotFound)
	}
}
