package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/availability"
	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/internal/timeloc"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	opCheckAvailability      = "availability_checker"
	opFindNext               = "find_next_available"
	opAvailablePractitioners = "available_practitioners"
)

// longDateFormat is how dates are spoken back in availability answers.
const longDateFormat = "Monday, January 2, 2006"

// availabilityDirectory is the catalog slice the availability flows read.
type availabilityDirectory interface {
	ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error)
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]catalog.Practitioner, error)
	PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID catalog.BusinessID) ([]catalog.Practitioner, error)
	ServicesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.Service, error)
	BusinessesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.BusinessID, error)
	Businesses(ctx context.Context, clinicID uuid.UUID) ([]catalog.Business, error)
	Services(ctx context.Context, clinicID uuid.UUID) ([]catalog.Service, error)
	PractitionersForService(ctx context.Context, clinicID uuid.UUID, serviceID catalog.ServiceID) ([]catalog.Practitioner, error)
}

// slotEngine is the slice of the availability engine the handlers drive.
type slotEngine interface {
	SlotsOnDate(ctx context.Context, q availability.DayQuery) (availability.DayResult, error)
	FindNext(ctx context.Context, q availability.NextQuery) (availability.NextResult, error)
}

// slotRejections is the session-store slice tracking slots the caller has
// turned down.
type slotRejections interface {
	RejectSlots(ctx context.Context, sessionID string, slotKeys ...string) error
	ClearRejectedSlots(ctx context.Context, sessionID string) error
}

// AvailabilityHandler answers the three slot questions: everything on a
// date, the earliest slot within a horizon, and who has an opening on a
// date.
type AvailabilityHandler struct {
	directory availabilityDirectory
	engine    slotEngine
	sessions  slotRejections
	memory    callerMemory
	trigger   *SyncTrigger
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// AvailabilityHandlerConfig configures the AvailabilityHandler.
type AvailabilityHandlerConfig struct {
	Directory availabilityDirectory
	Engine    slotEngine
	Sessions  slotRejections
	Memory    callerMemory
	Trigger   *SyncTrigger
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewAvailabilityHandler creates a new AvailabilityHandler.
func NewAvailabilityHandler(cfg AvailabilityHandlerConfig) *AvailabilityHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AvailabilityHandler{
		directory: cfg.Directory,
		engine:    cfg.Engine,
		sessions:  cfg.Sessions,
		memory:    cfg.Memory,
		trigger:   cfg.Trigger,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

type availabilityRequest struct {
	// Action is accepted for compatibility with older agent tooling and
	// ignored; this endpoint only checks.
	Action          string `json:"action,omitempty"`
	Practitioner    string `json:"practitioner"`
	Date            string `json:"date"`
	AppointmentType string `json:"appointmentType,omitempty"`
	BusinessID      string `json:"business_id,omitempty"`
	BusinessName    string `json:"business_name,omitempty"`
	Location        string `json:"location,omitempty"`
	SessionID       string `json:"sessionId"`
	DialedNumber    string `json:"dialedNumber"`
	CallerPhone     string `json:"callerPhone,omitempty"`
	SystemCallerID  string `json:"systemCallerID,omitempty"`
}

type availabilityResponse struct {
	Success        bool              `json:"success"`
	SessionID      string            `json:"sessionId"`
	Message        string            `json:"message"`
	Practitioner   *practitionerData `json:"practitioner"`
	Service        *serviceData      `json:"service,omitempty"`
	Date           string            `json:"date"`
	AvailableTimes []string          `json:"available_times"`
	Slots          []*timeSlotData   `json:"slots"`
	Location       *locationData     `json:"location,omitempty"`
}

// HandleCheckAvailability is the HTTP handler for POST /availability-checker:
// all offerable times for one practitioner on one specific date. Without an
// explicit location it scans every location the practitioner works at and
// asks the caller to pick only when more than one has openings.
func (h *AvailabilityHandler) HandleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/availability-checker", body)

	var req availabilityRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("availability-checker: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opCheckAvailability, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ve := h.checkAvailability(ctx, w, req)
	if ve != nil {
		h.metrics.ObserveWebhook(opCheckAvailability, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.metrics.ObserveWebhook(opCheckAvailability, "ok", time.Since(started))
}

// checkAvailability runs the scan and writes the success response itself;
// every failure comes back as an envelope for the caller to write.
func (h *AvailabilityHandler) checkAvailability(ctx context.Context, w http.ResponseWriter, req availabilityRequest) *voiceError {
	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	practitioner, ve := matchSpokenPractitioner(ctx, h.directory, clinic.ID, req.SessionID, req.Practitioner)
	if ve != nil {
		return ve
	}

	services, err := h.directory.ServicesForPractitioner(ctx, practitioner.ID)
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	if len(services) == 0 {
		return newVoiceError(req.SessionID, codeServiceNotFound,
			fmt.Sprintf("%s doesn't have any appointment types configured.", practitioner.FullName()))
	}
	service := services[0]
	if req.AppointmentType != "" {
		matched, ok := matching.MatchServiceStrict(req.AppointmentType, services)
		if !ok {
			names := make([]string, len(services))
			for i, s := range services {
				names[i] = s.Name
			}
			return newVoiceError(req.SessionID, codeServiceNotFound,
				fmt.Sprintf("I couldn't find %q services with %s. They offer: %s",
					req.AppointmentType, practitioner.FullName(), strings.Join(names, ", ")))
		}
		service = matched
	}

	if strings.TrimSpace(req.Date) == "" {
		return voiceErrorFor(req.SessionID, availability.ErrUseFindNext, errorContext{})
	}
	date, err := timeloc.ParseDateExpression(req.Date, timeloc.Today(loc))
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	h.clearRejectionsOnNewSearch(ctx, clinic.ID, req.SessionID, req.CallerPhone, req.SystemCallerID, practitioner.ID, service.ID)

	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}

	// Candidate locations: an explicit reference pins one, a spoken phrase
	// resolves to one, otherwise every location the practitioner works at.
	var candidates []catalog.Business
	switch {
	case req.BusinessID != "" || req.BusinessName != "":
		business := businessByRef(req.BusinessID, req.BusinessName, businesses)
		if business == nil {
			return newVoiceError(req.SessionID, codeInvalidBusinessID,
				"The business ID provided is not valid for this clinic.")
		}
		candidates = []catalog.Business{*business}
	case req.Location != "":
		res := matching.ResolveLocation(matching.LocationQuery{Query: req.Location}, businesses)
		if res.Outcome != matching.OutcomeResolved {
			return locationClarification(req.SessionID, res)
		}
		candidates = []catalog.Business{res.Selected.Business}
	default:
		candidates, err = h.workplaces(ctx, practitioner.ID, businesses)
		if err != nil {
			return voiceErrorFor(req.SessionID, err, errorContext{})
		}
		if len(candidates) == 0 {
			return newVoiceError(req.SessionID, codeLocationMismatch,
				fmt.Sprintf("%s doesn't work at any of our locations. Please check with our staff about their schedule.", practitioner.FullName()))
		}
	}

	criteria := make([]availability.Criteria, len(candidates))
	for i, b := range candidates {
		criteria[i] = availability.Criteria{
			PractitionerID:   practitioner.ID,
			PractitionerName: practitioner.FullName(),
			BusinessID:       b.ID,
			BusinessName:     b.Name,
			ServiceID:        service.ID,
			ServiceName:      service.Name,
		}
	}
	day, err := h.engine.SlotsOnDate(ctx, availability.DayQuery{
		Clinic:    *clinic,
		SessionID: req.SessionID,
		Date:      date,
		Criteria:  criteria,
	})
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}

	chosen := 0
	if len(candidates) > 1 {
		var withSlots []int
		for i, cs := range day.Results {
			if len(cs.Slots) > 0 {
				withSlots = append(withSlots, i)
			}
		}
		switch {
		case len(withSlots) == 0 && day.Partial:
			return newVoiceError(req.SessionID, codeUpstreamError,
				"I encountered an error with the booking system. Please try again or contact the clinic directly.")
		case len(withSlots) == 0:
			h.writeNoLocationHasSlots(ctx, w, req, clinic, loc, *practitioner, service, candidates, criteria, date)
			return nil
		case len(withSlots) == 1:
			chosen = withSlots[0]
		default:
			names := make([]string, len(withSlots))
			for i, idx := range withSlots {
				names[i] = candidates[idx].Name
			}
			ve := newVoiceError(req.SessionID, codeLocationRequired,
				fmt.Sprintf("Which location would you like to check? %s has availability on %s at: %s",
					practitioner.FullName(), date.Time(loc).Format(longDateFormat), strings.Join(names, ", ")))
			ve.NeedsClarification = true
			ve.Options = names
			return ve
		}
	}

	slots := day.Results[chosen].Slots
	if len(slots) == 0 && day.Results[chosen].Failed {
		return newVoiceError(req.SessionID, codeUpstreamError,
			"I encountered an error with the booking system. Please try again or contact the clinic directly.")
	}
	business := candidates[chosen]

	h.saveSearchContext(ctx, clinic.ID, req.CallerPhone, req.SystemCallerID, *practitioner, service, date)
	h.logger.Info("availability checked",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"practitioner_id", practitioner.ID,
		"business_id", business.ID,
		"date", date.String(),
		"slots", len(slots),
		"filtered", day.Filtered)

	writeJSON(w, http.StatusOK, h.dayResponse(req.SessionID, loc, *practitioner, service, business, date, slots))
	return nil
}

// writeNoLocationHasSlots speaks the all-locations-empty outcome, with the
// earliest later opening appended when one exists within the scan ceiling.
func (h *AvailabilityHandler) writeNoLocationHasSlots(ctx context.Context, w http.ResponseWriter, req availabilityRequest, clinic *catalog.Clinic, loc *time.Location, p catalog.Practitioner, svc catalog.Service, candidates []catalog.Business, criteria []availability.Criteria, date timeloc.Date) {
	names := make([]string, len(candidates))
	for i, b := range candidates {
		names[i] = b.Name
	}
	msg := fmt.Sprintf("%s doesn't have any availability on %s at any of their locations (%s).",
		p.FullName(), date.Time(loc).Format(longDateFormat), strings.Join(names, ", "))

	next, err := h.engine.FindNext(ctx, availability.NextQuery{
		Clinic:    *clinic,
		SessionID: req.SessionID,
		Criteria:  criteria,
		From:      date.AddDays(1),
		MaxDays:   availability.MaxScanDays,
	})
	switch {
	case err == nil && next.Found:
		msg += fmt.Sprintf(" The next available time is %s at our %s.",
			timeloc.FormatSlotForVoice(next.Best.Start, loc), next.Best.Criteria.BusinessName)
	default:
		msg += fmt.Sprintf(" I couldn't find any availability in the next %d days.", availability.MaxScanDays)
	}

	writeJSON(w, http.StatusOK, &availabilityResponse{
		Success:        true,
		SessionID:      req.SessionID,
		Message:        msg,
		Practitioner:   practitionerOf(p, 0),
		Service:        serviceOf(svc),
		Date:           date.Time(loc).Format(longDateFormat),
		AvailableTimes: []string{},
		Slots:          []*timeSlotData{},
	})
}

func (h *AvailabilityHandler) dayResponse(sessionID string, loc *time.Location, p catalog.Practitioner, svc catalog.Service, b catalog.Business, date timeloc.Date, slots []time.Time) *availabilityResponse {
	times := make([]string, len(slots))
	data := make([]*timeSlotData, len(slots))
	for i, t := range slots {
		times[i] = timeloc.FormatTimeForVoice(t, loc)
		data[i] = slotOf(t, loc)
	}
	longDate := date.Time(loc).Format(longDateFormat)
	return &availabilityResponse{
		Success:        true,
		SessionID:      sessionID,
		Message:        availabilityMessage(p.FullName(), b.Name, longDate, times, slots, loc),
		Practitioner:   practitionerOf(p, 0),
		Service:        serviceOf(svc),
		Date:           longDate,
		AvailableTimes: times,
		Slots:          data,
		Location:       locationOf(b),
	}
}

// availabilityMessage renders the day's openings for voice: apologetic when
// empty, a flat list up to four, grouped by part of day beyond that.
func availabilityMessage(practitioner, business, longDate string, times []string, slots []time.Time, loc *time.Location) string {
	switch {
	case len(times) == 0:
		return fmt.Sprintf("I'm sorry, %s doesn't have any available appointments at %s on %s. Would you like me to check another day or location?",
			practitioner, business, longDate)
	case len(times) <= 4:
		return fmt.Sprintf("%s has the following times available at %s on %s: %s",
			practitioner, business, longDate, strings.Join(times, ", "))
	default:
		var morning, afternoon, evening []string
		for i, t := range slots {
			switch hour := t.In(loc).Hour(); {
			case hour < 12:
				morning = append(morning, times[i])
			case hour < 17:
				afternoon = append(afternoon, times[i])
			default:
				evening = append(evening, times[i])
			}
		}
		msg := fmt.Sprintf("%s has availability at %s on %s:", practitioner, business, longDate)
		msg += timeGroup("Morning", morning, 5)
		msg += timeGroup("Afternoon", afternoon, 5)
		msg += timeGroup("Evening", evening, 3)
		return msg
	}
}

func timeGroup(label string, times []string, limit int) string {
	if len(times) == 0 {
		return ""
	}
	shown := times
	extra := 0
	if len(shown) > limit {
		extra = len(shown) - limit
		shown = shown[:limit]
	}
	out := fmt.Sprintf("\n\n%s: %s", label, strings.Join(shown, ", "))
	if extra > 0 {
		out += fmt.Sprintf(" and %d more", extra)
	}
	return out
}

// locationClarification renders a non-resolved location outcome as a spoken
// envelope for flows that need a single location to continue.
func locationClarification(sessionID string, res matching.LocationResolution) *voiceError {
	resp := resolutionResponse(sessionID, res)
	ve := newVoiceError(sessionID, codeLocationRequired, resp.Message)
	ve.NeedsClarification = true
	for _, o := range resp.Options {
		ve.Options = append(ve.Options, o.Name)
	}
	return ve
}

// workplaces returns the clinic businesses a practitioner is assigned to, in
// the clinic's business ordering.
func (h *AvailabilityHandler) workplaces(ctx context.Context, practitionerID catalog.PractitionerID, businesses []catalog.Business) ([]catalog.Business, error) {
	ids, err := h.directory.BusinessesForPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	assigned := make(map[catalog.BusinessID]bool, len(ids))
	for _, id := range ids {
		assigned[id] = true
	}
	var out []catalog.Business
	for _, b := range businesses {
		if assigned[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

// saveSearchContext remembers what the caller just searched for, so later
// calls in this conversation (and the next call from this number) start from
// it. Best effort; no phone, no save.
func (h *AvailabilityHandler) saveSearchContext(ctx context.Context, clinicID uuid.UUID, primary, system string, p catalog.Practitioner, svc catalog.Service, date timeloc.Date) {
	phone := callerPhone(primary, system)
	if phone == "" || h.memory == nil {
		return
	}
	patch := cache.BookingContext{
		LastPractitionerID:   p.ID,
		LastPractitionerName: p.FullName(),
		LastServiceID:        svc.ID,
		LastServiceName:      svc.Name,
	}
	if !date.IsZero() {
		patch.LastSearchDate = date.String()
	}
	h.memory.SaveBookingContext(ctx, clinicID, catalog.NormalizePhone(phone), patch)
}

type findNextRequest struct {
	Practitioner string `json:"practitioner,omitempty"`
	Service      string `json:"service,omitempty"`
	// AppointmentType is an accepted alias for service.
	AppointmentType string `json:"appointmentType,omitempty"`
	BusinessID      string `json:"business_id,omitempty"`
	// LocationID is an accepted alias for business_id.
	LocationID   string `json:"locationId,omitempty"`
	BusinessName string `json:"businessName,omitempty"`
	// LocationName is an accepted alias for businessName.
	LocationName string `json:"locationName,omitempty"`
	// MaxDays is a pointer so an explicit 0 (scan nothing) is
	// distinguishable from absent (default horizon).
	MaxDays        *int   `json:"maxDays,omitempty"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`
}

type findNextResponse struct {
	Success      bool              `json:"success"`
	SessionID    string            `json:"sessionId"`
	Message      string            `json:"message"`
	Found        bool              `json:"found"`
	Slot         *timeSlotData     `json:"slot,omitempty"`
	Practitioner *practitionerData `json:"practitioner,omitempty"`
	Service      *serviceData      `json:"service,omitempty"`
	Location     *locationData     `json:"location,omitempty"`
}

// nextSearch is a resolved find-next query: the scan criteria plus the
// catalog rows needed to speak the answer.
type nextSearch struct {
	criteria       []availability.Criteria
	practitioners  map[catalog.PractitionerID]catalog.Practitioner
	service        *catalog.Service
	byPractitioner bool
}

// HandleFindNext is the HTTP handler for POST /find-next-available: the
// earliest offerable slot within a horizon, searched by practitioner, by
// service, or both, optionally pinned to one location.
func (h *AvailabilityHandler) HandleFindNext(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/find-next-available", body)

	var req findNextRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("find-next-available: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opFindNext, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Service == "" {
		req.Service = req.AppointmentType
	}
	if req.BusinessID == "" {
		req.BusinessID = req.LocationID
	}
	if req.BusinessName == "" {
		req.BusinessName = req.LocationName
	}

	ve := h.findNext(ctx, w, req)
	if ve != nil {
		h.metrics.ObserveWebhook(opFindNext, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.metrics.ObserveWebhook(opFindNext, "ok", time.Since(started))
}

func (h *AvailabilityHandler) findNext(ctx context.Context, w http.ResponseWriter, req findNextRequest) *voiceError {
	if req.Practitioner == "" && req.Service == "" {
		ve := newVoiceError(req.SessionID, codeMissingInformation,
			"Please specify either a practitioner name or service type.")
		ve.MissingData = []string{"practitioner", "service"}
		return ve
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	var scope *catalog.Business
	if req.BusinessID != "" || req.BusinessName != "" {
		scope = businessByRef(req.BusinessID, req.BusinessName, businesses)
		if scope == nil {
			return newVoiceError(req.SessionID, codeInvalidBusinessID,
				"The business ID provided is not valid for this clinic.")
		}
	}

	search, ve := h.buildNextSearch(ctx, clinic.ID, req, businesses, scope)
	if ve != nil {
		return ve
	}

	var practitionerID catalog.PractitionerID
	if search.byPractitioner {
		for id := range search.practitioners {
			practitionerID = id
		}
	}
	var serviceID catalog.ServiceID
	if search.service != nil {
		serviceID = search.service.ID
	}
	h.clearRejectionsOnNewSearch(ctx, clinic.ID, req.SessionID, req.CallerPhone, req.SystemCallerID, practitionerID, serviceID)

	maxDays := availability.DefaultScanDays
	if req.MaxDays != nil {
		maxDays = *req.MaxDays
	}
	if maxDays > availability.MaxScanDays {
		maxDays = availability.MaxScanDays
	}

	res, err := h.engine.FindNext(ctx, availability.NextQuery{
		Clinic:    *clinic,
		SessionID: req.SessionID,
		Criteria:  search.criteria,
		MaxDays:   maxDays,
	})
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}

	h.logger.Info("find next available",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"criteria", len(search.criteria),
		"max_days", maxDays,
		"found", res.Found,
		"days_scanned", res.DaysScanned,
		"filtered", res.Filtered)

	if !res.Found {
		writeJSON(w, http.StatusOK, &findNextResponse{
			Success:   true,
			SessionID: req.SessionID,
			Message:   h.nothingFoundMessage(req, search, scope, maxDays),
			Found:     false,
		})
		return nil
	}

	best := res.Best
	p := search.practitioners[best.Criteria.PractitionerID]
	when := fmt.Sprintf("%s at %s",
		timeloc.FormatDateForVoice(best.Start, loc), timeloc.FormatTimeForVoice(best.Start, loc))
	var msg string
	if search.byPractitioner {
		msg = fmt.Sprintf("The next available appointment with %s is %s at our %s.",
			best.Criteria.PractitionerName, when, best.Criteria.BusinessName)
	} else {
		msg = fmt.Sprintf("The next available %s is %s with %s at our %s.",
			best.Criteria.ServiceName, when, best.Criteria.PractitionerName, best.Criteria.BusinessName)
	}

	resp := &findNextResponse{
		Success:      true,
		SessionID:    req.SessionID,
		Message:      msg,
		Found:        true,
		Slot:         slotOf(best.Start, loc),
		Practitioner: practitionerOf(p, 0),
		Location:     &locationData{ID: string(best.Criteria.BusinessID), Name: best.Criteria.BusinessName},
	}
	if search.service != nil {
		resp.Service = serviceOf(*search.service)
	}

	if svc := search.service; svc != nil {
		h.saveSearchContext(ctx, clinic.ID, req.CallerPhone, req.SystemCallerID, p, *svc, timeloc.Date{})
	}
	h.markOffered(ctx, req.SessionID, best)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// markOffered records the slot just spoken as declined for this session. A
// caller who wants it books it by exact time, so the rejection never bites;
// a caller who asks again means "not that one", and the next scan must move
// past it. A successful booking wipes the set.
func (h *AvailabilityHandler) markOffered(ctx context.Context, sessionID string, s availability.Slot) {
	if h.sessions == nil || sessionID == "" {
		return
	}
	key := catalog.SlotKey(s.Criteria.PractitionerID, s.Criteria.BusinessID, s.Start)
	if err := h.sessions.RejectSlots(ctx, sessionID, key); err != nil {
		h.logger.Warn("could not record offered slot", "error", err, "session_id", sessionID)
	}
}

// clearRejectionsOnNewSearch drops the session's declined slots when the
// caller switches practitioner or service. A rejection means "not that slot
// for that search"; a new search starts clean.
func (h *AvailabilityHandler) clearRejectionsOnNewSearch(ctx context.Context, clinicID uuid.UUID, sessionID, primary, system string, practitionerID catalog.PractitionerID, serviceID catalog.ServiceID) {
	if h.sessions == nil || h.memory == nil || sessionID == "" {
		return
	}
	phone := callerPhone(primary, system)
	if phone == "" {
		return
	}
	prev, ok := h.memory.BookingContext(ctx, clinicID, catalog.NormalizePhone(phone))
	if !ok {
		return
	}
	changed := practitionerID != "" && prev.LastPractitionerID != "" && practitionerID != prev.LastPractitionerID
	if serviceID != "" && prev.LastServiceID != "" && serviceID != prev.LastServiceID {
		changed = true
	}
	if !changed {
		return
	}
	if err := h.sessions.ClearRejectedSlots(ctx, sessionID); err != nil {
		h.logger.Warn("could not clear rejected slots", "error", err, "session_id", sessionID)
	}
}

// buildNextSearch resolves the spoken query into scan criteria. A named
// practitioner scopes the search to their locations; a named service fans
// out across everyone offering it; naming both intersects.
func (h *AvailabilityHandler) buildNextSearch(ctx context.Context, clinicID uuid.UUID, req findNextRequest, businesses []catalog.Business, scope *catalog.Business) (*nextSearch, *voiceError) {
	search := &nextSearch{
		practitioners: make(map[catalog.PractitionerID]catalog.Practitioner),
	}

	if req.Practitioner != "" {
		search.byPractitioner = true
		practitioner, ve := matchSpokenPractitioner(ctx, h.directory, clinicID, req.SessionID, req.Practitioner)
		if ve != nil {
			return nil, ve
		}
		search.practitioners[practitioner.ID] = *practitioner

		services, err := h.directory.ServicesForPractitioner(ctx, practitioner.ID)
		if err != nil {
			return nil, voiceErrorFor(req.SessionID, err, errorContext{})
		}
		if len(services) == 0 {
			return nil, newVoiceError(req.SessionID, codeServiceNotFound,
				fmt.Sprintf("%s does not offer any services.", practitioner.FullName()))
		}
		service := services[0]
		if req.Service != "" {
			matched, ok := matching.MatchServiceStrict(req.Service, services)
			if !ok {
				names := make([]string, len(services))
				for i, s := range services {
					names[i] = s.Name
				}
				return nil, newVoiceError(req.SessionID, codeServiceNotFound,
					fmt.Sprintf("I couldn't find %q services with %s. They offer: %s",
						req.Service, practitioner.FullName(), strings.Join(names, ", ")))
			}
			service = matched
		}
		search.service = &service

		places, err := h.workplaces(ctx, practitioner.ID, businesses)
		if err != nil {
			return nil, voiceErrorFor(req.SessionID, err, errorContext{})
		}
		if scope != nil {
			var kept []catalog.Business
			for _, b := range places {
				if b.ID == scope.ID {
					kept = append(kept, b)
				}
			}
			if len(kept) == 0 {
				names := make([]string, len(places))
				for i, b := range places {
					names[i] = b.Name
				}
				return nil, locationMismatchError(req.SessionID, errorContext{
					Practitioner: practitioner.FullName(),
					Business:     scope.Name,
					Locations:    names,
				})
			}
			places = kept
		}
		if len(places) == 0 {
			return nil, newVoiceError(req.SessionID, codeLocationMismatch,
				fmt.Sprintf("%s doesn't work at any of our locations. Please check with our staff about their schedule.", practitioner.FullName()))
		}
		for _, b := range places {
			search.criteria = append(search.criteria, availability.Criteria{
				PractitionerID:   practitioner.ID,
				PractitionerName: practitioner.FullName(),
				BusinessID:       b.ID,
				BusinessName:     b.Name,
				ServiceID:        service.ID,
				ServiceName:      service.Name,
			})
		}
		return search, nil
	}

	// Service-first search.
	all, err := h.directory.Services(ctx, clinicID)
	if err != nil {
		return nil, voiceErrorFor(req.SessionID, err, errorContext{})
	}
	service, ok := matching.MatchServiceStrict(req.Service, all)
	if !ok {
		return nil, h.serviceNotFound(req.SessionID, req.Service, scope, all)
	}
	search.service = &service

	offering, err := h.directory.PractitionersForService(ctx, clinicID, service.ID)
	if err != nil {
		return nil, voiceErrorFor(req.SessionID, err, errorContext{})
	}
	for _, p := range offering {
		places, err := h.workplaces(ctx, p.ID, businesses)
		if err != nil {
			return nil, voiceErrorFor(req.SessionID, err, errorContext{})
		}
		for _, b := range places {
			if scope != nil && b.ID != scope.ID {
				continue
			}
			search.practitioners[p.ID] = p
			search.criteria = append(search.criteria, availability.Criteria{
				PractitionerID:   p.ID,
				PractitionerName: p.FullName(),
				BusinessID:       b.ID,
				BusinessName:     b.Name,
				ServiceID:        service.ID,
				ServiceName:      service.Name,
			})
		}
	}
	if len(search.criteria) == 0 {
		return nil, h.serviceNotFound(req.SessionID, req.Service, scope, all)
	}
	return search, nil
}

// serviceNotFound renders the no-such-service envelope, with near-misses
// suggested when the matcher has any.
func (h *AvailabilityHandler) serviceNotFound(sessionID, query string, scope *catalog.Business, all []catalog.Service) *voiceError {
	var msg string
	if scope != nil {
		msg = fmt.Sprintf("I couldn't find %s services at %s.", query, scope.Name)
	} else {
		msg = fmt.Sprintf("I couldn't find any %s services available.", query)
	}
	if suggestions := matching.SuggestServices(query, all); len(suggestions) > 0 {
		names := make([]string, 0, 3)
		for _, s := range suggestions {
			names = append(names, s.Service.Name)
			if len(names) == 3 {
				break
			}
		}
		msg += fmt.Sprintf(" Did you mean %s?", speakOptions(names))
	}
	return newVoiceError(sessionID, codeServiceNotFound, msg)
}

func (h *AvailabilityHandler) nothingFoundMessage(req findNextRequest, search *nextSearch, scope *catalog.Business, maxDays int) string {
	if search.byPractitioner {
		for _, p := range search.practitioners {
			return fmt.Sprintf("I couldn't find any available appointments with %s in the next %d days.", p.FullName(), maxDays)
		}
	}
	serviceName := req.Service
	if search.service != nil {
		serviceName = search.service.Name
	}
	if scope != nil {
		return fmt.Sprintf("I couldn't find any available %s appointments at %s in the next %d days.", serviceName, scope.Name, maxDays)
	}
	return fmt.Sprintf("I couldn't find any available %s appointments in the next %d days.", serviceName, maxDays)
}

type availablePractitionersRequest struct {
	BusinessID     string `json:"business_id"`
	BusinessName   string `json:"businessName,omitempty"`
	Date           string `json:"date,omitempty"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`
}

type availablePractitionersResponse struct {
	Success       bool                `json:"success"`
	SessionID     string              `json:"sessionId"`
	Message       string              `json:"message"`
	Date          string              `json:"date"`
	Location      *locationData       `json:"location,omitempty"`
	Practitioners []*practitionerData `json:"practitioners"`
}

// HandleAvailablePractitioners is the HTTP handler for
// POST /get-available-practitioners: who at a location has any opening on a
// date. Each practitioner is probed with their default service; a missing
// date means today.
func (h *AvailabilityHandler) HandleAvailablePractitioners(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/get-available-practitioners", body)

	var req availablePractitionersRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("get-available-practitioners: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opAvailablePractitioners, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ve := h.availablePractitioners(ctx, w, req)
	if ve != nil {
		h.metrics.ObserveWebhook(opAvailablePractitioners, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.metrics.ObserveWebhook(opAvailablePractitioners, "ok", time.Since(started))
}

func (h *AvailabilityHandler) availablePractitioners(ctx context.Context, w http.ResponseWriter, req availablePractitionersRequest) *voiceError {
	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		return ve
	}
	h.trigger.Fire(clinic.ID)
	loc := timeloc.LocationOrDefault(clinic.Timezone, nil)

	if req.BusinessID == "" && req.BusinessName == "" {
		return newVoiceError(req.SessionID, codeLocationRequired,
			"I need to know which location you'd like to check. Which of our clinics would you prefer?")
	}
	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	business := businessByRef(req.BusinessID, req.BusinessName, businesses)
	if business == nil {
		return newVoiceError(req.SessionID, codeInvalidBusinessID,
			"The business ID provided is not valid.")
	}

	date := timeloc.Today(loc)
	if strings.TrimSpace(req.Date) != "" {
		date, err = timeloc.ParseDateExpression(req.Date, timeloc.Today(loc))
		if err != nil {
			return voiceErrorFor(req.SessionID, err, errorContext{})
		}
	}

	roster, err := h.directory.PractitionersAtBusiness(ctx, clinic.ID, business.ID)
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}
	if len(roster) == 0 {
		return newVoiceError(req.SessionID, codePractitionerNotFound,
			"I couldn't find any practitioners at that location.")
	}

	// One criteria per practitioner, probing with their default service.
	// Practitioners with no services configured cannot be probed and are
	// reported as unavailable.
	var criteria []availability.Criteria
	probed := make([]catalog.Practitioner, 0, len(roster))
	counts := make(map[catalog.PractitionerID]int, len(roster))
	for _, p := range roster {
		services, err := h.directory.ServicesForPractitioner(ctx, p.ID)
		if err != nil {
			return voiceErrorFor(req.SessionID, err, errorContext{})
		}
		if len(services) == 0 {
			h.logger.Warn("practitioner has no services, skipping probe",
				"practitioner_id", p.ID, "business_id", business.ID)
			continue
		}
		counts[p.ID] = len(services)
		probed = append(probed, p)
		criteria = append(criteria, availability.Criteria{
			PractitionerID:   p.ID,
			PractitionerName: p.FullName(),
			BusinessID:       business.ID,
			BusinessName:     business.Name,
			ServiceID:        services[0].ID,
			ServiceName:      services[0].Name,
		})
	}

	day, err := h.engine.SlotsOnDate(ctx, availability.DayQuery{
		Clinic:    *clinic,
		SessionID: req.SessionID,
		Date:      date,
		Criteria:  criteria,
	})
	if err != nil {
		return voiceErrorFor(req.SessionID, err, errorContext{})
	}

	var available []catalog.Practitioner
	for i, cs := range day.Results {
		if len(cs.Slots) > 0 {
			available = append(available, probed[i])
		}
	}

	voiceDate := timeloc.FormatDateForVoice(date.Time(loc), loc)
	var msg string
	if len(available) == 0 {
		msg = fmt.Sprintf("I don't see any available appointments at %s on %s. Would you like me to check another day?",
			business.Name, voiceDate)
	} else {
		names := make([]string, len(available))
		for i, p := range available {
			names[i] = p.FullName()
		}
		verb := "have"
		if len(names) == 1 {
			verb = "has"
		}
		msg = fmt.Sprintf("On %s at %s, %s %s availability.", voiceDate, business.Name, speakList(names), verb)
	}

	data := make([]*practitionerData, len(available))
	for i, p := range available {
		data[i] = practitionerOf(p, counts[p.ID])
	}

	h.logger.Info("available practitioners",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"business_id", business.ID,
		"date", date.String(),
		"probed", len(probed),
		"available", len(available))
	writeJSON(w, http.StatusOK, &availablePractitionersResponse{
		Success:       true,
		SessionID:     req.SessionID,
		Message:       msg,
		Date:          date.Time(loc).Format(longDateFormat),
		Location:      locationOf(*business),
		Practitioners: data,
	})
	return nil
}
