package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/cache"
	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Metric operation labels for the location flows.
const (
	opResolveLocation       = "location_resolver"
	opConfirmLocation       = "confirm_location"
	opLocationPractitioners = "location_practitioners"
)

// locationDirectory is the catalog slice the location flows read.
type locationDirectory interface {
	ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error)
	Businesses(ctx context.Context, clinicID uuid.UUID) ([]catalog.Business, error)
	PractitionerSummariesAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID catalog.BusinessID) ([]catalog.PractitionerSummary, error)
}

// callerMemory is the booking-context tier the location flows read for the
// caller's usual location and write on a confirmed choice.
type callerMemory interface {
	BookingContext(ctx context.Context, clinicID uuid.UUID, phone string) (cache.BookingContext, bool)
	SaveBookingContext(ctx context.Context, clinicID uuid.UUID, phone string, patch cache.BookingContext)
}

// LocationHandler answers the location flows: fuzzy resolution of a spoken
// location phrase, confirmation of a clarification answer, and the roster at
// one location.
type LocationHandler struct {
	directory locationDirectory
	memory    callerMemory
	trigger   *SyncTrigger
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// LocationHandlerConfig configures the LocationHandler.
type LocationHandlerConfig struct {
	Directory locationDirectory
	Memory    callerMemory
	Trigger   *SyncTrigger
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewLocationHandler creates a new LocationHandler.
func NewLocationHandler(cfg LocationHandlerConfig) *LocationHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &LocationHandler{
		directory: cfg.Directory,
		memory:    cfg.Memory,
		trigger:   cfg.Trigger,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

type locationResolverRequest struct {
	LocationQuery     string `json:"locationQuery"`
	SessionID         string `json:"sessionId"`
	DialedNumber      string `json:"dialedNumber"`
	CallerPhone       string `json:"callerPhone,omitempty"`
	SystemCallerID    string `json:"systemCallerID,omitempty"`
	AdditionalContext string `json:"additionalContext,omitempty"`
}

type locationResolverResponse struct {
	Success            bool           `json:"success"`
	SessionID          string         `json:"sessionId"`
	Message            string         `json:"message"`
	Resolved           bool           `json:"resolved"`
	NeedsClarification bool           `json:"needsClarification"`
	Options            []locationData `json:"options,omitempty"`
	Confidence         float64        `json:"confidence"`
	Location           *locationData  `json:"location,omitempty"`
}

// HandleResolveLocation is the HTTP handler for POST /location-resolver.
func (h *LocationHandler) HandleResolveLocation(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/location-resolver", body)

	var req locationResolverRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("location-resolver: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opResolveLocation, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		h.logger.Warn("location-resolver: clinic lookup failed", "dialed", req.DialedNumber, "error", ve.Code)
		h.metrics.ObserveWebhook(opResolveLocation, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.trigger.Fire(clinic.ID)

	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		h.logger.Error("location-resolver: business load failed", "error", err, "clinic_id", clinic.ID)
		h.metrics.ObserveWebhook(opResolveLocation, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}
	if len(businesses) == 0 {
		h.metrics.ObserveWebhook(opResolveLocation, "no_locations", time.Since(started))
		writeJSON(w, http.StatusOK, &locationResolverResponse{
			SessionID: req.SessionID,
			Message:   "I couldn't find any locations for this clinic. Please contact the clinic directly.",
		})
		return
	}

	query := matching.LocationQuery{Query: req.LocationQuery}
	if phone := callerPhone(req.CallerPhone, req.SystemCallerID); phone != "" && h.memory != nil {
		if bc, ok := h.memory.BookingContext(ctx, clinic.ID, catalog.NormalizePhone(phone)); ok {
			query.PreferredBusinessID = bc.PreferredBusinessID
		}
	}

	res := matching.ResolveLocation(query, businesses)
	h.logger.Info("location resolution",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"query", req.LocationQuery,
		"outcome", string(res.Outcome))
	h.metrics.ObserveWebhook(opResolveLocation, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, resolutionResponse(req.SessionID, res))
}

// resolutionResponse renders a matcher outcome for the agent. Resolved picks
// act immediately; a confirm outcome offers the best guess (plus a close
// runner-up); anything weaker lists every location.
func resolutionResponse(sessionID string, res matching.LocationResolution) *locationResolverResponse {
	switch res.Outcome {
	case matching.OutcomeResolved:
		return &locationResolverResponse{
			Success:    true,
			SessionID:  sessionID,
			Resolved:   true,
			Message:    fmt.Sprintf("I'll book you at %s", res.Selected.Business.Name),
			Location:   locationOf(res.Selected.Business),
			Confidence: res.Selected.Score,
		}
	case matching.OutcomeConfirm:
		options := locationOptions(res.Options)
		msg := fmt.Sprintf("Did you mean our %s?", options[0].Name)
		if len(options) == 2 {
			msg = fmt.Sprintf("Did you mean our %s or %s?", options[0].Name, options[1].Name)
		}
		return &locationResolverResponse{
			Success:            true,
			SessionID:          sessionID,
			NeedsClarification: true,
			Message:            msg,
			Options:            options,
			Confidence:         res.Selected.Score,
		}
	default:
		options := locationOptions(res.Options)
		return &locationResolverResponse{
			Success:            true,
			SessionID:          sessionID,
			NeedsClarification: true,
			Message:            clarifyMessage(options),
			Options:            options,
		}
	}
}

func locationOptions(matches []matching.LocationMatch) []locationData {
	out := make([]locationData, len(matches))
	for i, m := range matches {
		out[i] = locationData{ID: string(m.Business.ID), Name: m.Business.Name}
	}
	return out
}

// clarifyMessage lists every location and asks the caller to pick one.
func clarifyMessage(options []locationData) string {
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = o.Name
	}
	if len(names) == 2 {
		return fmt.Sprintf("We have two locations: %s and %s. Which one would you prefer?", names[0], names[1])
	}
	return fmt.Sprintf("We have locations at %s. Which location would you prefer?", speakList(names))
}

type confirmLocationRequest struct {
	UserResponse   string   `json:"userResponse"`
	Options        []string `json:"options"`
	SessionID      string   `json:"sessionId"`
	DialedNumber   string   `json:"dialedNumber"`
	CallerPhone    string   `json:"callerPhone,omitempty"`
	SystemCallerID string   `json:"systemCallerID,omitempty"`
}

type confirmLocationResponse struct {
	Success            bool          `json:"success"`
	SessionID          string        `json:"sessionId"`
	Message            string        `json:"message"`
	LocationConfirmed  bool          `json:"locationConfirmed"`
	Resolved           bool          `json:"resolved"`
	NeedsClarification bool          `json:"needsClarification"`
	Location           *locationData `json:"location,omitempty"`
	Options            []string      `json:"options,omitempty"`
	Confidence         float64       `json:"confidence"`
	// Action hints the agent back to the resolver when confirm was called
	// before any options existed.
	Action string `json:"action,omitempty"`
}

// HandleConfirmLocation is the HTTP handler for POST /confirm-location.
func (h *LocationHandler) HandleConfirmLocation(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/confirm-location", body)

	var req confirmLocationRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("confirm-location: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opConfirmLocation, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if len(req.Options) == 0 {
		// The agent skipped the resolver. Point it back instead of guessing.
		h.logger.Warn("confirm-location called without options", "session_id", req.SessionID)
		h.metrics.ObserveWebhook(opConfirmLocation, "no_options", time.Since(started))
		writeJSON(w, http.StatusOK, &confirmLocationResponse{
			Success:   true,
			SessionID: req.SessionID,
			Message:   "I need to check which locations are available first. Let me look that up for you.",
			Action:    "need_location_resolver",
		})
		return
	}

	if strings.TrimSpace(req.UserResponse) == "" {
		h.metrics.ObserveWebhook(opConfirmLocation, "empty_response", time.Since(started))
		writeJSON(w, http.StatusOK, &confirmLocationResponse{
			Success:   true,
			SessionID: req.SessionID,
			Message:   "Could you please tell me which location you prefer?",
			Options:   req.Options,
		})
		return
	}

	idx, ok := pickOption(req.UserResponse, req.Options)
	if !ok {
		h.metrics.ObserveWebhook(opConfirmLocation, "reprompt", time.Since(started))
		writeJSON(w, http.StatusOK, reprompt(req))
		return
	}
	chosen := req.Options[idx]

	clinic, err := h.directory.ClinicByDialedNumber(ctx, req.DialedNumber)
	if err != nil {
		h.logger.Warn("confirm-location: clinic lookup failed", "dialed", req.DialedNumber, "error", err)
		h.metrics.ObserveWebhook(opConfirmLocation, codeClinicNotFound, time.Since(started))
		writeJSON(w, http.StatusOK, &confirmLocationResponse{
			Success:   true,
			SessionID: req.SessionID,
			Message:   "I'm having trouble accessing the clinic information. Could you please try again?",
			Options:   req.Options,
		})
		return
	}

	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		h.logger.Error("confirm-location: business load failed", "error", err, "clinic_id", clinic.ID)
		h.metrics.ObserveWebhook(opConfirmLocation, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}
	business := matchBusinessName(chosen, businesses)
	if business == nil {
		h.logger.Warn("confirm-location: chosen option not in catalog", "option", chosen, "clinic_id", clinic.ID)
		h.metrics.ObserveWebhook(opConfirmLocation, codeLocationRequired, time.Since(started))
		writeJSON(w, http.StatusOK, newVoiceError(req.SessionID, codeLocationRequired,
			"I'm having trouble finding that location in our system. Let me check what locations are available."))
		return
	}

	if phone := callerPhone(req.CallerPhone, req.SystemCallerID); phone != "" && h.memory != nil {
		h.memory.SaveBookingContext(ctx, clinic.ID, catalog.NormalizePhone(phone), cache.BookingContext{
			PreferredBusinessID:   business.ID,
			PreferredBusinessName: business.Name,
		})
	}

	h.logger.Info("location confirmed",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"business_id", business.ID)
	h.metrics.ObserveWebhook(opConfirmLocation, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, &confirmLocationResponse{
		Success:           true,
		SessionID:         req.SessionID,
		Message:           fmt.Sprintf("Perfect! I'll use our %s for your appointment.", business.Name),
		LocationConfirmed: true,
		Resolved:          true,
		Location:          locationOf(*business),
		Confidence:        1.0,
	})
}

// reprompt asks again with instructions sized to the option count.
func reprompt(req confirmLocationRequest) *confirmLocationResponse {
	resp := &confirmLocationResponse{Success: true, SessionID: req.SessionID, Options: req.Options}
	switch len(req.Options) {
	case 1:
		resp.Message = fmt.Sprintf("Just to confirm, would you like to book at %s? Please say yes or no.", req.Options[0])
	case 2:
		resp.Message = fmt.Sprintf("I have two locations: %s and %s. You can say 'first', 'second', or the location name.", req.Options[0], req.Options[1])
	default:
		resp.Message = "I didn't catch that. Could you please tell me which location you prefer? You can say 'first', 'second', 'third', or the location name."
	}
	return resp
}

// pickOption resolves a caller's spoken confirmation answer against the
// options previously offered. Ordinals run first, then yes-style agreement
// (meaning the first option), then name matching, then "the other one" for
// two-option prompts.
func pickOption(response string, options []string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(response))
	if s == "" {
		return 0, false
	}

	// Later ordinals are checked first and the bare number words only count
	// as whole answers, so "the second one" lands on the second option.
	switch {
	case containsAny(s, "second", "2nd") || s == "two" || s == "2":
		return 1, len(options) > 1
	case containsAny(s, "third", "3rd") || s == "three" || s == "3":
		return 2, len(options) > 2
	case containsAny(s, "first", "1st") || s == "one" || s == "1":
		return 0, len(options) > 0
	}

	if containsAny(s, "yes", "yeah", "yep", "sure", "correct", "that's right", "that one") {
		return 0, len(options) > 0
	}

	for idx, option := range options {
		ol := strings.ToLower(option)
		if strings.Contains(s, ol) || strings.Contains(ol, s) {
			return idx, true
		}
		// Partial word match, at least 3 characters.
		for _, word := range strings.Fields(s) {
			if len(word) < 3 {
				continue
			}
			for _, ow := range strings.Fields(ol) {
				if strings.Contains(ow, word) {
					return idx, true
				}
			}
		}
	}

	if len(options) == 2 && containsAny(s, "last", "other", "latter") {
		return 1, true
	}
	return 0, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// matchBusinessName maps a confirmed option string back onto a business row.
// Options come verbatim from the resolver, so exact name equality wins;
// aliases and substrings cover agent paraphrasing.
func matchBusinessName(name string, businesses []catalog.Business) *catalog.Business {
	for i := range businesses {
		if strings.EqualFold(businesses[i].Name, name) {
			return &businesses[i]
		}
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return nil
	}
	for i := range businesses {
		for _, alias := range businesses[i].Aliases {
			if strings.EqualFold(alias, name) {
				return &businesses[i]
			}
		}
		if strings.Contains(strings.ToLower(businesses[i].Name), lower) {
			return &businesses[i]
		}
	}
	return nil
}

type locationPractitionersRequest struct {
	BusinessID string `json:"business_id"`
	// LocationID is an accepted alias for business_id; some agent tool
	// configurations still send it.
	LocationID     string `json:"locationId,omitempty"`
	BusinessName   string `json:"businessName,omitempty"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`
}

type locationPractitionersResponse struct {
	Success       bool                `json:"success"`
	SessionID     string              `json:"sessionId"`
	Message       string              `json:"message"`
	Location      *locationData       `json:"location,omitempty"`
	Practitioners []*practitionerData `json:"practitioners"`
}

// HandleLocationPractitioners is the HTTP handler for
// POST /get-location-practitioners.
func (h *LocationHandler) HandleLocationPractitioners(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/get-location-practitioners", body)

	var req locationPractitionersRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("get-location-practitioners: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opLocationPractitioners, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		h.metrics.ObserveWebhook(opLocationPractitioners, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.trigger.Fire(clinic.ID)

	if req.BusinessID == "" {
		req.BusinessID = req.LocationID
	}
	if req.BusinessID == "" && req.BusinessName == "" {
		h.metrics.ObserveWebhook(opLocationPractitioners, codeLocationRequired, time.Since(started))
		writeJSON(w, http.StatusOK, newVoiceError(req.SessionID, codeLocationRequired,
			"I need to know which location you're asking about. Could you please tell me the location?"))
		return
	}

	businesses, err := h.directory.Businesses(ctx, clinic.ID)
	if err != nil {
		h.logger.Error("get-location-practitioners: business load failed", "error", err, "clinic_id", clinic.ID)
		h.metrics.ObserveWebhook(opLocationPractitioners, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}
	business := businessByRef(req.BusinessID, req.BusinessName, businesses)
	if business == nil {
		h.metrics.ObserveWebhook(opLocationPractitioners, codeInvalidBusinessID, time.Since(started))
		writeJSON(w, http.StatusOK, newVoiceError(req.SessionID, codeInvalidBusinessID,
			"The business ID provided is not valid."))
		return
	}

	summaries, err := h.directory.PractitionerSummariesAtBusiness(ctx, clinic.ID, business.ID)
	if err != nil {
		h.logger.Error("get-location-practitioners: roster load failed", "error", err, "business_id", business.ID)
		h.metrics.ObserveWebhook(opLocationPractitioners, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}
	if len(summaries) == 0 {
		h.metrics.ObserveWebhook(opLocationPractitioners, codePractitionerNotFound, time.Since(started))
		writeJSON(w, http.StatusOK, newVoiceError(req.SessionID, codePractitionerNotFound,
			"I couldn't find any practitioners at that location."))
		return
	}

	practitioners := make([]*practitionerData, len(summaries))
	for i, s := range summaries {
		practitioners[i] = practitionerOf(s.Practitioner, s.ServiceCount)
	}

	msg := fmt.Sprintf("At %s, we have %d practitioners available.", business.Name, len(practitioners))
	if len(practitioners) == 1 {
		msg = fmt.Sprintf("At %s, we have 1 practitioner available.", business.Name)
	}

	h.metrics.ObserveWebhook(opLocationPractitioners, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, &locationPractitionersResponse{
		Success:       true,
		SessionID:     req.SessionID,
		Message:       msg,
		Location:      locationOf(*business),
		Practitioners: practitioners,
	})
}

// businessByRef finds a business by id, falling back to name matching.
func businessByRef(id, name string, businesses []catalog.Business) *catalog.Business {
	if id != "" {
		for i := range businesses {
			if string(businesses[i].ID) == id {
				return &businesses[i]
			}
		}
		return nil
	}
	return matchBusinessName(name, businesses)
}
