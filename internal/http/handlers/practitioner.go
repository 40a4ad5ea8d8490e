package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/internal/catalog"
	"github.com/covehealth/voicebook-platform/internal/matching"
	"github.com/covehealth/voicebook-platform/internal/observability/metrics"
	"github.com/covehealth/voicebook-platform/pkg/logging"
)

const (
	opPractitionerServices = "practitioner_services"
	opPractitionerInfo     = "practitioner_info"
)

// practitionerDirectory is the catalog slice the practitioner flows read.
type practitionerDirectory interface {
	ClinicByDialedNumber(ctx context.Context, dialed string) (*catalog.Clinic, error)
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]catalog.Practitioner, error)
	PractitionerWorksAt(ctx context.Context, practitionerID catalog.PractitionerID, businessID catalog.BusinessID) (bool, error)
	ServicesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.Service, error)
	BusinessesForPractitioner(ctx context.Context, practitionerID catalog.PractitionerID) ([]catalog.BusinessID, error)
	Businesses(ctx context.Context, clinicID uuid.UUID) ([]catalog.Business, error)
}

// PractitionerHandler answers questions about one practitioner: which
// services they offer and where they work.
type PractitionerHandler struct {
	directory practitionerDirectory
	trigger   *SyncTrigger
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// PractitionerHandlerConfig configures the PractitionerHandler.
type PractitionerHandlerConfig struct {
	Directory practitionerDirectory
	Trigger   *SyncTrigger
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewPractitionerHandler creates a new PractitionerHandler.
func NewPractitionerHandler(cfg PractitionerHandlerConfig) *PractitionerHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &PractitionerHandler{
		directory: cfg.Directory,
		trigger:   cfg.Trigger,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// rosterSource loads the clinic's practitioner roster.
type rosterSource interface {
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]catalog.Practitioner, error)
}

// matchSpokenPractitioner resolves a spoken practitioner reference against
// the clinic roster. Anything short of a single confident match comes back as
// a spoken envelope: a clarification prompt for near-ties, the roster for a
// miss.
func matchSpokenPractitioner(ctx context.Context, dir rosterSource, clinicID uuid.UUID, sessionID, name string) (*catalog.Practitioner, *voiceError) {
	roster, err := dir.Practitioners(ctx, clinicID)
	if err != nil {
		return nil, voiceErrorFor(sessionID, err, errorContext{})
	}
	res := matching.ResolvePractitioner(name, roster)
	switch res.Outcome {
	case matching.OutcomeResolved:
		p := res.Best.Practitioner
		return &p, nil
	case matching.OutcomeClarify:
		names := make([]string, len(res.Options))
		for i, m := range res.Options {
			names[i] = m.Practitioner.FullName()
		}
		return nil, practitionerClarification(sessionID, names)
	default:
		return nil, practitionerNotFoundError(sessionID, errorContext{
			Practitioner:  name,
			Practitioners: practitionerNames(roster),
		})
	}
}

func practitionerNames(roster []catalog.Practitioner) []string {
	names := make([]string, len(roster))
	for i, p := range roster {
		names[i] = p.FullName()
	}
	return names
}

type practitionerServicesRequest struct {
	Practitioner   string `json:"practitioner"`
	BusinessID     string `json:"business_id,omitempty"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`
}

type practitionerServicesResponse struct {
	Success      bool              `json:"success"`
	SessionID    string            `json:"sessionId"`
	Message      string            `json:"message"`
	Practitioner *practitionerData `json:"practitioner"`
	Services     []*serviceData    `json:"services"`
	// DefaultService is set when the practitioner offers exactly one
	// service, so the agent can skip asking which one.
	DefaultService   *serviceData `json:"defaultService,omitempty"`
	BusinessFiltered bool         `json:"businessFiltered"`
}

// HandlePractitionerServices is the HTTP handler for
// POST /get-practitioner-services. An optional business_id narrows the answer
// to one location.
func (h *PractitionerHandler) HandlePractitionerServices(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/get-practitioner-services", body)

	var req practitionerServicesRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("get-practitioner-services: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opPractitionerServices, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		h.metrics.ObserveWebhook(opPractitionerServices, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.trigger.Fire(clinic.ID)

	practitioner, ve := matchSpokenPractitioner(ctx, h.directory, clinic.ID, req.SessionID, req.Practitioner)
	if ve != nil {
		h.metrics.ObserveWebhook(opPractitionerServices, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}

	filtered := req.BusinessID != ""
	var services []catalog.Service
	if filtered {
		worksAt, err := h.directory.PractitionerWorksAt(ctx, practitioner.ID, catalog.BusinessID(req.BusinessID))
		if err != nil {
			h.metrics.ObserveWebhook(opPractitionerServices, codeDatabaseError, time.Since(started))
			writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
			return
		}
		if worksAt {
			services, err = h.directory.ServicesForPractitioner(ctx, practitioner.ID)
			if err != nil {
				h.metrics.ObserveWebhook(opPractitionerServices, codeDatabaseError, time.Since(started))
				writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
				return
			}
		}
	} else {
		services, err = h.directory.ServicesForPractitioner(ctx, practitioner.ID)
		if err != nil {
			h.metrics.ObserveWebhook(opPractitionerServices, codeDatabaseError, time.Since(started))
			writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
			return
		}
	}

	if len(services) == 0 {
		suffix := ""
		if filtered {
			suffix = " at this business"
		}
		h.metrics.ObserveWebhook(opPractitionerServices, codeServiceNotFound, time.Since(started))
		writeJSON(w, http.StatusOK, newVoiceError(req.SessionID, codeServiceNotFound,
			fmt.Sprintf("%s doesn't have any services configured%s.", practitioner.FullName(), suffix)))
		return
	}

	names := make([]string, len(services))
	details := make([]*serviceData, len(services))
	for i, s := range services {
		names[i] = s.Name
		details[i] = serviceOf(s)
	}
	msg := fmt.Sprintf("%s offers %s", practitioner.FullName(), speakList(names))
	if filtered {
		msg += " at this business"
	}
	msg += "."

	resp := &practitionerServicesResponse{
		Success:          true,
		SessionID:        req.SessionID,
		Message:          msg,
		Practitioner:     practitionerOf(*practitioner, len(services)),
		Services:         details,
		BusinessFiltered: filtered,
	}
	if len(details) == 1 {
		resp.DefaultService = details[0]
	}

	h.logger.Info("practitioner services",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"practitioner_id", practitioner.ID,
		"services", len(details),
		"business_filtered", filtered)
	h.metrics.ObserveWebhook(opPractitionerServices, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, resp)
}

type practitionerInfoRequest struct {
	Practitioner   string `json:"practitioner"`
	SessionID      string `json:"sessionId"`
	DialedNumber   string `json:"dialedNumber"`
	CallerPhone    string `json:"callerPhone,omitempty"`
	SystemCallerID string `json:"systemCallerID,omitempty"`
}

type practitionerInfoResponse struct {
	Success      bool              `json:"success"`
	SessionID    string            `json:"sessionId"`
	Message      string            `json:"message"`
	Practitioner *practitionerData `json:"practitioner"`
	Services     []*serviceData    `json:"services"`
	Locations    []locationData    `json:"locations"`
}

// HandlePractitionerInfo is the HTTP handler for POST /get-practitioner-info.
// It answers with everything a caller usually asks about a provider in one
// utterance: services offered and locations worked.
func (h *PractitionerHandler) HandlePractitionerInfo(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	debugPayload(h.logger, "/get-practitioner-info", body)

	var req practitionerInfoRequest
	if err := decodeStrict(body, &req); err != nil {
		h.logger.Warn("get-practitioner-info: malformed payload", "error", err)
		h.metrics.ObserveWebhook(opPractitionerInfo, "bad_request", time.Since(started))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	clinic, ve := resolveClinic(ctx, h.directory, req.SessionID, req.DialedNumber)
	if ve != nil {
		h.metrics.ObserveWebhook(opPractitionerInfo, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}
	h.trigger.Fire(clinic.ID)

	practitioner, ve := matchSpokenPractitioner(ctx, h.directory, clinic.ID, req.SessionID, req.Practitioner)
	if ve != nil {
		h.metrics.ObserveWebhook(opPractitionerInfo, ve.Code, time.Since(started))
		writeJSON(w, http.StatusOK, ve)
		return
	}

	services, err := h.directory.ServicesForPractitioner(ctx, practitioner.ID)
	if err != nil {
		h.metrics.ObserveWebhook(opPractitionerInfo, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}
	locations, err := h.practitionerLocations(ctx, clinic.ID, practitioner.ID)
	if err != nil {
		h.metrics.ObserveWebhook(opPractitionerInfo, codeDatabaseError, time.Since(started))
		writeJSON(w, http.StatusOK, voiceErrorFor(req.SessionID, err, errorContext{}))
		return
	}

	if len(services) == 0 {
		h.metrics.ObserveWebhook(opPractitionerInfo, "no_services", time.Since(started))
		writeJSON(w, http.StatusOK, &practitionerInfoResponse{
			Success:      true,
			SessionID:    req.SessionID,
			Message:      fmt.Sprintf("%s doesn't have any services configured.", practitioner.FullName()),
			Practitioner: practitionerOf(*practitioner, 0),
			Services:     []*serviceData{},
			Locations:    locations,
		})
		return
	}

	names := make([]string, len(services))
	details := make([]*serviceData, len(services))
	for i, s := range services {
		names[i] = s.Name
		details[i] = serviceOf(s)
	}

	h.logger.Info("practitioner info",
		"session_id", req.SessionID,
		"clinic_id", clinic.ID,
		"practitioner_id", practitioner.ID,
		"services", len(details),
		"locations", len(locations))
	h.metrics.ObserveWebhook(opPractitionerInfo, "ok", time.Since(started))
	writeJSON(w, http.StatusOK, &practitionerInfoResponse{
		Success:      true,
		SessionID:    req.SessionID,
		Message:      infoMessage(practitioner.FullName(), names, locations),
		Practitioner: practitionerOf(*practitioner, len(details)),
		Services:     details,
		Locations:    locations,
	})
}

// practitionerLocations resolves the businesses a practitioner works at to
// their catalog rows, in the clinic's business ordering.
func (h *PractitionerHandler) practitionerLocations(ctx context.Context, clinicID uuid.UUID, practitionerID catalog.PractitionerID) ([]locationData, error) {
	ids, err := h.directory.BusinessesForPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	businesses, err := h.directory.Businesses(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	assigned := make(map[catalog.BusinessID]bool, len(ids))
	for _, id := range ids {
		assigned[id] = true
	}
	locations := make([]locationData, 0, len(ids))
	for _, b := range businesses {
		if assigned[b.ID] {
			locations = append(locations, locationData{ID: string(b.ID), Name: b.Name})
		}
	}
	return locations, nil
}

// infoMessage speaks the services and, when they fit in one breath, the
// locations: "at our City Clinic" for one, both names for two, "at multiple
// locations" beyond that.
func infoMessage(name string, services []string, locations []locationData) string {
	msg := fmt.Sprintf("%s offers %s", name, speakList(services))
	switch len(locations) {
	case 0:
	case 1:
		msg += fmt.Sprintf(" at our %s", locations[0].Name)
	case 2:
		msg += fmt.Sprintf(" at our %s and %s locations", locations[0].Name, locations[1].Name)
	default:
		msg += " at multiple locations"
	}
	return msg + "."
}
