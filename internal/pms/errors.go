package pms

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code classifies an upstream PMS failure for callers.
type Code string

const (
	CodeUnauthorized             Code = "unauthorized"
	CodeForbidden                Code = "forbidden"
	CodeNotFound                 Code = "not_found"
	CodeRateLimited              Code = "rate_limited"
	CodeInvalidTimeFrame         Code = "invalid_time_frame"
	CodeSlotTaken                Code = "slot_taken"
	CodeOutsideBusinessHours     Code = "outside_business_hours"
	CodePractitionerNotAvailable Code = "practitioner_not_available"
	CodeTransient                Code = "transient"
	CodeUpstream                 Code = "upstream_error"
)

// Error is a typed upstream failure. Status is the HTTP status code, or 0
// for network-level failures.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("pms: %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("pms: %s: %s", e.Code, e.Message)
}

// CodeOf extracts the PMS error code from err, or empty when err is not a
// PMS error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeTransient:
		return true
	}
	return false
}

// classify maps an HTTP error response onto the code taxonomy. The body is
// inspected for the slot-conflict phrasings the PMS uses on 422s.
func classify(status int, body []byte) *Error {
	msg := errorMessage(body)

	switch status {
	case 401:
		return &Error{Code: CodeUnauthorized, Status: status, Message: msg}
	case 403:
		return &Error{Code: CodeForbidden, Status: status, Message: msg}
	case 404:
		return &Error{Code: CodeNotFound, Status: status, Message: msg}
	case 429:
		return &Error{Code: CodeRateLimited, Status: status, Message: msg}
	}

	if status == 400 || status == 422 {
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "already booked") || strings.Contains(lower, "already been booked") ||
			strings.Contains(lower, "no longer available") || strings.Contains(lower, "is not available"):
			if strings.Contains(lower, "practitioner") {
				return &Error{Code: CodePractitionerNotAvailable, Status: status, Message: msg}
			}
			return &Error{Code: CodeSlotTaken, Status: status, Message: msg}
		case strings.Contains(lower, "outside business hours"):
			return &Error{Code: CodeOutsideBusinessHours, Status: status, Message: msg}
		case strings.Contains(lower, "time frame") || strings.Contains(lower, "date range"):
			return &Error{Code: CodeInvalidTimeFrame, Status: status, Message: msg}
		}
	}

	if status >= 500 {
		return &Error{Code: CodeTransient, Status: status, Message: msg}
	}

	return &Error{Code: CodeUpstream, Status: status, Message: msg}
}

// errorMessage pulls a human-readable message out of an error body. The PMS
// uses both {"message": ...} and {"errors": {...}} shapes.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var parsed struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Errors  json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return parsed.Message
		case parsed.Error != "":
			return parsed.Error
		case len(parsed.Errors) > 0:
			return string(parsed.Errors)
		}
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
