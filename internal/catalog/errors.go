package catalog

import "errors"

var (
	// ErrClinicNotFound is returned when no active clinic owns the dialed number.
	ErrClinicNotFound = errors.New("catalog: clinic not found")

	// ErrBusinessNotFound is returned when a business id does not belong to the clinic.
	ErrBusinessNotFound = errors.New("catalog: business not found")

	// ErrPatientNotFound is returned when no patient matches the phone number.
	ErrPatientNotFound = errors.New("catalog: patient not found")

	// ErrAppointmentNotFound is returned when no appointment matches the lookup.
	ErrAppointmentNotFound = errors.New("catalog: appointment not found")

	// ErrInvalidPhone is returned for phone numbers that are not Australian
	// geographic or mobile numbers.
	ErrInvalidPhone = errors.New("catalog: invalid australian phone number")
)
