package models

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every input validation error so callers can map
// the whole family with a single errors.Is check.
var ErrValidation = errors.New("validation failed")

// Intake form validation errors.
var (
	ErrEmptyName          = fmt.Errorf("%w: name is required", ErrValidation)
	ErrNameTooLong        = fmt.Errorf("%w: name exceeds maximum length", ErrValidation)
	ErrInvalidEmail       = fmt.Errorf("%w: email address is invalid", ErrValidation)
	ErrInvalidRoleTitle   = fmt.Errorf("%w: invalid role_title", ErrValidation)
	ErrInvalidServiceType = fmt.Errorf("%w: invalid service_type", ErrValidation)
	ErrInvalidAccessModel = fmt.Errorf("%w: invalid access_model", ErrValidation)
	ErrInvalidTimeline    = fmt.Errorf("%w: invalid timeline", ErrValidation)
	ErrInvalidBudgetRange = fmt.Errorf("%w: invalid budget_range", ErrValidation)
	ErrEmptyContext       = fmt.Errorf("%w: context is required", ErrValidation)
	ErrContextTooLong     = fmt.Errorf("%w: context exceeds maximum length", ErrValidation)
	ErrInvalidFieldValue  = fmt.Errorf("%w: value not accepted for field", ErrValidation)
	ErrInvalidAnswer      = fmt.Errorf("%w: answer does not match question", ErrValidation)
	ErrUnknownOption      = fmt.Errorf("%w: unknown option", ErrValidation)
)

// Lookup and state errors.
var (
	ErrInquiryNotFound     = errors.New("inquiry not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrTurnNotFound        = errors.New("turn not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrTurnAlreadyAnswered = errors.New("turn already answered")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// IsNotFound reports whether err is one of the lookup errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInquiryNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTurnNotFound)
}

// IsConflict reports whether err describes a request that is valid in shape
// but conflicts with the session's current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionNotActive) || errors.Is(err, ErrTurnAlreadyAnswered)
}
