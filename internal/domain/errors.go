package domain

import "errors"

// Sentinel errors. Services wrap these with context so handlers can map
// them to HTTP status codes with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotEligible       = errors.New("not eligible")
)
