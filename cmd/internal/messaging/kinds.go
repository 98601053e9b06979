package messaging

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrNotMember    = errors.New("not_member")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient")
	ErrFanOut       = errors.New("fan_out_failed")
)
