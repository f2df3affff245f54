package domain

import "errors"

// Error kinds. Concrete errors wrap one of these so the API layer can map them with
// errors.Is regardless of where they were raised.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnauthorized = errors.New("unauthorized")
)
