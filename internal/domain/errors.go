package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrConfiguration     = errors.New("configuration error")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrDeliveryFailed    = errors.New("delivery failed")
)
