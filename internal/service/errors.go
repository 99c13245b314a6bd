package service

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// ProviderFailure is one failed provider attempt inside a failover loop.
type ProviderFailure struct {
	ProviderID string
	Class      domain.ErrorClass
	Err        error
}

// DeliveryError is returned when no provider delivered a message. It wraps
// ErrCapacityExhausted when no provider could even be tried, ErrDeliveryFailed otherwise.
type DeliveryError struct {
	Recipient string
	Failures  []ProviderFailure
	Err       error
}

func (e *DeliveryError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%v: recipient %s: no provider available", e.Err, e.Recipient)
	}

	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.ProviderID, f.Class, f.Err))
	}
	return fmt.Sprintf("%v: recipient %s: %s", e.Err, e.Recipient, strings.Join(parts, "; "))
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Attempted reports whether any provider was actually called.
func (e *DeliveryError) Attempted() bool {
	return len(e.Failures) > 0
}

// LastClass is the class of the final failure, or CAPACITY_EXHAUSTED when nothing was tried.
func (e *DeliveryError) LastClass() domain.ErrorClass {
	if len(e.Failures) == 0 {
		return domain.ErrorClassCapacityExhausted
	}
	return e.Failures[len(e.Failures)-1].Class
}
