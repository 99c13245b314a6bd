package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeSent    Outcome = "SENT"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSent, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// ErrorClass classifies why an attempt did not succeed.
type ErrorClass string

const (
	ErrorClassNone              ErrorClass = "NONE"
	ErrorClassTransient         ErrorClass = "TRANSIENT"
	ErrorClassPermanent         ErrorClass = "PERMANENT"
	ErrorClassRateLimited       ErrorClass = "RATE_LIMITED"
	ErrorClassCapacityExhausted ErrorClass = "CAPACITY_EXHAUSTED"
)

func (c ErrorClass) String() string { return string(c) }

func (c ErrorClass) IsValid() bool {
	switch c {
	case ErrorClassNone, ErrorClassTransient, ErrorClassPermanent,
		ErrorClassRateLimited, ErrorClassCapacityExhausted:
		return true
	}
	return false
}

func ParseErrorClassFromString(s string) (ErrorClass, error) {
	c := ErrorClass(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid error class %q", ErrValidation, s)
	}
	return c, nil
}

// DeliveryAttempt records a single provider call for a recipient. Attempts are append-only.
type DeliveryAttempt struct {
	ID         string
	BatchID    *string
	Recipient  string
	ProviderID string
	Outcome    Outcome
	ErrorClass ErrorClass
	StatusCode *int
	MessageID  *string
	Error      *string
	CreatedAt  time.Time
}

// AttemptStats aggregates attempts for one provider over a window.
type AttemptStats struct {
	ProviderID string
	Sent       int64
	Transient  int64
	Permanent  int64
}

func (s AttemptStats) Total() int64 {
	return s.Sent + s.Transient + s.Permanent
}
