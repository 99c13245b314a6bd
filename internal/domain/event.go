package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType is a deliverability signal that moves a provider's reputation.
type EventType string

const (
	EventDelivered  EventType = "delivered"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventSoftBounce EventType = "soft_bounce"
	EventHardBounce EventType = "hard_bounce"
	EventComplaint  EventType = "complaint"
	EventBlocked    EventType = "blocked"
	EventTimeout    EventType = "timeout"
)

func (e EventType) String() string { return string(e) }

func (e EventType) IsValid() bool {
	switch e {
	case EventDelivered, EventOpened, EventClicked, EventSoftBounce,
		EventHardBounce, EventComplaint, EventBlocked, EventTimeout:
		return true
	}
	return false
}

func ParseEventTypeFromString(s string) (EventType, error) {
	e := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !e.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return e, nil
}

// DeliveryEvent is an externally reported deliverability event. Events are append-only.
type DeliveryEvent struct {
	ID         string
	ProviderID string
	Type       EventType
	CreatedAt  time.Time
}

// EventStats counts reported bounces and complaints for one provider over a window.
type EventStats struct {
	ProviderID  string
	HardBounces int64
	SoftBounces int64
	Complaints  int64
}

func (s EventStats) Bounces() int64 {
	return s.HardBounces + s.SoftBounces
}
