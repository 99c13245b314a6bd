package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderStatus represents the lifecycle state of a sending provider.
type ProviderStatus string

const (
	ProviderStatusActive    ProviderStatus = "ACTIVE"
	ProviderStatusWarming   ProviderStatus = "WARMING"
	ProviderStatusSuspended ProviderStatus = "SUSPENDED"
)

func (s ProviderStatus) String() string { return string(s) }

func (s ProviderStatus) IsValid() bool {
	switch s {
	case ProviderStatusActive, ProviderStatusWarming, ProviderStatusSuspended:
		return true
	}
	return false
}

// AcceptsTraffic reports whether providers in this status may be selected for sends.
// Warming providers send under their warming cap.
func (s ProviderStatus) AcceptsTraffic() bool {
	return s == ProviderStatusActive || s == ProviderStatusWarming
}

func ParseProviderStatusFromString(s string) (ProviderStatus, error) {
	st := ProviderStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid provider status %q", ErrValidation, s)
	}
	return st, nil
}

// ProviderKind selects the adapter implementation for a provider.
type ProviderKind string

const (
	ProviderKindSendGrid ProviderKind = "sendgrid"
	ProviderKindSES      ProviderKind = "ses"
	ProviderKindMailgun  ProviderKind = "mailgun"
	ProviderKindPostmark ProviderKind = "postmark"
	ProviderKindWebhook  ProviderKind = "webhook"
)

func (k ProviderKind) String() string { return string(k) }

func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderKindSendGrid, ProviderKindSES, ProviderKindMailgun, ProviderKindPostmark, ProviderKindWebhook:
		return true
	}
	return false
}

func ParseProviderKindFromString(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid provider kind %q", ErrValidation, s)
	}
	return k, nil
}

const (
	DefaultProviderWeight    = 1.0
	DefaultInitialReputation = 100.0
	DefaultBatchSize         = 50
)

// Limits bounds how much a provider may send.
type Limits struct {
	Hourly    int
	Daily     int
	Burst     int
	BurstRate float64
}

func (l Limits) Validate() error {
	if l.Hourly <= 0 {
		return fmt.Errorf("%w: hourly limit must be positive", ErrValidation)
	}
	if l.Daily <= 0 {
		return fmt.Errorf("%w: daily limit must be positive", ErrValidation)
	}
	if l.Burst <= 0 {
		return fmt.Errorf("%w: burst must be positive", ErrValidation)
	}
	if l.BurstRate <= 0 {
		return fmt.Errorf("%w: burst rate must be positive", ErrValidation)
	}
	return nil
}

// ProviderConfig is the catalog entry for one provider.
type ProviderConfig struct {
	ID                string
	Kind              ProviderKind
	Priority          int
	Weight            float64
	Limits            Limits
	InitialReputation float64
	Status            ProviderStatus
	DedicatedIdentity bool
	DomainAffinities  []string
	BatchSize         int
	BatchDelay        time.Duration
	Settings          map[string]string
}

// WithDefaults fills optional fields.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.Weight <= 0 {
		c.Weight = DefaultProviderWeight
	}
	if c.InitialReputation <= 0 {
		c.InitialReputation = DefaultInitialReputation
	}
	if c.Status == "" {
		c.Status = ProviderStatusActive
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	affinities := make([]string, 0, len(c.DomainAffinities))
	for _, d := range c.DomainAffinities {
		if d = NormalizeDomain(d); d != "" {
			affinities = append(affinities, d)
		}
	}
	c.DomainAffinities = affinities
	return c
}

func (c ProviderConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrValidation)
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: provider %s: invalid kind %q", ErrValidation, c.ID, c.Kind)
	}
	if c.Priority < 0 {
		return fmt.Errorf("%w: provider %s: priority must not be negative", ErrValidation, c.ID)
	}
	if c.Weight < 0 {
		return fmt.Errorf("%w: provider %s: weight must not be negative", ErrValidation, c.ID)
	}
	if c.InitialReputation < 0 || c.InitialReputation > MaxReputation {
		return fmt.Errorf("%w: provider %s: initial reputation must be within [0,100]", ErrValidation, c.ID)
	}
	if c.Status != "" && !c.Status.IsValid() {
		return fmt.Errorf("%w: provider %s: invalid status %q", ErrValidation, c.ID, c.Status)
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("%w: provider %s: batch delay must not be negative", ErrValidation, c.ID)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", c.ID, err)
	}
	return nil
}

// Setting returns a trimmed adapter setting.
func (c ProviderConfig) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return strings.TrimSpace(c.Settings[key])
}

// HasAffinity reports whether the provider is the preferred route for the domain.
func (c ProviderConfig) HasAffinity(domain string) bool {
	domain = NormalizeDomain(domain)
	for _, d := range c.DomainAffinities {
		if d == domain {
			return true
		}
	}
	return false
}

const (
	MinReputation = 0.0
	MaxReputation = 100.0
)

// ClampReputation bounds a score to [0,100].
func ClampReputation(score float64) float64 {
	if score < MinReputation {
		return MinReputation
	}
	if score > MaxReputation {
		return MaxReputation
	}
	return score
}

// ProviderState is the persisted runtime state of one provider. It outlives restarts so
// a suspension or a finished warmup is not undone by the catalog's configured status.
type ProviderState struct {
	ProviderID   string
	Status       ProviderStatus
	StatusReason string
	Reputation   float64
	UpdatedAt    time.Time
}
