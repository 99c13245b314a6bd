package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// Recipient is one addressee of an outbound message.
type Recipient struct {
	Email           string
	EngagementScore float64
	SubscriberID    string
}

func (r Recipient) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: recipient email is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("%w: invalid recipient email %q", ErrValidation, r.Email)
	}
	if r.EngagementScore < 0 || r.EngagementScore > 1 {
		return fmt.Errorf("%w: engagement score must be within [0,1]", ErrValidation)
	}
	return nil
}

// Domain returns the normalized part after '@'.
func (r Recipient) Domain() string {
	at := strings.LastIndex(r.Email, "@")
	if at < 0 {
		return ""
	}
	return NormalizeDomain(r.Email[at+1:])
}

func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Message is an already rendered email.
type Message struct {
	From           string
	FromName       string
	Subject        string
	HTMLBody       string
	TextBody       string
	CampaignID     string
	UnsubscribeURL string
	Headers        map[string]string
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(m.HTMLBody) == "" && strings.TrimSpace(m.TextBody) == "" {
		return fmt.Errorf("%w: html or text body is required", ErrValidation)
	}
	return nil
}
