package provider

import (
	"context"
	"strings"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Adapter is the outbound delivery port, one implementation per provider kind.
// Send must honor the context deadline.
type Adapter interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SendRequest is one rendered message to one recipient.
type SendRequest struct {
	Recipient domain.Recipient
	Message   domain.Message
	// Headers are merged over Message.Headers.
	Headers map[string]string
}

// SendResult stores provider call metadata for audit and persistence.
type SendResult struct {
	StatusCode int
	MessageID  string
}

// AllHeaders merges message headers with per-send headers.
func (r SendRequest) AllHeaders() map[string]string {
	out := make(map[string]string, len(r.Message.Headers)+len(r.Headers))
	for k, v := range r.Message.Headers {
		out[k] = v
	}
	for k, v := range r.Headers {
		out[k] = v
	}
	return out
}

func (r SendRequest) from() string {
	if name := strings.TrimSpace(r.Message.FromName); name != "" {
		return name + " <" + r.Message.From + ">"
	}
	return r.Message.From
}

func (r SendRequest) validate() error {
	if err := r.Recipient.Validate(); err != nil {
		return err
	}
	return r.Message.Validate()
}
