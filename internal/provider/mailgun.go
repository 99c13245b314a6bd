package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mailgun/mailgun-go/v4"
)

type MailgunAdapter struct {
	name   string
	client mailgun.Mailgun
}

// NewMailgunAdapter builds the adapter. An empty apiBase uses the US region.
func NewMailgunAdapter(name, domain, apiKey, apiBase string) (*MailgunAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("mailgun api key is required")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, fmt.Errorf("mailgun domain is required")
	}

	client := mailgun.NewMailgun(strings.TrimSpace(domain), strings.TrimSpace(apiKey))
	if base := strings.TrimSpace(apiBase); base != "" {
		client.SetAPIBase(base)
	}

	return &MailgunAdapter{name: name, client: client}, nil
}

func (a *MailgunAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, permanentError(a.name, 0, "invalid send request", err)
	}

	message := a.client.NewMessage(req.from(), req.Message.Subject, req.Message.TextBody, req.Recipient.Email)
	if req.Message.HTMLBody != "" {
		message.SetHtml(req.Message.HTMLBody)
	}
	for key, value := range req.AllHeaders() {
		message.AddHeader(key, value)
	}

	_, id, err := a.client.Send(ctx, message)
	if err != nil {
		return nil, a.classify(err)
	}

	return &SendResult{StatusCode: http.StatusOK, MessageID: strings.Trim(id, "<>")}, nil
}

func (a *MailgunAdapter) classify(err error) error {
	status := mailgun.GetStatusFromErr(err)
	if status <= 0 {
		return requestError(a.name, err)
	}

	msg := fmt.Sprintf("provider returned status %d", status)
	if isTransientHTTPStatus(status) {
		return transientError(a.name, status, msg, err)
	}
	return permanentError(a.name, status, msg, err)
}
