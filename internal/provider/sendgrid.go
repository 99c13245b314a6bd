package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridSendPath = "/v3/mail/send"

// SendGridAdapter sends through the SendGrid v3 mail API.
type SendGridAdapter struct {
	name   string
	apiKey string
	host   string
}

// NewSendGridAdapter builds the adapter. An empty host uses the public API.
func NewSendGridAdapter(name, apiKey, host string) (*SendGridAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	return &SendGridAdapter{
		name:   name,
		apiKey: strings.TrimSpace(apiKey),
		host:   strings.TrimRight(strings.TrimSpace(host), "/"),
	}, nil
}

func (a *SendGridAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, permanentError(a.name, 0, "invalid send request", err)
	}

	from := mail.NewEmail(req.Message.FromName, req.Message.From)
	to := mail.NewEmail("", req.Recipient.Email)
	message := mail.NewSingleEmail(from, req.Message.Subject, to, req.Message.TextBody, req.Message.HTMLBody)

	for key, value := range req.AllHeaders() {
		message.SetHeader(key, value)
	}
	if req.Message.CampaignID != "" {
		message.AddCategories(req.Message.CampaignID)
	}

	// The client carries the request body, so each send gets its own.
	client := sendgrid.NewSendClient(a.apiKey)
	if a.host != "" {
		client.BaseURL = a.host + sendGridSendPath
	}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return nil, requestError(a.name, err)
	}

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		result := &SendResult{StatusCode: response.StatusCode}
		if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
			result.MessageID = ids[0]
		}
		return result, nil
	}

	return nil, statusError(a.name, response.StatusCode, response.Body)
}
