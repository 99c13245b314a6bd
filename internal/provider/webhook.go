package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

type webhookRequest struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html,omitempty"`
	Text       string            `json:"text,omitempty"`
	CampaignID string            `json:"campaignId,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// WebhookAdapter relays messages as JSON to an HTTP endpoint, typically an internal MTA gateway.
type WebhookAdapter struct {
	name     string
	client   *resty.Client
	endpoint string
	token    string
}

func NewWebhookAdapter(name, endpoint, token string) (*WebhookAdapter, error) {
	return NewWebhookAdapterWithClient(name, endpoint, token, newRestyClient())
}

func NewWebhookAdapterWithClient(name, endpoint, token string, client *resty.Client) (*WebhookAdapter, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	prepareRestyClient(client)

	return &WebhookAdapter{
		name:     name,
		client:   client,
		endpoint: trimmedEndpoint,
		token:    strings.TrimSpace(token),
	}, nil
}

func (a *WebhookAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("adapter is not initialized")
	}
	if err := req.validate(); err != nil {
		return nil, permanentError(a.name, 0, "invalid send request", err)
	}

	body := webhookRequest{
		From:       req.from(),
		To:         req.Recipient.Email,
		Subject:    req.Message.Subject,
		HTML:       req.Message.HTMLBody,
		Text:       req.Message.TextBody,
		CampaignID: req.Message.CampaignID,
		Headers:    req.AllHeaders(),
	}

	r := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if a.token != "" {
		r.SetAuthToken(a.token)
	}

	response, err := r.Post(a.endpoint)
	if err != nil {
		return nil, requestError(a.name, err)
	}
	if response == nil {
		return nil, transientError(a.name, 0, "provider returned empty response", nil)
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResult{
			StatusCode: statusCode,
			MessageID:  headerMessageID(response),
		}, nil
	}

	return nil, statusError(a.name, statusCode, response.String())
}

func newRestyClient() *resty.Client {
	client := resty.New()
	client.SetTimeout(defaultHTTPTimeout)
	client.SetRetryCount(0)
	return client
}

// prepareRestyClient disables resty retries; failover is the retry mechanism.
func prepareRestyClient(client *resty.Client) {
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)
}

func headerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
