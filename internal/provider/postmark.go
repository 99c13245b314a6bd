package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
)

const defaultPostmarkEndpoint = "https://api.postmarkapp.com/email"

// Postmark error codes that are a property of the recipient or account, not the request.
var postmarkPermanentCodes = map[int]bool{
	10:  true, // bad or missing server token
	300: true, // invalid email request
	400: true, // sender signature not found
	406: true, // inactive recipient
	412: true, // account pending approval
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkRequest struct {
	From          string           `json:"From"`
	To            string           `json:"To"`
	Subject       string           `json:"Subject"`
	HTMLBody      string           `json:"HtmlBody,omitempty"`
	TextBody      string           `json:"TextBody,omitempty"`
	Tag           string           `json:"Tag,omitempty"`
	MessageStream string           `json:"MessageStream,omitempty"`
	Headers       []postmarkHeader `json:"Headers,omitempty"`
}

type postmarkResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

type PostmarkAdapter struct {
	name     string
	client   *resty.Client
	endpoint string
	token    string
	stream   string
}

func NewPostmarkAdapter(name, serverToken, stream, endpoint string) (*PostmarkAdapter, error) {
	return NewPostmarkAdapterWithClient(name, serverToken, stream, endpoint, newRestyClient())
}

func NewPostmarkAdapterWithClient(name, serverToken, stream, endpoint string, client *resty.Client) (*PostmarkAdapter, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultPostmarkEndpoint
	}

	prepareRestyClient(client)

	return &PostmarkAdapter{
		name:     name,
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		token:    strings.TrimSpace(serverToken),
		stream:   strings.TrimSpace(stream),
	}, nil
}

func (a *PostmarkAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, permanentError(a.name, 0, "invalid send request", err)
	}

	headers := req.AllHeaders()
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	body := postmarkRequest{
		From:          req.from(),
		To:            req.Recipient.Email,
		Subject:       req.Message.Subject,
		HTMLBody:      req.Message.HTMLBody,
		TextBody:      req.Message.TextBody,
		Tag:           req.Message.CampaignID,
		MessageStream: a.stream,
	}
	for _, k := range names {
		body.Headers = append(body.Headers, postmarkHeader{Name: k, Value: headers[k]})
	}

	var out postmarkResponse
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Postmark-Server-Token", a.token).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(a.endpoint)
	if err != nil {
		return nil, requestError(a.name, err)
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices && out.ErrorCode == 0 {
		return &SendResult{StatusCode: statusCode, MessageID: out.MessageID}, nil
	}

	if statusCode == http.StatusUnprocessableEntity {
		perr := transientError(a.name, statusCode, out.Message, nil)
		if postmarkPermanentCodes[out.ErrorCode] {
			perr = permanentError(a.name, statusCode, out.Message, nil)
		}
		perr.Code = fmt.Sprintf("%d", out.ErrorCode)
		return nil, perr
	}

	return nil, statusError(a.name, statusCode, response.String())
}
