package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// SES error codes that fail over as transient.
var sesTransientCodes = map[string]bool{
	"Throttling":                   true,
	"ThrottlingException":          true,
	"ServiceUnavailable":           true,
	"InternalFailure":              true,
	"RequestTimeout":               true,
	"MaxSendingRateExceeded":       true,
	"Daily Message Quota Exceeded": true,
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAdapter sends through Amazon SES. Tracking headers travel as message tags.
type SESAdapter struct {
	name             string
	client           sesAPI
	configurationSet string
}

type SESSettings struct {
	Region           string
	AccessKey        string
	SecretKey        string
	SessionToken     string
	ConfigurationSet string
	Endpoint         string
}

func NewSESAdapter(ctx context.Context, name string, settings SESSettings) (*SESAdapter, error) {
	if strings.TrimSpace(settings.Region) == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if settings.AccessKey != "" && settings.SecretKey == "" {
		return nil, fmt.Errorf("secret key is required when access key is provided")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(settings.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	if settings.AccessKey != "" {
		accessKey, secretKey, token := settings.AccessKey, settings.SecretKey, settings.SessionToken
		cfg.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
				SessionToken:    token,
			}, nil
		})
	}

	client := ses.NewFromConfig(cfg, func(o *ses.Options) {
		if endpoint := strings.TrimSpace(settings.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return newSESAdapter(name, client, settings.ConfigurationSet), nil
}

func newSESAdapter(name string, client sesAPI, configurationSet string) *SESAdapter {
	return &SESAdapter{name: name, client: client, configurationSet: strings.TrimSpace(configurationSet)}
}

func (a *SESAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, permanentError(a.name, 0, "invalid send request", err)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(req.from()),
		Destination: &types.Destination{
			ToAddresses: []string{req.Recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(req.Message.Subject), Charset: aws.String("UTF-8")},
			Body:    &types.Body{},
		},
		Tags: sesTags(req.AllHeaders()),
	}
	if req.Message.TextBody != "" {
		input.Message.Body.Text = &types.Content{Data: aws.String(req.Message.TextBody), Charset: aws.String("UTF-8")}
	}
	if req.Message.HTMLBody != "" {
		input.Message.Body.Html = &types.Content{Data: aws.String(req.Message.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if a.configurationSet != "" {
		input.ConfigurationSetName = aws.String(a.configurationSet)
	}

	output, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return nil, a.classify(err)
	}

	return &SendResult{StatusCode: 200, MessageID: aws.ToString(output.MessageId)}, nil
}

func (a *SESAdapter) classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return requestError(a.name, err)
	}

	perr := permanentError(a.name, 0, apiErr.ErrorMessage(), err)
	if apiErr.ErrorFault() == smithy.FaultServer || sesTransientCodes[apiErr.ErrorCode()] {
		perr.Class = domain.ErrorClassTransient
	}
	perr.Code = apiErr.ErrorCode()
	return perr
}

// sesTags turns headers into message tags. Tag names and values allow only
// alphanumerics, '_' and '-'.
func sesTags(headers map[string]string) []types.MessageTag {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	tags := make([]types.MessageTag, 0, len(names))
	for _, k := range names {
		name, value := sesTagValue(k), sesTagValue(headers[k])
		if name == "" || value == "" || strings.HasPrefix(strings.ToLower(k), "list-") {
			continue
		}
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}
	return tags
}

func sesTagValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return strings.Trim(out, "_")
}
