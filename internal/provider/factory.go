package provider

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/esp-dispatch/internal/config"
	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Setting keys read from a provider's catalog entry.
const (
	SettingAPIKey           = "api_key"
	SettingHost             = "host"
	SettingEndpoint         = "endpoint"
	SettingToken            = "token"
	SettingDomain           = "domain"
	SettingBaseURL          = "base_url"
	SettingServerToken      = "server_token"
	SettingMessageStream    = "message_stream"
	SettingRegion           = "region"
	SettingAccessKey        = "access_key"
	SettingSecretKey        = "secret_key"
	SettingSessionToken     = "session_token"
	SettingConfigurationSet = "configuration_set"
)

// NewAdapter builds the adapter for a provider's kind. Missing or invalid credentials
// return a *config.ConfigurationError; callers exclude that provider and keep going.
func NewAdapter(ctx context.Context, cfg domain.ProviderConfig) (Adapter, error) {
	var (
		adapter Adapter
		err     error
	)

	switch cfg.Kind {
	case domain.ProviderKindSendGrid:
		adapter, err = NewSendGridAdapter(cfg.ID, cfg.Setting(SettingAPIKey), cfg.Setting(SettingHost))
	case domain.ProviderKindSES:
		adapter, err = NewSESAdapter(ctx, cfg.ID, SESSettings{
			Region:           cfg.Setting(SettingRegion),
			AccessKey:        cfg.Setting(SettingAccessKey),
			SecretKey:        cfg.Setting(SettingSecretKey),
			SessionToken:     cfg.Setting(SettingSessionToken),
			ConfigurationSet: cfg.Setting(SettingConfigurationSet),
			Endpoint:         cfg.Setting(SettingEndpoint),
		})
	case domain.ProviderKindMailgun:
		adapter, err = NewMailgunAdapter(cfg.ID, cfg.Setting(SettingDomain), cfg.Setting(SettingAPIKey), cfg.Setting(SettingBaseURL))
	case domain.ProviderKindPostmark:
		adapter, err = NewPostmarkAdapter(cfg.ID, cfg.Setting(SettingServerToken), cfg.Setting(SettingMessageStream), cfg.Setting(SettingEndpoint))
	case domain.ProviderKindWebhook:
		adapter, err = NewWebhookAdapter(cfg.ID, cfg.Setting(SettingEndpoint), cfg.Setting(SettingToken))
	default:
		err = fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}

	if err != nil {
		return nil, config.NewConfigurationError(cfg.ID, err)
	}
	return adapter, nil
}
