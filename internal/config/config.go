package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	DatabaseDSN            string        `env:"DATABASE_DSN,required=true"`
	RabbitMQURL            string        `env:"RABBITMQ_URL,required=true"`
	RedisURL               string        `env:"REDIS_URL"`
	ProviderCatalogPath    string        `env:"PROVIDER_CATALOG_PATH,default=config/providers.yaml"`
	RateLimitBackend       string        `env:"RATE_LIMIT_BACKEND,default=memory"`
	SendTimeout            time.Duration `env:"SEND_TIMEOUT,default=10s"`
	BucketMaxWait          time.Duration `env:"BUCKET_MAX_WAIT,default=2s"`
	BatchChunkSize         int           `env:"BATCH_CHUNK_SIZE,default=50"`
	BatchWorkerConcurrency int           `env:"BATCH_WORKER_CONCURRENCY,default=4"`
	HealthCheckSchedule    string        `env:"HEALTH_CHECK_SCHEDULE,default=@every 5m"`
	CircuitCooldown        time.Duration `env:"CIRCUIT_COOLDOWN,default=60s"`
	APIPort                int           `env:"API_PORT,default=8080"`
	LogLevel               string        `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("%w: REDIS_URL is required for the redis rate limit backend", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown RATE_LIMIT_BACKEND %q", domain.ErrValidation, c.RateLimitBackend)
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("%w: SEND_TIMEOUT must be positive", domain.ErrValidation)
	}
	if c.BucketMaxWait <= 0 {
		return fmt.Errorf("%w: BUCKET_MAX_WAIT must be positive", domain.ErrValidation)
	}
	if c.BatchChunkSize <= 0 {
		return fmt.Errorf("%w: BATCH_CHUNK_SIZE must be positive", domain.ErrValidation)
	}
	if c.BatchWorkerConcurrency <= 0 {
		return fmt.Errorf("%w: BATCH_WORKER_CONCURRENCY must be positive", domain.ErrValidation)
	}
	return nil
}

// UsesRedis reports whether provider and domain buckets live in Redis.
func (c *Config) UsesRedis() bool {
	return c.RateLimitBackend == RateLimitBackendRedis
}

// ConfigurationError marks a provider whose configuration or credentials are unusable.
// It is fatal for that provider only.
type ConfigurationError struct {
	ProviderID string
	Err        error
}

func NewConfigurationError(providerID string, err error) *ConfigurationError {
	return &ConfigurationError{ProviderID: providerID, Err: err}
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: provider %s: %v", domain.ErrConfiguration, e.ProviderID, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{domain.ErrConfiguration, e.Err}
}
