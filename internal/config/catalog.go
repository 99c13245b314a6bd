package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Catalog is the provider catalog loaded once at startup.
type Catalog struct {
	Providers []domain.ProviderConfig
	// Rejected holds providers excluded because their entry is invalid.
	Rejected         []*ConfigurationError
	DefaultWarming   []domain.WarmingCheckpoint
	WarmingOverrides map[string][]domain.WarmingCheckpoint
	DomainThrottles  map[string]Throttle
	FallbackThrottle *Throttle
}

// Throttle is a per-recipient-domain bucket shape.
type Throttle struct {
	Rate     float64 `yaml:"rate"`
	Capacity int     `yaml:"capacity"`
}

type catalogFile struct {
	Providers []providerEntry `yaml:"providers"`
	Warming   struct {
		Default   []checkpointEntry            `yaml:"default"`
		Overrides map[string][]checkpointEntry `yaml:"overrides"`
	} `yaml:"warming"`
	DomainThrottles  map[string]Throttle `yaml:"domain_throttles"`
	FallbackThrottle *Throttle           `yaml:"fallback_throttle"`
}

type providerEntry struct {
	ID                string            `yaml:"id"`
	Kind              string            `yaml:"kind"`
	Priority          int               `yaml:"priority"`
	Weight            float64           `yaml:"weight"`
	InitialReputation float64           `yaml:"initial_reputation"`
	Status            string            `yaml:"status"`
	DedicatedIdentity bool              `yaml:"dedicated_identity"`
	DomainAffinities  []string          `yaml:"domain_affinities"`
	BatchSize         int               `yaml:"batch_size"`
	BatchDelay        time.Duration     `yaml:"batch_delay"`
	Settings          map[string]string `yaml:"settings"`
	Limits            struct {
		Hourly    int     `yaml:"hourly"`
		Daily     int     `yaml:"daily"`
		Burst     int     `yaml:"burst"`
		BurstRate float64 `yaml:"burst_rate"`
	} `yaml:"limits"`
}

type checkpointEntry struct {
	Day      int    `yaml:"day"`
	DailyCap int    `yaml:"daily_cap"`
	Note     string `yaml:"note"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog. Setting values expand ${VAR} from the environment
// so credentials stay out of the file. An invalid provider entry is moved to Rejected;
// a catalog without a single valid provider is an error.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse provider catalog: %v", domain.ErrValidation, err)
	}

	catalog := &Catalog{
		DefaultWarming:   toCheckpoints(file.Warming.Default),
		WarmingOverrides: make(map[string][]domain.WarmingCheckpoint, len(file.Warming.Overrides)),
		DomainThrottles:  make(map[string]Throttle, len(file.DomainThrottles)),
		FallbackThrottle: file.FallbackThrottle,
	}

	for id, cps := range file.Warming.Overrides {
		catalog.WarmingOverrides[id] = toCheckpoints(cps)
	}

	for d, th := range file.DomainThrottles {
		if th.Rate <= 0 || th.Capacity <= 0 {
			return nil, fmt.Errorf("%w: domain throttle %s must have positive rate and capacity", domain.ErrValidation, d)
		}
		catalog.DomainThrottles[domain.NormalizeDomain(d)] = th
	}
	if th := file.FallbackThrottle; th != nil && (th.Rate <= 0 || th.Capacity <= 0) {
		return nil, fmt.Errorf("%w: fallback throttle must have positive rate and capacity", domain.ErrValidation)
	}

	seen := make(map[string]bool, len(file.Providers))
	for _, entry := range file.Providers {
		cfg, err := entry.toDomain()
		if err == nil && seen[cfg.ID] {
			err = fmt.Errorf("%w: duplicate provider id", domain.ErrValidation)
		}
		if err != nil {
			catalog.Rejected = append(catalog.Rejected, NewConfigurationError(entry.ID, err))
			continue
		}
		seen[cfg.ID] = true
		catalog.Providers = append(catalog.Providers, cfg)
	}

	if len(catalog.Providers) == 0 {
		return nil, fmt.Errorf("%w: provider catalog has no usable provider", domain.ErrValidation)
	}

	return catalog, nil
}

// RejectedError joins every rejected provider entry, or returns nil.
func (c *Catalog) RejectedError() error {
	errs := make([]error, 0, len(c.Rejected))
	for _, r := range c.Rejected {
		errs = append(errs, r)
	}
	return errors.Join(errs...)
}

func (e providerEntry) toDomain() (domain.ProviderConfig, error) {
	kind, err := domain.ParseProviderKindFromString(e.Kind)
	if err != nil {
		return domain.ProviderConfig{}, err
	}

	var status domain.ProviderStatus
	if strings.TrimSpace(e.Status) != "" {
		if status, err = domain.ParseProviderStatusFromString(e.Status); err != nil {
			return domain.ProviderConfig{}, err
		}
	}

	settings := make(map[string]string, len(e.Settings))
	for k, v := range e.Settings {
		settings[k] = os.ExpandEnv(v)
	}

	cfg := domain.ProviderConfig{
		ID:                strings.TrimSpace(e.ID),
		Kind:              kind,
		Priority:          e.Priority,
		Weight:            e.Weight,
		InitialReputation: e.InitialReputation,
		Status:            status,
		DedicatedIdentity: e.DedicatedIdentity,
		DomainAffinities:  e.DomainAffinities,
		BatchSize:         e.BatchSize,
		BatchDelay:        e.BatchDelay,
		Settings:          settings,
		Limits: domain.Limits{
			Hourly:    e.Limits.Hourly,
			Daily:     e.Limits.Daily,
			Burst:     e.Limits.Burst,
			BurstRate: e.Limits.BurstRate,
		},
	}

	if err := cfg.Validate(); err != nil {
		return domain.ProviderConfig{}, err
	}
	return cfg.WithDefaults(), nil
}

func toCheckpoints(entries []checkpointEntry) []domain.WarmingCheckpoint {
	if len(entries) == 0 {
		return nil
	}
	out := make([]domain.WarmingCheckpoint, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.WarmingCheckpoint{Day: e.Day, DailyCap: e.DailyCap, Note: e.Note})
	}
	return out
}
