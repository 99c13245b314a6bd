package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/observability"
	"github.com/kursadbilgin/esp-dispatch/internal/registry"
	"github.com/kursadbilgin/esp-dispatch/internal/repository"
	"github.com/kursadbilgin/esp-dispatch/internal/warming"
)

const (
	defaultHealthSchedule = "@every 5m"
	warmingReviewWindow   = 24 * time.Hour
	// Warming is not reviewed on fewer attempts than this.
	minWarmingSample = 20
)

// HealthMonitor periodically publishes provider gauges, reports unhealthy providers and
// reviews the performance of warming providers.
type HealthMonitor struct {
	registry *registry.Registry
	attempts repository.AttemptRepository
	events   repository.EventRepository
	metrics  *observability.Metrics
	logger   *zap.Logger
	schedule string
	now      func() time.Time

	mu   sync.Mutex
	last map[string]registry.HealthStatus
}

func NewHealthMonitor(
	reg *registry.Registry,
	attempts repository.AttemptRepository,
	events repository.EventRepository,
	schedule string,
	logger *zap.Logger,
) (*HealthMonitor, error) {
	if reg == nil {
		return nil, errors.New("provider registry is required")
	}
	if attempts == nil {
		return nil, errors.New("attempt repository is required")
	}
	if events == nil {
		return nil, errors.New("event repository is required")
	}
	if schedule == "" {
		schedule = defaultHealthSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: invalid health check schedule %q: %v", domain.ErrValidation, schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthMonitor{
		registry: reg,
		attempts: attempts,
		events:   events,
		logger:   logger,
		schedule: schedule,
		now:      time.Now,
		last:     make(map[string]registry.HealthStatus),
	}, nil
}

func (m *HealthMonitor) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Start runs Check once and then on the configured schedule until context cancellation.
func (m *HealthMonitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.Check(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health check: %w", err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Check takes one snapshot of every provider and persists their runtime state.
func (m *HealthMonitor) Check(ctx context.Context) map[string]registry.HealthReport {
	stats := m.registry.ProviderStats()
	reports := m.registry.Health()

	for id, st := range stats {
		m.metrics.SetProviderReputation(id, st.Reputation)
		m.metrics.SetProviderBreakerState(id, string(st.Breaker))
		if st.DailyLimit > 0 {
			m.metrics.SetProviderDailyUsage(id, float64(st.DailyCount)/float64(st.DailyLimit))
		}
		factor := 1.0
		if st.Warming != nil {
			factor = st.Warming.Factor
		}
		m.metrics.SetProviderWarmingFactor(id, factor)
	}

	m.logTransitions(reports)
	m.reviewWarming(ctx, stats)
	if err := m.registry.SaveStates(ctx); err != nil {
		m.logger.Error("failed to save provider states", zap.Error(err))
	}
	return reports
}

func (m *HealthMonitor) logTransitions(reports map[string]registry.HealthReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, report := range reports {
		previous, seen := m.last[id]
		m.last[id] = report.Status
		if seen && previous == report.Status {
			continue
		}

		fields := []zap.Field{
			zap.String("providerId", id),
			zap.String("health", report.Status.String()),
			zap.Strings("issues", report.Issues),
		}
		switch report.Status {
		case registry.HealthUnhealthy:
			m.logger.Error("provider unhealthy", fields...)
		case registry.HealthDegraded:
			m.logger.Warn("provider degraded", fields...)
		default:
			if seen {
				m.logger.Info("provider healthy", fields...)
			}
		}
	}
}

// reviewWarming evaluates every running, unpaused warming provider against its last
// day of attempts and reported bounces and complaints.
func (m *HealthMonitor) reviewWarming(ctx context.Context, stats map[string]registry.ProviderStats) {
	candidates := make([]string, 0)
	for id, st := range stats {
		if st.Warming != nil && !st.Warming.Paused && !st.Warming.Complete {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return
	}

	since := m.now().Add(-warmingReviewWindow)
	rows, err := m.attempts.StatsSince(ctx, since)
	if err != nil {
		m.logger.Error("failed to load attempt stats for warming review", zap.Error(err))
		return
	}
	byProvider := make(map[string]domain.AttemptStats, len(rows))
	for _, row := range rows {
		byProvider[row.ProviderID] = row
	}

	eventRows, err := m.events.StatsSince(ctx, since)
	if err != nil {
		m.logger.Error("failed to load event stats for warming review", zap.Error(err))
		return
	}
	events := make(map[string]domain.EventStats, len(eventRows))
	for _, row := range eventRows {
		events[row.ProviderID] = row
	}

	for _, id := range candidates {
		row := byProvider[id]
		if row.Total() < minWarmingSample {
			continue
		}

		ev := events[id]
		decision, err := m.registry.Warming().Evaluate(ctx, id, warming.Performance{
			Sent:       row.Total(),
			Delivered:  row.Sent,
			Bounced:    row.Permanent + ev.Bounces(),
			Complaints: ev.Complaints,
		})
		if err != nil {
			m.logger.Error("warming review failed", zap.String("providerId", id), zap.Error(err))
			continue
		}
		if decision.Action != warming.ActionContinue {
			m.logger.Warn("warming review adjusted provider",
				zap.String("providerId", id),
				zap.String("action", decision.Action.String()),
				zap.String("reason", decision.Reason),
			)
		}
	}
}
