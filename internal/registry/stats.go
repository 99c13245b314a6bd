package registry

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/reputation"
)

const (
	degradedReputation          = 80.0
	degradedConsecutiveFailures = 5
	degradedDailyUsage          = 0.9
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) String() string { return string(s) }

type WarmingStats struct {
	Day         int       `json:"day"`
	DailyCap    int       `json:"dailyCap"`
	SentToday   int       `json:"sentToday"`
	Factor      float64   `json:"factor"`
	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pauseReason,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	Complete    bool      `json:"complete"`
}

// ProviderStats is a monitoring snapshot of one provider.
type ProviderStats struct {
	ProviderID          string                  `json:"providerId"`
	Kind                domain.ProviderKind     `json:"kind"`
	Priority            int                     `json:"priority"`
	Status              domain.ProviderStatus   `json:"status"`
	StatusReason        string                  `json:"statusReason,omitempty"`
	Reputation          float64                 `json:"reputation"`
	Breaker             reputation.BreakerState `json:"breaker"`
	RecentFailures      int                     `json:"recentFailures"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
	HourlyCount         int                     `json:"hourlyCount"`
	HourlyLimit         int                     `json:"hourlyLimit"`
	DailyCount          int                     `json:"dailyCount"`
	DailyLimit          int                     `json:"dailyLimit"`
	Available           int                     `json:"available"`
	BucketTokens        float64                 `json:"bucketTokens"`
	BucketCapacity      int                     `json:"bucketCapacity"`
	Warming             *WarmingStats           `json:"warming,omitempty"`
	CanSend             bool                    `json:"canSend"`
}

type HealthReport struct {
	ProviderID string       `json:"providerId"`
	Status     HealthStatus `json:"status"`
	Issues     []string     `json:"issues"`
}

// ProviderStats returns a snapshot for every registered provider. It has no side effects
// on buckets or breaker trials.
func (r *Registry) ProviderStats() map[string]ProviderStats {
	out := make(map[string]ProviderStats, len(r.order))
	for _, id := range r.order {
		out[id] = r.stats(id)
	}
	return out
}

func (r *Registry) stats(id string) ProviderStats {
	p := r.providers[id]

	p.mu.Lock()
	available, _ := r.availableLocked(id, p)
	st := ProviderStats{
		ProviderID:   id,
		Kind:         p.cfg.Kind,
		Priority:     p.cfg.Priority,
		Status:       p.status,
		StatusReason: p.statusReason,
		HourlyCount:  p.hourlyCount,
		HourlyLimit:  p.cfg.Limits.Hourly,
		DailyCount:   p.dailyCount,
		DailyLimit:   p.cfg.Limits.Daily,
		Available:    available,
	}
	p.mu.Unlock()

	st.BucketTokens = p.bucket.Tokens()
	st.BucketCapacity = p.bucket.Capacity()

	if snap, ok := r.tracker.Snapshot(id); ok {
		st.Reputation = snap.Score
		st.Breaker = snap.Breaker
		st.RecentFailures = snap.RecentFailures
		st.ConsecutiveFailures = snap.ConsecutiveFailures
	}

	if progress, ok := r.schedule.Progress(id); ok {
		st.Warming = &WarmingStats{
			Day:         progress.Day,
			DailyCap:    progress.DailyCap,
			SentToday:   progress.SentToday,
			Factor:      progress.Factor,
			Paused:      progress.Paused,
			PauseReason: progress.PauseReason,
			StartedAt:   progress.StartedAt,
			Complete:    progress.Complete,
		}
	}

	st.CanSend = available > 0 && r.tracker.CanUse(id, st.Status)
	return st
}

// Health classifies every provider as healthy, degraded or unhealthy.
func (r *Registry) Health() map[string]HealthReport {
	out := make(map[string]HealthReport, len(r.order))
	for id, st := range r.ProviderStats() {
		out[id] = healthOf(st)
	}
	return out
}

func healthOf(st ProviderStats) HealthReport {
	report := HealthReport{ProviderID: st.ProviderID, Status: HealthHealthy, Issues: []string{}}

	if st.Status == domain.ProviderStatusSuspended {
		report.Status = HealthUnhealthy
		issue := "provider is suspended"
		if st.StatusReason != "" {
			issue += ": " + st.StatusReason
		}
		report.Issues = append(report.Issues, issue)
	}
	if st.Breaker == reputation.BreakerOpen {
		report.Status = HealthUnhealthy
		report.Issues = append(report.Issues, "circuit breaker is open")
	}

	degraded := false
	if st.Reputation < degradedReputation {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("low reputation: %.1f", st.Reputation))
	}
	if st.ConsecutiveFailures > degradedConsecutiveFailures {
		degraded = true
		report.Issues = append(report.Issues, fmt.Sprintf("consecutive failures: %d", st.ConsecutiveFailures))
	}
	if st.DailyLimit > 0 {
		if usage := float64(st.DailyCount) / float64(st.DailyLimit); usage > degradedDailyUsage {
			degraded = true
			report.Issues = append(report.Issues, fmt.Sprintf("daily usage at %.0f%%", usage*100))
		}
	}
	if st.Warming != nil && st.Warming.Paused {
		degraded = true
		report.Issues = append(report.Issues, "warming paused: "+st.Warming.PauseReason)
	}

	if degraded && report.Status == HealthHealthy {
		report.Status = HealthDegraded
	}
	return report
}
