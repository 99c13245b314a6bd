package planner

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Capacity is what one provider can take right now.
type Capacity struct {
	ProviderID string
	Priority   int
	Reputation float64
	// Available is min(dailyRemaining, hourlyRemaining), already capped by warming.
	Available int
}

// DistributionPlan maps providers to the recipients they should send to for one batch.
type DistributionPlan struct {
	Assignments   map[string][]domain.Recipient
	Order         []string
	Unassigned    []domain.Recipient
	TotalCapacity int
}

func (p *DistributionPlan) Assigned() int {
	n := 0
	for _, rs := range p.Assignments {
		n += len(rs)
	}
	return n
}

// Empty reports a plan without any assignment. Callers must treat it as capacity exhaustion.
func (p *DistributionPlan) Empty() bool {
	return p.Assigned() == 0
}

type Planner struct {
	logger *zap.Logger
}

func NewPlanner(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

// Plan splits recipients across providers in two passes. The first pass gives each
// provider, in priority order, a share proportional to its capacity scaled by reputation.
// The second hands out what rounding and reputation left over, again in priority order,
// while capacity remains. Whatever is left is reported as unassigned.
func (p *Planner) Plan(recipients []domain.Recipient, capacities []Capacity) *DistributionPlan {
	eligible := make([]Capacity, 0, len(capacities))
	total := 0
	for _, c := range capacities {
		if c.Available <= 0 {
			continue
		}
		eligible = append(eligible, c)
		total += c.Available
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ProviderID < eligible[j].ProviderID
	})

	plan := &DistributionPlan{
		Assignments:   make(map[string][]domain.Recipient, len(eligible)),
		Order:         make([]string, 0, len(eligible)),
		TotalCapacity: total,
	}

	if total <= 0 || len(recipients) == 0 {
		plan.Unassigned = append([]domain.Recipient(nil), recipients...)
		if len(recipients) > 0 {
			p.logger.Warn("no provider capacity for batch", zap.Int("recipients", len(recipients)))
		}
		return plan
	}

	n := len(recipients)
	assigned := make([]int, len(eligible))
	next := 0

	for i, c := range eligible {
		rep := domain.ClampReputation(c.Reputation) / domain.MaxReputation
		share := int(math.Floor(float64(n)*float64(c.Available)/float64(total)*rep + 1e-9))
		share = min(share, c.Available, n-next)
		if share <= 0 {
			continue
		}
		plan.Assignments[c.ProviderID] = append(plan.Assignments[c.ProviderID], recipients[next:next+share]...)
		assigned[i] = share
		next += share
	}

	for i, c := range eligible {
		if next >= n {
			break
		}
		extra := min(c.Available-assigned[i], n-next)
		if extra <= 0 {
			continue
		}
		plan.Assignments[c.ProviderID] = append(plan.Assignments[c.ProviderID], recipients[next:next+extra]...)
		assigned[i] += extra
		next += extra
	}

	for i, c := range eligible {
		if assigned[i] > 0 {
			plan.Order = append(plan.Order, c.ProviderID)
		}
	}

	if next < n {
		plan.Unassigned = append([]domain.Recipient(nil), recipients[next:]...)
		p.logger.Warn("batch exceeds provider capacity",
			zap.Int("recipients", n),
			zap.Int("totalCapacity", total),
			zap.Int("unassigned", len(plan.Unassigned)),
		)
	}

	return plan
}
