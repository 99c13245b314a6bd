package warming

import (
	"fmt"
	"sort"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// DefaultCheckpoints ramp a fresh sending identity to 3000 messages a day over two weeks.
var DefaultCheckpoints = []domain.WarmingCheckpoint{
	{Day: 1, DailyCap: 50, Note: "most engaged recipients only"},
	{Day: 2, DailyCap: 100},
	{Day: 3, DailyCap: 200},
	{Day: 5, DailyCap: 500, Note: "widen to recently engaged"},
	{Day: 8, DailyCap: 1000},
	{Day: 12, DailyCap: 2000},
	{Day: 15, DailyCap: 3000, Note: "full volume"},
}

// Plan is an immutable, sparse warming ramp. Days between checkpoints inherit the
// previous checkpoint; days after the last one inherit the last cap.
type Plan struct {
	checkpoints []domain.WarmingCheckpoint
}

func NewPlan(checkpoints []domain.WarmingCheckpoint) (*Plan, error) {
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("%w: warming plan needs at least one checkpoint", domain.ErrValidation)
	}

	sorted := make([]domain.WarmingCheckpoint, len(checkpoints))
	copy(sorted, checkpoints)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Day < sorted[j].Day })

	for i, cp := range sorted {
		if cp.Day < 1 {
			return nil, fmt.Errorf("%w: warming checkpoint day must be >= 1, got %d", domain.ErrValidation, cp.Day)
		}
		if cp.DailyCap < 0 {
			return nil, fmt.Errorf("%w: warming checkpoint day %d has negative cap", domain.ErrValidation, cp.Day)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if cp.Day == prev.Day {
			return nil, fmt.Errorf("%w: duplicate warming checkpoint day %d", domain.ErrValidation, cp.Day)
		}
		if cp.DailyCap < prev.DailyCap {
			return nil, fmt.Errorf("%w: warming cap decreases from %d (day %d) to %d (day %d)",
				domain.ErrValidation, prev.DailyCap, prev.Day, cp.DailyCap, cp.Day)
		}
	}

	return &Plan{checkpoints: sorted}, nil
}

// DefaultPlan returns the plan built from DefaultCheckpoints.
func DefaultPlan() *Plan {
	p, err := NewPlan(DefaultCheckpoints)
	if err != nil {
		panic(err)
	}
	return p
}

// CapFor returns the checkpoint with the largest day <= day.
func (p *Plan) CapFor(day int) (domain.WarmingCheckpoint, bool) {
	idx := sort.Search(len(p.checkpoints), func(i int) bool { return p.checkpoints[i].Day > day })
	if idx == 0 {
		return domain.WarmingCheckpoint{}, false
	}
	return p.checkpoints[idx-1], true
}

func (p *Plan) LastDay() int {
	return p.checkpoints[len(p.checkpoints)-1].Day
}

func (p *Plan) Checkpoints() []domain.WarmingCheckpoint {
	out := make([]domain.WarmingCheckpoint, len(p.checkpoints))
	copy(out, p.checkpoints)
	return out
}
