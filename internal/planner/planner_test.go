package planner

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

func makeRecipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{Email: fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func TestPlanThreeProviderScenario(t *testing.T) {
	t.Parallel()

	plan := NewPlanner(nil).Plan(makeRecipients(180), []Capacity{
		{ProviderID: "c", Priority: 3, Reputation: 100, Available: 50},
		{ProviderID: "a", Priority: 1, Reputation: 100, Available: 100},
		{ProviderID: "b", Priority: 2, Reputation: 100, Available: 80},
	})

	if got := plan.Assigned(); got != 180 {
		t.Fatalf("Assigned() = %d, want 180", got)
	}
	if len(plan.Unassigned) != 0 {
		t.Fatalf("Unassigned = %d, want 0", len(plan.Unassigned))
	}

	a, b, c := len(plan.Assignments["a"]), len(plan.Assignments["b"]), len(plan.Assignments["c"])
	if a != 79 || b != 62 || c != 39 {
		t.Fatalf("assignments = (%d, %d, %d), want (79, 62, 39)", a, b, c)
	}
	if a <= b || a <= c {
		t.Fatalf("provider a should get the largest share, got (%d, %d, %d)", a, b, c)
	}
	if want := []string{"a", "b", "c"}; fmt.Sprint(plan.Order) != fmt.Sprint(want) {
		t.Fatalf("Order = %v, want %v", plan.Order, want)
	}
	if plan.TotalCapacity != 230 {
		t.Fatalf("TotalCapacity = %d, want 230", plan.TotalCapacity)
	}
}

func TestPlanSumAndPerProviderCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		recipients int
		capacities []Capacity
	}{
		{
			name:       "fits with low reputation",
			recipients: 100,
			capacities: []Capacity{
				{ProviderID: "a", Priority: 1, Reputation: 72, Available: 60},
				{ProviderID: "b", Priority: 2, Reputation: 95, Available: 60},
			},
		},
		{
			name:       "overflows capacity",
			recipients: 500,
			capacities: []Capacity{
				{ProviderID: "a", Priority: 1, Reputation: 100, Available: 120},
				{ProviderID: "b", Priority: 2, Reputation: 80, Available: 30},
				{ProviderID: "c", Priority: 3, Reputation: 100, Available: 7},
			},
		},
		{
			name:       "single recipient",
			recipients: 1,
			capacities: []Capacity{
				{ProviderID: "a", Priority: 1, Reputation: 100, Available: 3},
				{ProviderID: "b", Priority: 2, Reputation: 100, Available: 3},
			},
		},
		{
			name:       "skips exhausted providers",
			recipients: 40,
			capacities: []Capacity{
				{ProviderID: "a", Priority: 1, Reputation: 100, Available: 0},
				{ProviderID: "b", Priority: 2, Reputation: 100, Available: -5},
				{ProviderID: "c", Priority: 3, Reputation: 90, Available: 41},
			},
		},
		{
			name:       "uneven rounding",
			recipients: 7,
			capacities: []Capacity{
				{ProviderID: "a", Priority: 1, Reputation: 100, Available: 3},
				{ProviderID: "b", Priority: 1, Reputation: 100, Available: 3},
				{ProviderID: "c", Priority: 1, Reputation: 100, Available: 3},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recipients := makeRecipients(tt.recipients)
			plan := NewPlanner(nil).Plan(recipients, tt.capacities)

			total := 0
			for _, c := range tt.capacities {
				if c.Available > 0 {
					total += c.Available
				}
				if got := len(plan.Assignments[c.ProviderID]); got > c.Available && got > 0 {
					t.Fatalf("provider %s assigned %d, capacity %d", c.ProviderID, got, c.Available)
				}
			}

			want := tt.recipients
			if total < want {
				want = total
			}
			if got := plan.Assigned(); got != want {
				t.Fatalf("Assigned() = %d, want %d", got, want)
			}
			if got := plan.Assigned() + len(plan.Unassigned); got != tt.recipients {
				t.Fatalf("assigned + unassigned = %d, want %d", got, tt.recipients)
			}

			seen := make(map[string]bool, tt.recipients)
			for _, rs := range plan.Assignments {
				for _, r := range rs {
					if seen[r.Email] {
						t.Fatalf("recipient %s assigned twice", r.Email)
					}
					seen[r.Email] = true
				}
			}
			for _, r := range plan.Unassigned {
				if seen[r.Email] {
					t.Fatalf("recipient %s both assigned and unassigned", r.Email)
				}
			}
		})
	}
}

func TestPlanNoCapacityIsEmpty(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	plan := NewPlanner(zap.New(core)).Plan(makeRecipients(10), []Capacity{
		{ProviderID: "a", Priority: 1, Reputation: 100, Available: 0},
	})

	if !plan.Empty() {
		t.Fatal("Empty() = false, want true without capacity")
	}
	if len(plan.Unassigned) != 10 {
		t.Fatalf("Unassigned = %d, want 10", len(plan.Unassigned))
	}
	if logs.FilterMessage("no provider capacity for batch").Len() != 1 {
		t.Fatal("expected a warning for a batch without capacity")
	}
}

func TestPlanNoRecipients(t *testing.T) {
	t.Parallel()

	plan := NewPlanner(nil).Plan(nil, []Capacity{{ProviderID: "a", Available: 10, Reputation: 100}})
	if !plan.Empty() || len(plan.Unassigned) != 0 {
		t.Fatalf("Plan(nil) = %+v, want empty plan", plan)
	}
}
