package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
	"github.com/kursadbilgin/esp-dispatch/internal/reputation"
	"github.com/kursadbilgin/esp-dispatch/internal/warming"
)

type fakeAdapter struct{}

func (fakeAdapter) Send(context.Context, provider.SendRequest) (*provider.SendResult, error) {
	return &provider.SendResult{StatusCode: 202, MessageID: "msg"}, nil
}

func fakeAdapterFactory(_ context.Context, _ domain.ProviderConfig) (provider.Adapter, error) {
	return fakeAdapter{}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testProvider(id string, priority int) domain.ProviderConfig {
	return domain.ProviderConfig{
		ID:       id,
		Kind:     domain.ProviderKindWebhook,
		Priority: priority,
		Limits:   domain.Limits{Hourly: 1000, Daily: 1000, Burst: 100, BurstRate: 100},
	}
}

type testEnv struct {
	registry *Registry
	tracker  *reputation.Tracker
	schedule *warming.Schedule
	clock    *fakeClock
}

func newTestRegistry(t *testing.T, randValue float64, providers ...domain.ProviderConfig) *testEnv {
	t.Helper()

	plan, err := warming.NewPlan([]domain.WarmingCheckpoint{{Day: 1, DailyCap: 3}})
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}

	tracker := reputation.NewTracker(reputation.Options{Cooldown: 50 * time.Millisecond}, nil)
	schedule := warming.NewSchedule(plan, nil, nil, nil)
	clock := &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}

	r, err := newRegistry(
		context.Background(),
		Config{Providers: providers, NewAdapter: fakeAdapterFactory},
		tracker,
		schedule,
		nil,
		clock.Now,
		func() float64 { return randValue },
	)
	if err != nil {
		t.Fatalf("newRegistry() error = %v", err)
	}

	return &testEnv{registry: r, tracker: tracker, schedule: schedule, clock: clock}
}

func TestNew_OrdersByPriorityAndExcludesInvalid(t *testing.T) {
	t.Parallel()

	invalid := testProvider("broken", 0)
	invalid.Limits.Daily = 0

	failing := testProvider("failing", 0)

	factory := func(ctx context.Context, cfg domain.ProviderConfig) (provider.Adapter, error) {
		if cfg.ID == "failing" {
			return nil, errors.New("missing api key")
		}
		return fakeAdapter{}, nil
	}

	r, err := New(
		context.Background(),
		Config{
			Providers:  []domain.ProviderConfig{testProvider("c", 3), invalid, testProvider("a", 1), failing, testProvider("b", 2)},
			NewAdapter: factory,
		},
		reputation.NewTracker(reputation.Options{}, nil),
		warming.NewSchedule(nil, nil, nil, nil),
		nil,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := r.IDs()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", got, want)
		}
	}
}

func TestNew_NoUsableProvider(t *testing.T) {
	t.Parallel()

	invalid := testProvider("broken", 0)
	invalid.Kind = "carrier"

	_, err := New(
		context.Background(),
		Config{Providers: []domain.ProviderConfig{invalid}, NewAdapter: fakeAdapterFactory},
		reputation.NewTracker(reputation.Options{}, nil),
		warming.NewSchedule(nil, nil, nil, nil),
		nil,
	)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("New() error = %v, want ErrConfiguration", err)
	}
}

func TestSelectBestFor_WeightedPick(t *testing.T) {
	t.Parallel()

	heavy := testProvider("b", 2)
	heavy.Weight = 3

	testCases := []struct {
		name string
		rand float64
		want string
	}{
		{name: "low draw lands on first", rand: 0.1, want: "a"},
		{name: "high draw lands on heavier", rand: 0.5, want: "b"},
		{name: "top of range", rand: 0.999, want: "b"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestRegistry(t, tc.rand, testProvider("a", 1), heavy)

			got, ok := env.registry.SelectBestFor("example.com", 0.5, 1)
			if !ok || got != tc.want {
				t.Fatalf("SelectBestFor() = (%q, %v), want (%q, true)", got, ok, tc.want)
			}
		})
	}
}

func TestSelectBestFor_NeverPicksLowReputation(t *testing.T) {
	t.Parallel()

	env := newTestRegistry(t, 0.1, testProvider("a", 1), testProvider("b", 2))
	env.tracker.SetScore("a", 69.9)

	for i := 0; i < 10; i++ {
		got, ok := env.registry.SelectBestFor("example.com", 0.5, 1)
		if !ok || got != "b" {
			t.Fatalf("SelectBestFor() = (%q, %v), want (b, true)", got, ok)
		}
	}

	env.tracker.SetScore("b", 50)
	if got, ok := env.registry.SelectBestFor("example.com", 0.5, 1); ok {
		t.Fatalf("SelectBestFor() = %q, want no provider", got)
	}
}

func TestSelectBestFor_AffinityAndEngagement(t *testing.T) {
	t.Parallel()

	gmail := testProvider("gmail-pool", 3)
	gmail.DomainAffinities = []string{"gmail.com"}

	env := newTestRegistry(t, 0.0, testProvider("a", 1), testProvider("b", 2), gmail)
	env.tracker.SetScore("a", 90)
	env.tracker.SetScore("b", 95)
	env.tracker.SetScore("gmail-pool", 80)

	if got, _ := env.registry.SelectBestFor("GMAIL.com", 0.1, 1); got != "gmail-pool" {
		t.Fatalf("SelectBestFor(gmail.com) = %q, want gmail-pool", got)
	}
	if got, _ := env.registry.SelectBestFor("example.com", 0.9, 1); got != "b" {
		t.Fatalf("SelectBestFor(high engagement) = %q, want b", got)
	}
	if got, _ := env.registry.SelectBestFor("example.com", 0.8, 1); got != "a" {
		t.Fatalf("SelectBestFor(threshold engagement) = %q, want weighted pick a", got)
	}

	if err := env.registry.Suspend(context.Background(), "gmail-pool", "test"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if got, _ := env.registry.SelectBestFor("gmail.com", 0.1, 1); got == "gmail-pool" {
		t.Fatal("SelectBestFor() picked a suspended affinity provider")
	}
}

func TestReserve_LimitsAndLazyRollover(t *testing.T) {
	t.Parallel()

	cfg := testProvider("a", 1)
	cfg.Limits.Hourly = 2
	cfg.Limits.Daily = 3

	env := newTestRegistry(t, 0, cfg)
	r := env.registry

	if err := r.Reserve("a", 2); err != nil {
		t.Fatalf("Reserve(2) error = %v", err)
	}
	if err := r.Reserve("a", 1); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("Reserve() past hourly error = %v, want ErrCapacityExhausted", err)
	}

	env.clock.Advance(time.Hour)
	if err := r.Reserve("a", 1); err != nil {
		t.Fatalf("Reserve() after hour error = %v", err)
	}
	if err := r.Reserve("a", 1); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("Reserve() past daily error = %v, want ErrCapacityExhausted", err)
	}

	r.Release("a", 1)
	if err := r.Reserve("a", 1); err != nil {
		t.Fatalf("Reserve() after Release error = %v", err)
	}

	env.clock.Advance(24 * time.Hour)
	caps := r.Capacities()
	if len(caps) != 1 || caps[0].Available != 2 {
		t.Fatalf("Capacities() = %+v, want 2 available after daily rollover", caps)
	}

	if err := r.Reserve("missing", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Reserve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	cfg := testProvider("a", 1)
	cfg.Limits.Daily = 100

	env := newTestRegistry(t, 0, cfg)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.registry.Reserve("a", 1) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 100 {
		t.Fatalf("accepted = %d, want 100", got)
	}
}

func TestReserve_WarmingCap(t *testing.T) {
	t.Parallel()

	cfg := testProvider("fresh", 1)
	cfg.Status = domain.ProviderStatusWarming

	env := newTestRegistry(t, 0, cfg)
	r := env.registry

	if st, _ := r.Status("fresh"); st != domain.ProviderStatusWarming {
		t.Fatalf("Status() = %s, want WARMING", st)
	}
	if !env.schedule.IsWarming("fresh") {
		t.Fatal("schedule is not warming the provider")
	}

	if err := r.Reserve("fresh", 3); err != nil {
		t.Fatalf("Reserve(3) error = %v", err)
	}
	if err := r.Reserve("fresh", 1); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("Reserve() past warming cap error = %v, want ErrCapacityExhausted", err)
	}
	if caps := r.Capacities(); len(caps) != 1 || caps[0].Available != 0 {
		t.Fatalf("Capacities() = %+v, want 0 available", caps)
	}
	if r.CanProviderSend(context.Background(), "fresh", 1) {
		t.Fatal("CanProviderSend() = true past warming cap")
	}
}

func TestCanProviderSend_HalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	env := newTestRegistry(t, 0, testProvider("a", 1))
	ctx := context.Background()

	for i := 0; i < reputation.DefaultFailureThreshold; i++ {
		env.tracker.RecordEvent("a", domain.EventTimeout)
	}
	if env.registry.CanProviderSend(ctx, "a", 1) {
		t.Fatal("CanProviderSend() = true with open breaker")
	}

	time.Sleep(80 * time.Millisecond)

	if !env.registry.CanProviderSend(ctx, "a", 1) {
		t.Fatal("CanProviderSend() = false for the half-open trial")
	}
	if env.registry.CanProviderSend(ctx, "a", 1) {
		t.Fatal("CanProviderSend() = true while the trial is in flight")
	}

	env.tracker.RecordEvent("a", domain.EventDelivered)
	if !env.registry.CanProviderSend(ctx, "a", 1) {
		t.Fatal("CanProviderSend() = false after a successful trial")
	}
}

func TestCanProviderSend_EmptyBucket(t *testing.T) {
	t.Parallel()

	cfg := testProvider("a", 1)
	cfg.Limits.Burst = 2
	cfg.Limits.BurstRate = 0.001

	env := newTestRegistry(t, 0, cfg)
	ctx := context.Background()

	if !env.registry.CanProviderSend(ctx, "a", 2) {
		t.Fatal("CanProviderSend(2) = false with a full bucket")
	}
	if env.registry.CanProviderSend(ctx, "a", 1) {
		t.Fatal("CanProviderSend() = true with an empty bucket")
	}
	if env.registry.CanProviderSend(ctx, "missing", 1) {
		t.Fatal("CanProviderSend(missing) = true")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	env := newTestRegistry(t, 0, testProvider("a", 1), testProvider("b", 2))
	r := env.registry
	ctx := context.Background()

	if err := r.Suspend(context.Background(), "a", "blocklisted"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if err := r.Suspend(context.Background(), "a", "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Suspend() twice error = %v, want ErrConflict", err)
	}
	if got := r.AvailableProviders(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("AvailableProviders() = %v, want [b]", got)
	}
	if err := r.StartWarming(ctx, "a"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("StartWarming(suspended) error = %v, want ErrConflict", err)
	}

	for i := 0; i < reputation.DefaultFailureThreshold; i++ {
		env.tracker.RecordEvent("a", domain.EventBlocked)
	}
	if err := r.Reactivate(context.Background(), "a"); err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	snap, _ := env.tracker.Snapshot("a")
	if snap.Breaker != reputation.BreakerClosed || snap.ConsecutivePermanent != 0 {
		t.Fatalf("Snapshot() after Reactivate = %+v, want closed breaker", snap)
	}
	if err := r.Reactivate(context.Background(), "a"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Reactivate(active) error = %v, want ErrConflict", err)
	}

	if err := r.StartWarming(ctx, "a"); err != nil {
		t.Fatalf("StartWarming() error = %v", err)
	}
	if st, _ := r.Status("a"); st != domain.ProviderStatusWarming {
		t.Fatalf("Status() = %s, want WARMING", st)
	}
	if err := r.Suspend(context.Background(), "a", "complaints"); err != nil {
		t.Fatalf("Suspend(warming) error = %v", err)
	}
	if err := r.Reactivate(context.Background(), "a"); err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	if st, _ := r.Status("a"); st != domain.ProviderStatusWarming {
		t.Fatalf("Status() after Reactivate = %s, want WARMING", st)
	}

	if err := r.FinishWarming(ctx, "a"); err != nil {
		t.Fatalf("FinishWarming() error = %v", err)
	}
	if err := r.FinishWarming(ctx, "a"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("FinishWarming(active) error = %v, want ErrConflict", err)
	}

	if err := r.Suspend(context.Background(), "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Suspend(missing) error = %v, want ErrNotFound", err)
	}
	if err := r.SetReputation(context.Background(), "a", 120); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("SetReputation(120) error = %v, want ErrValidation", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestRegistry(t, 0, testProvider("a", 1), testProvider("b", 2), testProvider("c", 3))
	r := env.registry

	if err := r.Suspend(context.Background(), "a", "manual"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if err := r.SetReputation(context.Background(), "b", 75); err != nil {
		t.Fatalf("SetReputation() error = %v", err)
	}

	health := r.Health()
	if got := health["a"].Status; got != HealthUnhealthy {
		t.Errorf("Health()[a] = %s, want unhealthy", got)
	}
	if got := health["b"].Status; got != HealthDegraded {
		t.Errorf("Health()[b] = %s, want degraded", got)
	}
	if got := health["c"]; got.Status != HealthHealthy || len(got.Issues) != 0 {
		t.Errorf("Health()[c] = %+v, want healthy", got)
	}

	stats := r.ProviderStats()
	if stats["a"].CanSend || !stats["c"].CanSend {
		t.Errorf("CanSend a=%v c=%v, want false/true", stats["a"].CanSend, stats["c"].CanSend)
	}
	if stats["c"].BucketCapacity != 100 {
		t.Errorf("BucketCapacity = %d, want 100", stats["c"].BucketCapacity)
	}
}
