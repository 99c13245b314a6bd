package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/config"
	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/planner"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
	"github.com/kursadbilgin/esp-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/esp-dispatch/internal/reputation"
	"github.com/kursadbilgin/esp-dispatch/internal/warming"
)

// HighEngagementThreshold routes recipients above it to the best-reputation provider.
const HighEngagementThreshold = 0.8

// AdapterFactory builds the adapter for one provider.
type AdapterFactory func(ctx context.Context, cfg domain.ProviderConfig) (provider.Adapter, error)

// StateStore persists provider status, suspension reason and reputation across restarts.
type StateStore interface {
	List(ctx context.Context) ([]domain.ProviderState, error)
	Save(ctx context.Context, states ...domain.ProviderState) error
}

// UsageSource counts the attempts each provider made since a point in time.
type UsageSource interface {
	StatsSince(ctx context.Context, since time.Time) ([]domain.AttemptStats, error)
}

type Config struct {
	Providers     []domain.ProviderConfig
	NewAdapter    AdapterFactory
	BucketFactory ratelimit.Factory
	// States is optional; without it runtime state starts from the catalog on every start.
	States StateStore
}

type providerState struct {
	mu sync.Mutex

	cfg          domain.ProviderConfig
	status       domain.ProviderStatus
	statusReason string

	hourlyCount   int
	dailyCount    int
	hourlyResetAt time.Time
	dailyResetAt  time.Time

	bucket  ratelimit.Bucket
	adapter provider.Adapter
}

// Registry is the catalog of usable providers. The provider set is fixed at construction;
// per-provider state is guarded by each provider's own lock.
type Registry struct {
	providers map[string]*providerState
	order     []string

	tracker  *reputation.Tracker
	schedule *warming.Schedule
	states   StateStore
	logger   *zap.Logger
	now      func() time.Time
	random   func() float64
}

// New registers every provider that has a valid config and a working adapter. Others are
// excluded with a warning. It fails only when no provider is left.
func New(
	ctx context.Context,
	cfg Config,
	tracker *reputation.Tracker,
	schedule *warming.Schedule,
	logger *zap.Logger,
) (*Registry, error) {
	return newRegistry(ctx, cfg, tracker, schedule, logger, time.Now, rand.Float64)
}

func newRegistry(
	ctx context.Context,
	cfg Config,
	tracker *reputation.Tracker,
	schedule *warming.Schedule,
	logger *zap.Logger,
	nowFn func() time.Time,
	randFn func() float64,
) (*Registry, error) {
	if tracker == nil {
		return nil, errors.New("reputation tracker is required")
	}
	if schedule == nil {
		return nil, errors.New("warming schedule is required")
	}
	if cfg.NewAdapter == nil {
		return nil, errors.New("adapter factory is required")
	}
	if cfg.BucketFactory == nil {
		cfg.BucketFactory = ratelimit.MemoryFactory()
	}
	if cfg.States == nil {
		cfg.States = nopStateStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if randFn == nil {
		randFn = rand.Float64
	}

	r := &Registry{
		providers: make(map[string]*providerState, len(cfg.Providers)),
		tracker:   tracker,
		schedule:  schedule,
		states:    cfg.States,
		logger:    logger,
		now:       nowFn,
		random:    randFn,
	}

	persisted, err := cfg.States.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider states: %w", err)
	}
	saved := make(map[string]domain.ProviderState, len(persisted))
	for _, ps := range persisted {
		saved[ps.ProviderID] = ps
	}

	for _, pc := range cfg.Providers {
		var previous *domain.ProviderState
		if ps, ok := saved[pc.ID]; ok {
			previous = &ps
		}
		state, err := r.build(ctx, pc.WithDefaults(), cfg, previous)
		if err != nil {
			logger.Warn("provider excluded from registry", zap.String("providerId", pc.ID), zap.Error(err))
			continue
		}
		r.providers[pc.ID] = state
		r.order = append(r.order, pc.ID)
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("%w: no provider could be registered", domain.ErrConfiguration)
	}

	sort.SliceStable(r.order, func(i, j int) bool {
		a, b := r.providers[r.order[i]].cfg, r.providers[r.order[j]].cfg
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	return r, nil
}

// build creates a provider's state. A persisted state wins over the catalog status so
// suspensions and finished warmups survive restarts.
func (r *Registry) build(
	ctx context.Context,
	pc domain.ProviderConfig,
	cfg Config,
	previous *domain.ProviderState,
) (*providerState, error) {
	if err := pc.Validate(); err != nil {
		return nil, config.NewConfigurationError(pc.ID, err)
	}
	if _, dup := r.providers[pc.ID]; dup {
		return nil, config.NewConfigurationError(pc.ID, fmt.Errorf("%w: duplicate provider id", domain.ErrValidation))
	}

	adapter, err := cfg.NewAdapter(ctx, pc)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, config.NewConfigurationError(pc.ID, err)
	}

	bucket, err := cfg.BucketFactory("provider:"+pc.ID+":burst", pc.Limits.Burst, pc.Limits.BurstRate)
	if err != nil {
		return nil, config.NewConfigurationError(pc.ID, err)
	}

	status := pc.Status
	reason := ""
	score := pc.InitialReputation
	if previous != nil {
		if previous.Status.IsValid() {
			status = previous.Status
			reason = previous.StatusReason
		}
		score = previous.Reputation
	}

	switch {
	case r.schedule.IsWarming(pc.ID) && status != domain.ProviderStatusSuspended:
		status = domain.ProviderStatusWarming
	case status == domain.ProviderStatusWarming:
		if err := r.schedule.Start(ctx, pc.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to start warming: %w", err)
		}
	}

	r.tracker.Register(pc.ID, score)

	now := r.now()
	return &providerState{
		cfg:           pc,
		status:        status,
		statusReason:  reason,
		hourlyResetAt: now,
		dailyResetAt:  now,
		bucket:        bucket,
		adapter:       adapter,
	}, nil
}

// RestoreUsage seeds the hourly, daily and warming counters from sends already made, so a
// restart cannot hand out the same limits twice. Call once at startup.
func (r *Registry) RestoreUsage(ctx context.Context, source UsageSource) error {
	now := r.now()
	hourly, err := sentSince(ctx, source, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	daily, err := sentSince(ctx, source, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	today, err := sentSince(ctx, source, r.schedule.StartOfDay())
	if err != nil {
		return err
	}

	for _, id := range r.order {
		p := r.providers[id]

		p.mu.Lock()
		p.hourlyCount = max(p.hourlyCount, hourly[id])
		p.dailyCount = max(p.dailyCount, daily[id])
		p.mu.Unlock()

		r.schedule.SeedSentToday(id, today[id])
	}
	return nil
}

func sentSince(ctx context.Context, source UsageSource, since time.Time) (map[string]int, error) {
	rows, err := source.StatsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider usage: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.ProviderID] = int(row.Sent)
	}
	return out, nil
}

// IDs returns every registered provider in priority order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AvailableProviders returns providers whose status accepts traffic, ascending by priority.
func (r *Registry) AvailableProviders() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if st, ok := r.Status(id); ok && st.AcceptsTraffic() {
			out = append(out, id)
		}
	}
	return out
}

// SelectBestFor picks the provider for a recipient: a domain-affinity provider with room,
// then the best-reputation provider for highly engaged recipients, then a random pick
// weighted by configured weight, reputation and remaining daily capacity.
func (r *Registry) SelectBestFor(recipientDomain string, engagement float64, count int) (string, bool) {
	if count <= 0 {
		count = 1
	}
	recipientDomain = domain.NormalizeDomain(recipientDomain)

	type candidate struct {
		id     string
		cfg    domain.ProviderConfig
		score  float64
		weight float64
	}

	candidates := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]
		usable, dailyRemaining := r.selectable(id, p, count)
		if !usable {
			continue
		}
		score := r.tracker.Score(id)
		weight := p.cfg.Weight * score / domain.MaxReputation * float64(dailyRemaining) / float64(p.cfg.Limits.Daily)
		candidates = append(candidates, candidate{id: id, cfg: p.cfg, score: score, weight: weight})
	}
	if len(candidates) == 0 {
		return "", false
	}

	for _, c := range candidates {
		if recipientDomain != "" && c.cfg.HasAffinity(recipientDomain) {
			return c.id, true
		}
	}

	if engagement > HighEngagementThreshold {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.score > best.score {
				best = c
			}
		}
		return best.id, true
	}

	total := 0.0
	for _, c := range candidates {
		total += c.weight
	}
	if total <= 0 {
		return "", false
	}

	pick := r.random() * total
	for _, c := range candidates {
		if pick < c.weight {
			return c.id, true
		}
		pick -= c.weight
	}
	return candidates[len(candidates)-1].id, true
}

// selectable reports whether the provider could take count sends right now, without
// consuming anything. It also returns the remaining daily capacity.
func (r *Registry) selectable(id string, p *providerState, count int) (bool, int) {
	p.mu.Lock()
	status := p.status
	available, dailyRemaining := r.availableLocked(id, p)
	p.mu.Unlock()

	if !r.tracker.CanUse(id, status) {
		return false, 0
	}
	return available >= count, dailyRemaining
}

// Admit checks status, reputation, breaker and capacity for count sends and claims the
// breaker trial. It does not touch the burst bucket; batch chunks gate on AwaitBucket.
func (r *Registry) Admit(id string, count int) bool {
	p, ok := r.providers[id]
	if !ok {
		return false
	}

	usable, _ := r.selectable(id, p, count)
	if !usable {
		return false
	}
	return r.tracker.AcquireTrial(id)
}

// CanProviderSend is Admit followed by a non-blocking burst bucket check. A claimed
// breaker trial is returned when the bucket is empty.
func (r *Registry) CanProviderSend(ctx context.Context, id string, count int) bool {
	p, ok := r.providers[id]
	if !ok {
		return false
	}
	if !r.Admit(id, count) {
		return false
	}
	if !p.bucket.TryConsume(ctx, count) {
		r.tracker.AbandonTrial(id)
		return false
	}
	return true
}

// AwaitBucket waits up to maxWait for count burst tokens of the provider.
func (r *Registry) AwaitBucket(ctx context.Context, id string, count int, maxWait time.Duration) bool {
	p, ok := r.providers[id]
	if !ok {
		return false
	}
	return p.bucket.AwaitConsume(ctx, count, maxWait)
}

// BurstCapacity is the provider's burst bucket capacity.
func (r *Registry) BurstCapacity(id string) int {
	p, ok := r.providers[id]
	if !ok {
		return 0
	}
	return p.bucket.Capacity()
}

// Reserve commits count sends against the hourly, daily and warming limits in one
// critical section. Nothing changes when any limit would be exceeded.
func (r *Registry) Reserve(id string, count int) error {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}
	if count <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.status.AcceptsTraffic() {
		return fmt.Errorf("%w: provider %s is %s", domain.ErrCapacityExhausted, id, p.status)
	}

	r.rolloverLocked(p)
	if p.hourlyCount+count > p.cfg.Limits.Hourly {
		return fmt.Errorf("%w: provider %s hourly limit reached", domain.ErrCapacityExhausted, id)
	}
	if p.dailyCount+count > p.cfg.Limits.Daily {
		return fmt.Errorf("%w: provider %s daily limit reached", domain.ErrCapacityExhausted, id)
	}
	if p.status == domain.ProviderStatusWarming && !r.schedule.RecordSend(id, count) {
		return fmt.Errorf("%w: provider %s warming cap reached", domain.ErrCapacityExhausted, id)
	}

	p.hourlyCount += count
	p.dailyCount += count
	return nil
}

// Release returns a reservation whose send did not go through.
func (r *Registry) Release(id string, count int) {
	p, ok := r.providers[id]
	if !ok || count <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r.rolloverLocked(p)
	p.hourlyCount = max(p.hourlyCount-count, 0)
	p.dailyCount = max(p.dailyCount-count, 0)
	if p.status == domain.ProviderStatusWarming {
		r.schedule.Release(id, count)
	}
}

// Capacities snapshots what each usable provider can take, for the distribution planner.
func (r *Registry) Capacities() []planner.Capacity {
	out := make([]planner.Capacity, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]

		p.mu.Lock()
		status := p.status
		available, _ := r.availableLocked(id, p)
		priority := p.cfg.Priority
		p.mu.Unlock()

		if !r.tracker.CanUse(id, status) {
			continue
		}
		out = append(out, planner.Capacity{
			ProviderID: id,
			Priority:   priority,
			Reputation: r.tracker.Score(id),
			Available:  available,
		})
	}
	return out
}

// availableLocked returns min(hourly, daily, warming) remaining and the daily remaining.
// Requires p.mu.
func (r *Registry) availableLocked(id string, p *providerState) (int, int) {
	if !p.status.AcceptsTraffic() {
		return 0, 0
	}

	r.rolloverLocked(p)
	hourly := max(p.cfg.Limits.Hourly-p.hourlyCount, 0)
	daily := max(p.cfg.Limits.Daily-p.dailyCount, 0)
	available := min(hourly, daily)

	if p.status == domain.ProviderStatusWarming {
		remaining, ok := r.schedule.Remaining(id)
		if !ok {
			remaining = 0
		}
		available = min(available, remaining)
	}
	return available, daily
}

// rolloverLocked resets counters whose period has elapsed since their own last reset.
// Requires p.mu.
func (r *Registry) rolloverLocked(p *providerState) {
	now := r.now()
	if now.Sub(p.hourlyResetAt) >= time.Hour {
		p.hourlyCount = 0
		p.hourlyResetAt = now
	}
	if now.Sub(p.dailyResetAt) >= 24*time.Hour {
		p.dailyCount = 0
		p.dailyResetAt = now
	}
}

func (r *Registry) Status(id string) (domain.ProviderStatus, bool) {
	p, ok := r.providers[id]
	if !ok {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status, true
}

func (r *Registry) Adapter(id string) (provider.Adapter, bool) {
	p, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return p.adapter, true
}

func (r *Registry) Config(id string) (domain.ProviderConfig, bool) {
	p, ok := r.providers[id]
	if !ok {
		return domain.ProviderConfig{}, false
	}
	return p.cfg, true
}

func (r *Registry) Tracker() *reputation.Tracker {
	return r.tracker
}

func (r *Registry) Warming() *warming.Schedule {
	return r.schedule
}

type nopStateStore struct{}

func (nopStateStore) List(context.Context) ([]domain.ProviderState, error) { return nil, nil }
func (nopStateStore) Save(context.Context, ...domain.ProviderState) error  { return nil }
