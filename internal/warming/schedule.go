package warming

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

const day = 24 * time.Hour

// StateStore persists warming start timestamps and pause state.
type StateStore interface {
	List(ctx context.Context) ([]domain.WarmingState, error)
	Save(ctx context.Context, state domain.WarmingState) error
	Delete(ctx context.Context, providerID string) error
}

type state struct {
	mu          sync.Mutex
	startedAt   time.Time
	paused      bool
	pauseReason string
	countDate   string
	sentToday   int
	factor      float64
	factorDate  string
}

// Progress is a read-only view of a provider's warming.
type Progress struct {
	ProviderID  string
	StartedAt   time.Time
	Day         int
	DailyCap    int
	SentToday   int
	Factor      float64
	Paused      bool
	PauseReason string
	Complete    bool
}

// Schedule applies warming caps to providers that are building reputation.
type Schedule struct {
	mu          sync.RWMutex
	states      map[string]*state
	defaultPlan *Plan
	plans       map[string]*Plan
	store       StateStore
	logger      *zap.Logger
	now         func() time.Time
}

func NewSchedule(defaultPlan *Plan, overrides map[string]*Plan, store StateStore, logger *zap.Logger) *Schedule {
	return newSchedule(defaultPlan, overrides, store, logger, time.Now)
}

func newSchedule(
	defaultPlan *Plan,
	overrides map[string]*Plan,
	store StateStore,
	logger *zap.Logger,
	nowFn func() time.Time,
) *Schedule {
	if defaultPlan == nil {
		defaultPlan = DefaultPlan()
	}
	if store == nil {
		store = nopStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	plans := make(map[string]*Plan, len(overrides))
	for id, p := range overrides {
		if p != nil {
			plans[id] = p
		}
	}

	return &Schedule{
		states:      make(map[string]*state),
		defaultPlan: defaultPlan,
		plans:       plans,
		store:       store,
		logger:      logger,
		now:         nowFn,
	}
}

// Restore loads persisted warming states. Call once at startup.
func (s *Schedule) Restore(ctx context.Context) ([]domain.WarmingState, error) {
	persisted, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load warming states: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range persisted {
		s.states[ps.ProviderID] = &state{
			startedAt:   ps.StartedAt,
			paused:      ps.Paused,
			pauseReason: ps.PauseReason,
			factor:      1,
		}
	}
	return persisted, nil
}

func (s *Schedule) PlanFor(providerID string) *Plan {
	if p, ok := s.plans[providerID]; ok {
		return p
	}
	return s.defaultPlan
}

func (s *Schedule) Start(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[providerID]; ok {
		return fmt.Errorf("%w: provider %s is already warming", domain.ErrConflict, providerID)
	}

	now := s.now().UTC()
	if err := s.store.Save(ctx, domain.WarmingState{ProviderID: providerID, StartedAt: now, UpdatedAt: now}); err != nil {
		return fmt.Errorf("failed to persist warming start: %w", err)
	}

	s.states[providerID] = &state{startedAt: now, factor: 1}
	s.logger.Info("warming started", zap.String("providerId", providerID))
	return nil
}

func (s *Schedule) Finish(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[providerID]; !ok {
		return fmt.Errorf("%w: provider %s is not warming", domain.ErrNotFound, providerID)
	}
	if err := s.store.Delete(ctx, providerID); err != nil {
		return fmt.Errorf("failed to delete warming state: %w", err)
	}

	delete(s.states, providerID)
	s.logger.Info("warming finished", zap.String("providerId", providerID))
	return nil
}

func (s *Schedule) IsWarming(providerID string) bool {
	_, ok := s.state(providerID)
	return ok
}

// CapFor returns the plan cap for a given warming day of a provider.
func (s *Schedule) CapFor(providerID string, warmingDay int) (int, bool) {
	cp, ok := s.PlanFor(providerID).CapFor(warmingDay)
	if !ok {
		return 0, false
	}
	return cp.DailyCap, true
}

// CurrentDay is the number of whole days elapsed since the provider started warming,
// never less than 1.
func (s *Schedule) CurrentDay(providerID string) (int, bool) {
	st, ok := s.state(providerID)
	if !ok {
		return 0, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return s.currentDay(st), true
}

// RecordSend accepts count more sends for today or rejects without changing anything.
// A paused provider always rejects.
func (s *Schedule) RecordSend(providerID string, count int) bool {
	st, ok := s.state(providerID)
	if !ok {
		return false
	}
	if count <= 0 {
		return true
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.paused {
		return false
	}

	s.rollover(st)
	limit, ok := s.effectiveCap(providerID, st)
	if !ok || st.sentToday+count > limit {
		return false
	}

	st.sentToday += count
	return true
}

// SeedSentToday raises today's counter to sent, the number of sends already made since
// the start of the UTC day. It restores the counter after a restart; it never lowers it.
func (s *Schedule) SeedSentToday(providerID string, sent int) {
	st, ok := s.state(providerID)
	if !ok || sent <= 0 {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s.rollover(st)
	st.sentToday = max(st.sentToday, sent)
}

// StartOfDay is the start of the UTC day warming counters reset at.
func (s *Schedule) StartOfDay() time.Time {
	return s.now().UTC().Truncate(day)
}

// Release returns sends that were recorded but never delivered.
func (s *Schedule) Release(providerID string, count int) {
	st, ok := s.state(providerID)
	if !ok || count <= 0 {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s.rollover(st)
	st.sentToday -= count
	if st.sentToday < 0 {
		st.sentToday = 0
	}
}

// Remaining is how many more sends the provider may record today.
func (s *Schedule) Remaining(providerID string) (int, bool) {
	st, ok := s.state(providerID)
	if !ok {
		return 0, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.paused {
		return 0, true
	}
	s.rollover(st)
	limit, ok := s.effectiveCap(providerID, st)
	if !ok {
		return 0, true
	}
	if remaining := limit - st.sentToday; remaining > 0 {
		return remaining, true
	}
	return 0, true
}

func (s *Schedule) Pause(ctx context.Context, providerID string, reason string) error {
	return s.setPaused(ctx, providerID, true, reason)
}

func (s *Schedule) Resume(ctx context.Context, providerID string) error {
	return s.setPaused(ctx, providerID, false, "")
}

func (s *Schedule) setPaused(ctx context.Context, providerID string, paused bool, reason string) error {
	st, ok := s.state(providerID)
	if !ok {
		return fmt.Errorf("%w: provider %s is not warming", domain.ErrNotFound, providerID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.store.Save(ctx, domain.WarmingState{
		ProviderID:  providerID,
		StartedAt:   st.startedAt,
		Paused:      paused,
		PauseReason: reason,
		UpdatedAt:   s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to persist warming state: %w", err)
	}

	st.paused = paused
	st.pauseReason = reason

	if paused {
		s.logger.Warn("warming paused", zap.String("providerId", providerID), zap.String("reason", reason))
	} else {
		s.logger.Info("warming resumed", zap.String("providerId", providerID))
	}
	return nil
}

func (s *Schedule) Progress(providerID string) (Progress, bool) {
	st, ok := s.state(providerID)
	if !ok {
		return Progress{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s.rollover(st)
	warmingDay := s.currentDay(st)
	limit, _ := s.effectiveCap(providerID, st)

	return Progress{
		ProviderID:  providerID,
		StartedAt:   st.startedAt,
		Day:         warmingDay,
		DailyCap:    limit,
		SentToday:   st.sentToday,
		Factor:      st.factor,
		Paused:      st.paused,
		PauseReason: st.pauseReason,
		Complete:    warmingDay > s.PlanFor(providerID).LastDay(),
	}, true
}

func (s *Schedule) state(providerID string) (*state, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[providerID]
	return st, ok
}

// currentDay requires st.mu.
func (s *Schedule) currentDay(st *state) int {
	elapsed := s.now().Sub(st.startedAt)
	d := int(elapsed / day)
	if d < 1 {
		d = 1
	}
	return d
}

// rollover resets the daily counter and reduction factor on a new UTC date. Requires st.mu.
func (s *Schedule) rollover(st *state) {
	today := s.now().UTC().Format(time.DateOnly)
	if st.countDate != today {
		st.countDate = today
		st.sentToday = 0
	}
	if st.factorDate != today {
		st.factorDate = today
		st.factor = 1
	}
}

// effectiveCap requires st.mu.
func (s *Schedule) effectiveCap(providerID string, st *state) (int, bool) {
	limit, ok := s.CapFor(providerID, s.currentDay(st))
	if !ok {
		return 0, false
	}
	factor := st.factor
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	return int(math.Floor(float64(limit) * factor)), true
}

type nopStore struct{}

func (nopStore) List(context.Context) ([]domain.WarmingState, error) { return nil, nil }
func (nopStore) Save(context.Context, domain.WarmingState) error     { return nil }
func (nopStore) Delete(context.Context, string) error                 { return nil }
