package reputation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

const (
	DefaultMinUsableScore   = 70.0
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 5 * time.Minute
	DefaultCooldown         = 60 * time.Second
)

// DefaultDeltas are the score adjustments per event. Negative magnitude orders
// complaint > hard_bounce > blocked > soft_bounce > timeout.
var DefaultDeltas = map[domain.EventType]float64{
	domain.EventDelivered:  0.1,
	domain.EventOpened:     0.2,
	domain.EventClicked:    0.3,
	domain.EventTimeout:    -1,
	domain.EventSoftBounce: -2,
	domain.EventBlocked:    -5,
	domain.EventHardBounce: -8,
	domain.EventComplaint:  -15,
}

// Options tunes the tracker. Zero values fall back to the defaults above.
type Options struct {
	MinUsableScore   float64
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	Deltas           map[domain.EventType]float64
	// Clock replaces time.Now for breaker windows and cooldowns.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MinUsableScore <= 0 {
		o.MinUsableScore = DefaultMinUsableScore
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = DefaultFailureWindow
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	deltas := make(map[domain.EventType]float64, len(DefaultDeltas))
	for k, v := range DefaultDeltas {
		deltas[k] = v
	}
	for k, v := range o.Deltas {
		deltas[k] = v
	}
	o.Deltas = deltas
	return o
}

// Snapshot is a point-in-time view of one provider's reputation.
type Snapshot struct {
	ProviderID           string
	Score                float64
	Breaker              BreakerState
	RecentFailures       int
	ConsecutiveFailures  int
	ConsecutivePermanent int
}

type entry struct {
	mu                   sync.Mutex
	score                float64
	breaker              circuitBreaker
	consecutiveFailures  int
	consecutivePermanent int
}

// Tracker keeps the reputation score and circuit breaker of every provider.
// Each provider has its own lock; no lock spans providers.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	return newTracker(opts, logger, opts.Clock)
}

func newTracker(opts Options, logger *zap.Logger, nowFn func() time.Time) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Tracker{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     nowFn,
	}
}

// Register adds a provider with its starting score. Registering twice keeps the existing state.
func (t *Tracker) Register(providerID string, initialScore float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[providerID]; ok {
		return
	}
	t.entries[providerID] = &entry{
		score:   domain.ClampReputation(initialScore),
		breaker: newCircuitBreaker(t.opts.FailureThreshold, t.opts.FailureWindow, t.opts.Cooldown),
	}
}

func (t *Tracker) MinUsableScore() float64 {
	return t.opts.MinUsableScore
}

// RecordEvent applies the event delta and feeds the breaker. Timeouts and blocks are
// breaker failures; deliveries are breaker successes.
func (t *Tracker) RecordEvent(providerID string, event domain.EventType) (Snapshot, bool) {
	e, ok := t.entry(providerID)
	if !ok {
		return Snapshot{}, false
	}

	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.score
	e.score = domain.ClampReputation(e.score + t.opts.Deltas[event])

	switch event {
	case domain.EventDelivered:
		e.breaker.recordSuccess(now)
		e.consecutiveFailures = 0
		e.consecutivePermanent = 0
	case domain.EventTimeout:
		e.breaker.recordFailure(now)
		e.consecutiveFailures++
	case domain.EventBlocked:
		e.breaker.recordFailure(now)
		e.consecutiveFailures++
		e.consecutivePermanent++
	}

	if before >= t.opts.MinUsableScore && e.score < t.opts.MinUsableScore {
		t.logger.Warn("provider reputation dropped below usable threshold",
			zap.String("providerId", providerID),
			zap.Float64("score", e.score),
			zap.String("event", event.String()),
		)
	}

	return e.snapshot(providerID, now), true
}

// CanUse reports whether a provider may be selected: score at or above the usable
// threshold, a status that accepts traffic and a breaker that lets sends through.
func (t *Tracker) CanUse(providerID string, status domain.ProviderStatus) bool {
	if !status.AcceptsTraffic() {
		return false
	}
	e, ok := t.entry(providerID)
	if !ok {
		return false
	}

	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.score >= t.opts.MinUsableScore && e.breaker.permits(now)
}

// AcquireTrial claims the breaker for one send. A closed breaker always grants it;
// a half-open breaker grants it to exactly one caller until an outcome is recorded.
func (t *Tracker) AcquireTrial(providerID string) bool {
	e, ok := t.entry(providerID)
	if !ok {
		return false
	}

	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.breaker.acquire(now)
}

// AbandonTrial frees a half-open trial whose send ended without a provider outcome.
func (t *Tracker) AbandonTrial(providerID string) {
	e, ok := t.entry(providerID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.breaker.abandon()
}

func (t *Tracker) ResetBreaker(providerID string) bool {
	e, ok := t.entry(providerID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.breaker.reset()
	e.consecutiveFailures = 0
	e.consecutivePermanent = 0
	return true
}

func (t *Tracker) SetScore(providerID string, score float64) bool {
	e, ok := t.entry(providerID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.score = domain.ClampReputation(score)
	return true
}

func (t *Tracker) Score(providerID string) float64 {
	e, ok := t.entry(providerID)
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.score
}

func (t *Tracker) Snapshot(providerID string) (Snapshot, bool) {
	e, ok := t.entry(providerID)
	if !ok {
		return Snapshot{}, false
	}

	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshot(providerID, now), true
}

func (t *Tracker) entry(providerID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[providerID]
	return e, ok
}

func (e *entry) snapshot(providerID string, now time.Time) Snapshot {
	return Snapshot{
		ProviderID:           providerID,
		Score:                e.score,
		Breaker:              e.breaker.stateAt(now),
		RecentFailures:       e.breaker.recentFailures(now),
		ConsecutiveFailures:  e.consecutiveFailures,
		ConsecutivePermanent: e.consecutivePermanent,
	}
}
