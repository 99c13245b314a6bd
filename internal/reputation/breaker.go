package reputation

import (
	"fmt"
	"strings"
	"time"
)

// BreakerState is the circuit breaker position for one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

func (s BreakerState) String() string { return string(s) }

func ParseBreakerStateFromString(s string) (BreakerState, error) {
	st := BreakerState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return st, nil
	}
	return "", fmt.Errorf("invalid breaker state %q", s)
}

// circuitBreaker opens after threshold failures inside a trailing window, stays open for
// the cool-down, then lets exactly one trial through. Callers hold the owning entry's lock.
type circuitBreaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state         BreakerState
	failures      []time.Time
	openedAt      time.Time
	trialInFlight bool
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) circuitBreaker {
	return circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     BreakerClosed,
	}
}

// stateAt moves an expired open breaker to half-open.
func (b *circuitBreaker) stateAt(now time.Time) BreakerState {
	if b.state == BreakerOpen && !now.Before(b.openedAt.Add(b.cooldown)) {
		b.state = BreakerHalfOpen
		b.trialInFlight = false
	}
	return b.state
}

func (b *circuitBreaker) permits(now time.Time) bool {
	switch b.stateAt(now) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return !b.trialInFlight
	default:
		return false
	}
}

// acquire claims the right to send. In half-open only the first caller wins.
func (b *circuitBreaker) acquire(now time.Time) bool {
	switch b.stateAt(now) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

func (b *circuitBreaker) abandon() {
	b.trialInFlight = false
}

func (b *circuitBreaker) recordSuccess(now time.Time) {
	if b.stateAt(now) == BreakerHalfOpen {
		b.failures = nil
	}
	if b.state != BreakerOpen {
		b.state = BreakerClosed
	}
	b.trialInFlight = false
}

func (b *circuitBreaker) recordFailure(now time.Time) {
	switch b.stateAt(now) {
	case BreakerHalfOpen:
		b.open(now)
	case BreakerClosed:
		b.failures = append(b.prune(now), now)
		if len(b.failures) >= b.threshold {
			b.open(now)
		}
	}
}

func (b *circuitBreaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.failures = nil
	b.trialInFlight = false
}

func (b *circuitBreaker) reset() {
	b.state = BreakerClosed
	b.failures = nil
	b.trialInFlight = false
	b.openedAt = time.Time{}
}

func (b *circuitBreaker) recentFailures(now time.Time) int {
	b.failures = b.prune(now)
	return len(b.failures)
}

func (b *circuitBreaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
