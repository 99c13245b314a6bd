package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// DomainLimit is the bucket shape for one recipient domain.
type DomainLimit struct {
	Rate     float64
	Capacity int
}

// DefaultDomainLimits reflects the throughput the large mailbox providers tolerate.
var DefaultDomainLimits = map[string]DomainLimit{
	"gmail.com":      {Rate: 10, Capacity: 50},
	"googlemail.com": {Rate: 10, Capacity: 50},
	"outlook.com":    {Rate: 8, Capacity: 40},
	"hotmail.com":    {Rate: 8, Capacity: 40},
	"live.com":       {Rate: 8, Capacity: 40},
	"yahoo.com":      {Rate: 5, Capacity: 25},
	"aol.com":        {Rate: 3, Capacity: 15},
	"icloud.com":     {Rate: 5, Capacity: 25},
	"me.com":         {Rate: 5, Capacity: 25},
	"mac.com":        {Rate: 5, Capacity: 25},
}

// DefaultFallbackDomainLimit applies to domains without an explicit entry.
var DefaultFallbackDomainLimit = DomainLimit{Rate: 15, Capacity: 75}

const (
	domainBucketIdleTTL = 10 * time.Minute
	domainSweepInterval = time.Minute
)

// refillTime is how long an empty bucket of this shape takes to fill up again.
func (l DomainLimit) refillTime() time.Duration {
	return time.Duration(float64(l.Capacity) / l.Rate * float64(time.Second))
}

type domainBucket struct {
	bucket   Bucket
	lastUsed time.Time
	// evictAfter is the idle time after which the bucket is full again and can be dropped.
	evictAfter time.Duration
}

// DomainThrottler keeps one bucket per recipient domain so a throttling ISP cannot
// starve traffic to the others. Buckets are created on first use and dropped once they
// have been idle long enough to have refilled.
type DomainThrottler struct {
	mu        sync.Mutex
	buckets   map[string]*domainBucket
	limits    map[string]DomainLimit
	fallback  DomainLimit
	factory   Factory
	logger    *zap.Logger
	now       func() time.Time
	lastSweep time.Time
}

func NewDomainThrottler(
	overrides map[string]DomainLimit,
	fallback *DomainLimit,
	factory Factory,
	logger *zap.Logger,
) *DomainThrottler {
	if factory == nil {
		factory = MemoryFactory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limits := make(map[string]DomainLimit, len(DefaultDomainLimits)+len(overrides))
	for d, l := range DefaultDomainLimits {
		limits[d] = l
	}
	for d, l := range overrides {
		if l.Rate > 0 && l.Capacity > 0 {
			limits[domain.NormalizeDomain(d)] = l
		}
	}

	fb := DefaultFallbackDomainLimit
	if fallback != nil && fallback.Rate > 0 && fallback.Capacity > 0 {
		fb = *fallback
	}

	return &DomainThrottler{
		buckets:  make(map[string]*domainBucket),
		limits:   limits,
		fallback: fb,
		factory:  factory,
		logger:   logger,
		now:      time.Now,
	}
}

// LimitFor returns the bucket shape used for a domain.
func (t *DomainThrottler) LimitFor(recipientDomain string) DomainLimit {
	if l, ok := t.limits[domain.NormalizeDomain(recipientDomain)]; ok {
		return l
	}
	return t.fallback
}

func (t *DomainThrottler) TryConsume(ctx context.Context, recipientDomain string, n int) bool {
	b := t.bucket(recipientDomain)
	if b == nil {
		return false
	}
	return b.TryConsume(ctx, n)
}

func (t *DomainThrottler) AwaitConsume(ctx context.Context, recipientDomain string, n int, maxWait time.Duration) bool {
	b := t.bucket(recipientDomain)
	if b == nil {
		return false
	}
	return b.AwaitConsume(ctx, n, maxWait)
}

func (t *DomainThrottler) bucket(recipientDomain string) Bucket {
	key := domain.NormalizeDomain(recipientDomain)
	if key == "" {
		key = "unknown"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastSweep) >= domainSweepInterval {
		t.sweepLocked(now)
	}

	if b, ok := t.buckets[key]; ok {
		b.lastUsed = now
		return b.bucket
	}

	limit := t.LimitFor(key)
	b, err := t.factory("domain:"+key, limit.Capacity, limit.Rate)
	if err != nil {
		t.logger.Error("failed to create domain bucket",
			zap.String("domain", key),
			zap.Error(err),
		)
		return nil
	}
	t.buckets[key] = &domainBucket{
		bucket:     b,
		lastUsed:   now,
		evictAfter: max(domainBucketIdleTTL, limit.refillTime()),
	}
	return b
}

// sweepLocked drops idle buckets. Requires t.mu.
func (t *DomainThrottler) sweepLocked(now time.Time) {
	t.lastSweep = now
	for key, b := range t.buckets {
		if now.Sub(b.lastUsed) >= b.evictAfter {
			delete(t.buckets, key)
		}
	}
}
