package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var _ Bucket = (*TokenBucket)(nil)

// TokenBucket is an in-process bucket. Refill is computed lazily from the elapsed
// time on each call; there is no background timer.
type TokenBucket struct {
	limiter  *rate.Limiter
	capacity int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewTokenBucket(capacity int, ratePerSec float64) (*TokenBucket, error) {
	return newTokenBucket(capacity, ratePerSec, time.Now, sleepWithContext)
}

func newTokenBucket(
	capacity int,
	ratePerSec float64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket capacity must be positive")
	}
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("bucket rate must be positive")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	b := &TokenBucket{
		capacity: capacity,
		now:      nowFn,
		sleep:    sleepFn,
	}
	b.limiter = rate.NewLimiter(rate.Limit(ratePerSec), capacity)
	// Start full at the injected clock, not the wall clock.
	b.limiter.SetBurstAt(nowFn(), capacity)

	return b, nil
}

// MemoryFactory builds in-process buckets.
func MemoryFactory() Factory {
	return func(_ string, capacity int, ratePerSec float64) (Bucket, error) {
		return NewTokenBucket(capacity, ratePerSec)
	}
}

func (b *TokenBucket) TryConsume(_ context.Context, n int) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		return false
	}
	return b.limiter.AllowN(b.now(), n)
}

func (b *TokenBucket) AwaitConsume(ctx context.Context, n int, maxWait time.Duration) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}

	now := b.now()
	reservation := b.limiter.ReserveN(now, n)
	if !reservation.OK() {
		return false
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true
	}
	if delay > maxWait {
		reservation.CancelAt(now)
		return false
	}

	if err := b.sleep(ctx, delay); err != nil {
		reservation.CancelAt(b.now())
		return false
	}
	return true
}

func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	return float64(b.limiter.Limit())
}
