package ratelimit

import (
	"context"
	"time"
)

// Bucket is a token bucket guarding send throughput for one provider or recipient domain.
// Low tokens are ordinary control flow: implementations report them with false, never an error.
type Bucket interface {
	// TryConsume takes n tokens if all of them are available right now.
	TryConsume(ctx context.Context, n int) bool
	// AwaitConsume blocks until n tokens are available, maxWait elapses or ctx ends.
	AwaitConsume(ctx context.Context, n int, maxWait time.Duration) bool
	Tokens() float64
	Capacity() int
}

// Factory builds a bucket identified by key.
type Factory func(key string, capacity int, ratePerSec float64) (Bucket, error)

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
