package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/ratelimit"
)

const (
	keyPrefix     = "esp:bucket:"
	minKeyTTL     = time.Minute
	pollBackoffLo = 10 * time.Millisecond
)

// consumeScript refills the bucket from elapsed milliseconds on the Redis clock and
// takes n tokens only when all of them are available. Returns {allowed, waitMillis, tokens}.
var consumeScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local clock = redis.call("TIME")
local now = tonumber(clock[1]) * 1000 + math.floor(tonumber(clock[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
  ts = now
end

local allowed = 0
local wait = 0
if n <= tokens then
  tokens = tokens - n
  allowed = 1
else
  wait = math.ceil((n - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, wait, tostring(tokens)}
`)

var _ ratelimit.Bucket = (*TokenBucket)(nil)

// TokenBucket is a token bucket shared by every dispatcher replica through Redis.
// Refill uses the Redis server clock so replica clock skew cannot mint tokens.
// Redis failures are logged and reported as "no tokens".
type TokenBucket struct {
	client   *goredis.Client
	key      string
	capacity int
	rate     float64
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	script   *goredis.Script
}

func NewTokenBucket(client *goredis.Client, key string, capacity int, ratePerSec float64, logger *zap.Logger) (*TokenBucket, error) {
	return newTokenBucket(client, key, capacity, ratePerSec, logger, time.Now, sleepWithContext)
}

func newTokenBucket(
	client *goredis.Client,
	key string,
	capacity int,
	ratePerSec float64,
	logger *zap.Logger,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*TokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("bucket key is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket capacity must be positive")
	}
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("bucket rate must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	// Keep the key around long enough to refill completely, then let it expire.
	ttl := time.Duration(float64(capacity)/ratePerSec*float64(time.Second)) * 2
	if ttl < minKeyTTL {
		ttl = minKeyTTL
	}

	return &TokenBucket{
		client:   client,
		key:      keyPrefix + key,
		capacity: capacity,
		rate:     ratePerSec,
		ttl:      ttl,
		logger:   logger,
		now:      nowFn,
		sleep:    sleepFn,
		script:   consumeScript,
	}, nil
}

// NewFactory returns a ratelimit.Factory producing Redis-backed buckets.
func NewFactory(client *goredis.Client, logger *zap.Logger) ratelimit.Factory {
	return func(key string, capacity int, ratePerSec float64) (ratelimit.Bucket, error) {
		return NewTokenBucket(client, key, capacity, ratePerSec, logger)
	}
}

func (b *TokenBucket) TryConsume(ctx context.Context, n int) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		return false
	}
	allowed, _, _, err := b.eval(ctx, n)
	if err != nil {
		b.logger.Error("redis bucket consume failed", zap.String("key", b.key), zap.Error(err))
		return false
	}
	return allowed
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

	deadline := b.now().Add(maxWait)
	for {
		allowed, wait, _, err := b.eval(ctx, n)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("redis bucket await failed", zap.String("key", b.key), zap.Error(err))
			}
			return false
		}
		if allowed {
			return true
		}

		remaining := deadline.Sub(b.now())
		if wait > remaining {
			return false
		}
		if wait < pollBackoffLo {
			wait = pollBackoffLo
		}
		if err := b.sleep(ctx, wait); err != nil {
			return false
		}
	}
}

func (b *TokenBucket) Tokens() float64 {
	ctx := context.Background()
	values, err := b.client.HMGet(ctx, b.key, "tokens", "ts").Result()
	if err != nil || len(values) != 2 || values[0] == nil || values[1] == nil {
		return float64(b.capacity)
	}
	now, err := b.client.Time(ctx).Result()
	if err != nil {
		return float64(b.capacity)
	}

	tokens, errTokens := strconv.ParseFloat(fmt.Sprint(values[0]), 64)
	ts, errTS := strconv.ParseFloat(fmt.Sprint(values[1]), 64)
	if errTokens != nil || errTS != nil {
		return float64(b.capacity)
	}

	elapsed := float64(now.UnixMilli()) - ts
	if elapsed > 0 {
		tokens += elapsed / 1000 * b.rate
	}
	if tokens > float64(b.capacity) {
		tokens = float64(b.capacity)
	}
	return tokens
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

func (b *TokenBucket) eval(ctx context.Context, n int) (bool, time.Duration, float64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := b.script.Run(
		ctx,
		b.client,
		[]string{b.key},
		b.capacity,
		strconv.FormatFloat(b.rate, 'f', -1, 64),
		n,
		b.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to evaluate token bucket: %w", err)
	}
	if len(result) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected token bucket reply length %d", len(result))
	}

	allowed, _ := result[0].(int64)
	waitMillis, _ := result[1].(int64)
	tokens, _ := strconv.ParseFloat(fmt.Sprint(result[2]), 64)

	return allowed == 1, time.Duration(waitMillis) * time.Millisecond, tokens, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
