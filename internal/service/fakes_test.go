package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
	"github.com/kursadbilgin/esp-dispatch/internal/queue"
	"github.com/kursadbilgin/esp-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/esp-dispatch/internal/registry"
	"github.com/kursadbilgin/esp-dispatch/internal/reputation"
	"github.com/kursadbilgin/esp-dispatch/internal/warming"
)

type fakeAttemptRepo struct {
	mu           sync.Mutex
	attempts     []domain.DeliveryAttempt
	appendFn     func(ctx context.Context, a *domain.DeliveryAttempt) error
	statsSinceFn func(ctx context.Context, since time.Time) ([]domain.AttemptStats, error)
}

func (f *fakeAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.appendFn != nil {
		if err := f.appendFn(ctx, a); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) StatsSince(ctx context.Context, since time.Time) ([]domain.AttemptStats, error) {
	if f.statsSinceFn != nil {
		return f.statsSinceFn(ctx, since)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) recorded() []domain.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), f.attempts...)
}

type fakeBatchRepo struct {
	mu         sync.Mutex
	createFn   func(ctx context.Context, b *domain.Batch) error
	completeFn func(ctx context.Context, b *domain.Batch) error
	completed  *domain.Batch
}

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	if f.createFn != nil {
		return f.createFn(ctx, b)
	}
	return nil
}

func (f *fakeBatchRepo) Complete(ctx context.Context, b *domain.Batch) error {
	f.mu.Lock()
	copied := *b
	f.completed = &copied
	f.mu.Unlock()

	if f.completeFn != nil {
		return f.completeFn(ctx, b)
	}
	return nil
}

func (f *fakeBatchRepo) GetByID(context.Context, string) (*domain.Batch, error) {
	return nil, domain.ErrNotFound
}

type fakeEventRepo struct {
	mu           sync.Mutex
	events       []domain.DeliveryEvent
	appendFn     func(ctx context.Context, e *domain.DeliveryEvent) error
	statsSinceFn func(ctx context.Context, since time.Time) ([]domain.EventStats, error)
}

func (f *fakeEventRepo) Append(ctx context.Context, e *domain.DeliveryEvent) error {
	if f.appendFn != nil {
		if err := f.appendFn(ctx, e); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEventRepo) StatsSince(ctx context.Context, since time.Time) ([]domain.EventStats, error) {
	if f.statsSinceFn != nil {
		return f.statsSinceFn(ctx, since)
	}
	return nil, nil
}

func (f *fakeEventRepo) recorded() []domain.DeliveryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryEvent(nil), f.events...)
}

// fakeAdapter counts calls and delegates to sendFn. A nil sendFn delivers.
type fakeAdapter struct {
	mu     sync.Mutex
	calls  int
	sendFn func(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

func (f *fakeAdapter) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &provider.SendResult{StatusCode: 202, MessageID: "msg-1"}, nil
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func failWith(class domain.ErrorClass, status int) func(context.Context, provider.SendRequest) (*provider.SendResult, error) {
	return func(context.Context, provider.SendRequest) (*provider.SendResult, error) {
		return nil, &provider.ProviderError{Provider: "fake", StatusCode: status, Message: "rejected", Class: class}
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.BatchMessage
	publishFn func(ctx context.Context, queueName string, msg queue.BatchMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.BatchMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
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
	orchestrator *Orchestrator
	registry     *registry.Registry
	attempts     *fakeAttemptRepo
	batches      *fakeBatchRepo
	events       *fakeEventRepo
	tracker      *reputation.Tracker
	adapters     map[string]*fakeAdapter
}

type envOptions struct {
	tracker   reputation.Options
	config    OrchestratorConfig
	throttles map[string]ratelimit.DomainLimit
}

func newTestEnv(t *testing.T, opts envOptions, providers ...domain.ProviderConfig) *testEnv {
	t.Helper()

	adapters := make(map[string]*fakeAdapter, len(providers))
	for _, p := range providers {
		adapters[p.ID] = &fakeAdapter{}
	}

	plan, err := warming.NewPlan([]domain.WarmingCheckpoint{{Day: 1, DailyCap: 100}})
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}

	tracker := reputation.NewTracker(opts.tracker, nil)
	reg, err := registry.New(
		context.Background(),
		registry.Config{
			Providers: providers,
			NewAdapter: func(_ context.Context, cfg domain.ProviderConfig) (provider.Adapter, error) {
				return adapters[cfg.ID], nil
			},
		},
		tracker,
		warming.NewSchedule(plan, nil, nil, nil),
		nil,
	)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	attempts := &fakeAttemptRepo{}
	batches := &fakeBatchRepo{}
	events := &fakeEventRepo{}
	throttler := ratelimit.NewDomainThrottler(opts.throttles, nil, nil, nil)

	o, err := NewOrchestrator(reg, throttler, attempts, batches, events, opts.config, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	return &testEnv{
		orchestrator: o,
		registry:     reg,
		attempts:     attempts,
		batches:      batches,
		events:       events,
		tracker:      tracker,
		adapters:     adapters,
	}
}

func testMessage() domain.Message {
	return domain.Message{
		From:     "news@example.com",
		Subject:  "Spring sale",
		HTMLBody: "<p>hello</p>",
	}
}
