package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Recipient{Email: fmt.Sprintf("user%d@example.com", i), EngagementScore: 0.5})
	}
	return out
}

func testBatchID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

func TestSendBatch_DistributesAcrossProviders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1), testProvider("b", 2), testProvider("c", 3))

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(1), recipients(30), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 30 || result.TotalFailed != 0 || result.NotAttempted != 0 {
		t.Fatalf("result = sent %d failed %d notAttempted %d, want 30/0/0", result.TotalSent, result.TotalFailed, result.NotAttempted)
	}

	planned, sent := 0, 0
	for id, st := range result.PerProvider {
		if st.Planned == 0 {
			t.Fatalf("provider %s planned 0 recipients", id)
		}
		planned += st.Planned
		sent += st.Sent
	}
	if planned != 30 || sent != 30 {
		t.Fatalf("planned = %d sent = %d, want 30/30", planned, sent)
	}

	attempts := env.attempts.recorded()
	if len(attempts) != 30 {
		t.Fatalf("recorded attempts = %d, want 30", len(attempts))
	}
	for _, a := range attempts {
		if a.BatchID == nil || *a.BatchID != testBatchID(1) {
			t.Fatalf("attempt batch id = %v, want %s", a.BatchID, testBatchID(1))
		}
	}

	if env.batches.completed == nil {
		t.Fatal("batch result was not persisted")
	}
	if env.batches.completed.Status != domain.BatchStatusCompleted || env.batches.completed.SentCount != 30 {
		t.Fatalf("persisted batch = %+v, want COMPLETED with 30 sent", env.batches.completed)
	}
}

func TestSendBatch_FailsOverFromBrokenProvider(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1), testProvider("b", 2))
	env.adapters["a"].sendFn = failWith(domain.ErrorClassTransient, 503)

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(2), recipients(20), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 20 {
		t.Fatalf("TotalSent = %d, want 20", result.TotalSent)
	}

	a, b := result.PerProvider["a"], result.PerProvider["b"]
	if a == nil || b == nil {
		t.Fatalf("PerProvider = %v, want entries for a and b", result.PerProvider)
	}
	if a.Planned != 10 || b.Planned != 10 {
		t.Fatalf("planned = %d/%d, want 10/10", a.Planned, b.Planned)
	}
	if a.Sent != 0 || b.Sent != 20 {
		t.Fatalf("sent = %d/%d, want 0/20", a.Sent, b.Sent)
	}
	if a.FailedOver != 10 {
		t.Fatalf("a.FailedOver = %d, want 10", a.FailedOver)
	}
	if a.Failed != 5 {
		t.Fatalf("a.Failed = %d, want 5 before the breaker opened", a.Failed)
	}
	if got := env.adapters["a"].Calls(); got != 5 {
		t.Fatalf("provider a calls = %d, want 5", got)
	}
}

func TestSendBatch_ReportsUnassignedAsNotAttempted(t *testing.T) {
	t.Parallel()

	a := testProvider("a", 1)
	a.Limits.Hourly = 5
	b := testProvider("b", 2)
	b.Limits.Hourly = 5
	env := newTestEnv(t, envOptions{}, a, b)

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(3), recipients(20), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 10 || result.NotAttempted != 10 || result.TotalFailed != 0 {
		t.Fatalf("result = sent %d failed %d notAttempted %d, want 10/0/10", result.TotalSent, result.TotalFailed, result.NotAttempted)
	}
	if result.Status() != domain.BatchStatusPartial {
		t.Fatalf("Status() = %s, want PARTIAL", result.Status())
	}
	if got := len(result.NotAttemptedRecipients()); got != 10 {
		t.Fatalf("NotAttemptedRecipients() len = %d, want 10", got)
	}
	for _, f := range result.Failures {
		if f.Attempted || f.Class != domain.ErrorClassCapacityExhausted {
			t.Fatalf("failure = %+v, want unattempted CAPACITY_EXHAUSTED", f)
		}
	}
}

func TestSendBatch_NoCapacity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1))
	if err := env.registry.Suspend(context.Background(), "a", "maintenance"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(4), recipients(3), testMessage())
	if !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("SendBatch() error = %v, want ErrCapacityExhausted", err)
	}
	if result == nil || result.NotAttempted != 3 {
		t.Fatalf("result = %+v, want 3 not attempted", result)
	}
	if env.batches.completed == nil || env.batches.completed.Status != domain.BatchStatusFailed {
		t.Fatalf("persisted batch = %+v, want FAILED", env.batches.completed)
	}
}

func TestSendBatch_InvalidRecipientsFailPermanently(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1))
	batch := append(recipients(2), domain.Recipient{Email: "broken"})

	result, err := env.orchestrator.SendBatch(context.Background(), "", batch, testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.BatchID == "" {
		t.Fatal("BatchID is empty, want generated id")
	}
	if result.TotalSent != 2 || result.TotalFailed != 1 || result.NotAttempted != 0 {
		t.Fatalf("result = sent %d failed %d notAttempted %d, want 2/1/0", result.TotalSent, result.TotalFailed, result.NotAttempted)
	}
	if result.Failures[0].Class != domain.ErrorClassPermanent || result.Failures[0].Attempted {
		t.Fatalf("failure = %+v, want unattempted PERMANENT", result.Failures[0])
	}
	if got := len(result.NotAttemptedRecipients()); got != 0 {
		t.Fatalf("NotAttemptedRecipients() len = %d, want 0", got)
	}
}

func TestSendBatch_CanceledContext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1), testProvider("b", 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.orchestrator.SendBatch(ctx, testBatchID(6), recipients(8), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 0 || result.NotAttempted != 8 {
		t.Fatalf("result = sent %d notAttempted %d, want 0/8", result.TotalSent, result.NotAttempted)
	}
	if env.adapters["a"].Calls()+env.adapters["b"].Calls() != 0 {
		t.Fatal("providers were called after cancellation")
	}
	if got := len(result.NotAttemptedRecipients()); got != 8 {
		t.Fatalf("NotAttemptedRecipients() len = %d, want 8", got)
	}
}

func TestSendBatch_RejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1))

	if _, err := env.orchestrator.SendBatch(context.Background(), testBatchID(7), nil, testMessage()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("SendBatch() error = %v, want ErrValidation", err)
	}
}

func TestSendBatch_RejectsNonUUIDBatchID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{}, testProvider("a", 1))
	created := false
	env.batches.createFn = func(context.Context, *domain.Batch) error {
		created = true
		return nil
	}

	_, err := env.orchestrator.SendBatch(context.Background(), "newsletter-42", recipients(2), testMessage())
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("SendBatch() error = %v, want ErrValidation", err)
	}
	if created || env.adapters["a"].Calls() != 0 {
		t.Fatalf("batch created = %v, provider calls = %d, want nothing sent", created, env.adapters["a"].Calls())
	}
}

func TestSendBatch_BucketBackpressureFailsOver(t *testing.T) {
	t.Parallel()

	a := testProvider("a", 1)
	a.Limits.Burst = 1
	a.Limits.BurstRate = 1e-4
	env := newTestEnv(t, envOptions{config: OrchestratorConfig{BucketMaxWait: 10 * time.Millisecond}}, a, testProvider("b", 2))

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(8), recipients(10), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 10 {
		t.Fatalf("TotalSent = %d, want 10", result.TotalSent)
	}

	got := *result.PerProvider["a"]
	want := ProviderBatchStats{Planned: 5, Sent: 1, FailedOver: 4}
	if got != want {
		t.Fatalf("PerProvider[a] = %+v, want %+v", got, want)
	}
	if b := result.PerProvider["b"]; b.Sent != 9 {
		t.Fatalf("PerProvider[b].Sent = %d, want 9", b.Sent)
	}
	if calls := env.adapters["a"].Calls(); calls != 1 {
		t.Fatalf("provider a calls = %d, want 1", calls)
	}
}

func TestSendBatch_PacesChunksWithBatchDelay(t *testing.T) {
	t.Parallel()

	a := testProvider("a", 1)
	a.BatchSize = 3
	a.BatchDelay = 250 * time.Millisecond
	env := newTestEnv(t, envOptions{}, a)

	var sleeps []time.Duration
	var callsAtSleep []int
	env.orchestrator.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		callsAtSleep = append(callsAtSleep, env.adapters["a"].Calls())
		return nil
	}

	result, err := env.orchestrator.SendBatch(context.Background(), testBatchID(9), recipients(7), testMessage())
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.TotalSent != 7 {
		t.Fatalf("TotalSent = %d, want 7", result.TotalSent)
	}

	wantSleeps := []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}
	wantCalls := []int{3, 6}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", sleeps, wantSleeps)
	}
	for i := range wantSleeps {
		if sleeps[i] != wantSleeps[i] || callsAtSleep[i] != wantCalls[i] {
			t.Fatalf("sleep %d = %v after %d calls, want %v after %d", i, sleeps[i], callsAtSleep[i], wantSleeps[i], wantCalls[i])
		}
	}
}

func TestChunkSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		chunkSize int
		batchSize int
		burst     int
		want      int
	}{
		{name: "defaults", burst: 100, want: 50},
		{name: "provider batch size", batchSize: 20, burst: 100, want: 20},
		{name: "burst capacity", batchSize: 20, burst: 5, want: 5},
		{name: "configured chunk size", chunkSize: 10, batchSize: 20, burst: 100, want: 10},
		{name: "chunk size above ceiling", chunkSize: 500, batchSize: 80, burst: 200, want: 50},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := testProvider("a", 1)
			p.BatchSize = tc.batchSize
			p.Limits.Burst = tc.burst
			env := newTestEnv(t, envOptions{config: OrchestratorConfig{ChunkSize: tc.chunkSize}}, p)

			cfg, _ := env.registry.Config("a")
			if got := env.orchestrator.chunkSize("a", cfg.BatchSize); got != tc.want {
				t.Fatalf("chunkSize() = %d, want %d", got, tc.want)
			}
		})
	}
}
