package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/observability"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
)

// ProviderBatchStats is the per-provider share of a batch result. Sent counts every
// recipient this provider delivered, including ones that failed over to it.
type ProviderBatchStats struct {
	Planned    int `json:"planned"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	FailedOver int `json:"failedOver"`
}

// RecipientFailure is a recipient that was not delivered. Attempted is false when no
// provider was called for it.
type RecipientFailure struct {
	Recipient  domain.Recipient  `json:"-"`
	Email      string            `json:"email"`
	ProviderID string            `json:"providerId,omitempty"`
	Attempted  bool              `json:"attempted"`
	Class      domain.ErrorClass `json:"errorClass"`
	Reason     string            `json:"reason"`
}

type BatchResult struct {
	BatchID      string                         `json:"batchId"`
	TotalSent    int                            `json:"totalSent"`
	TotalFailed  int                            `json:"totalFailed"`
	NotAttempted int                            `json:"notAttempted"`
	PerProvider  map[string]*ProviderBatchStats `json:"perProvider"`
	Failures     []RecipientFailure             `json:"failures"`
}

// NotAttemptedRecipients returns the recipients no provider was called for and that may
// be retried later. Invalid recipients are excluded.
func (r *BatchResult) NotAttemptedRecipients() []domain.Recipient {
	out := make([]domain.Recipient, 0, r.NotAttempted)
	for _, f := range r.Failures {
		if !f.Attempted && f.Class != domain.ErrorClassPermanent {
			out = append(out, f.Recipient)
		}
	}
	return out
}

func (r *BatchResult) Status() domain.BatchStatus {
	return domain.BatchStatusFor(r.TotalSent, r.TotalFailed, r.NotAttempted)
}

// batchCollector merges per-provider goroutine results.
type batchCollector struct {
	mu     sync.Mutex
	result *BatchResult
}

func (c *batchCollector) stats(providerID string) *ProviderBatchStats {
	st, ok := c.result.PerProvider[providerID]
	if !ok {
		st = &ProviderBatchStats{}
		c.result.PerProvider[providerID] = st
	}
	return st
}

func (c *batchCollector) planned(providerID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(providerID).Planned += n
}

func (c *batchCollector) sent(assignedID string, outcome *SendOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.result.TotalSent++
	c.stats(outcome.ProviderID).Sent++
	if assignedID != "" && assignedID != outcome.ProviderID {
		c.stats(assignedID).FailedOver++
	}
}

func (c *batchCollector) assignedFailed(assignedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(assignedID).Failed++
}

func (c *batchCollector) failed(assignedID string, recipient domain.Recipient, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	failure := RecipientFailure{
		Recipient:  recipient,
		Email:      recipient.Email,
		ProviderID: assignedID,
		Reason:     err.Error(),
	}

	var deliveryErr *DeliveryError
	switch {
	case errors.As(err, &deliveryErr):
		failure.Attempted = deliveryErr.Attempted()
		failure.Class = deliveryErr.LastClass()
		if failure.Attempted {
			failure.ProviderID = deliveryErr.Failures[len(deliveryErr.Failures)-1].ProviderID
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		failure.Class = domain.ErrorClassNone
	case errors.Is(err, domain.ErrValidation):
		failure.Class = domain.ErrorClassPermanent
	default:
		failure.Class = provider.Classify(err)
	}

	if failure.Attempted || failure.Class == domain.ErrorClassPermanent {
		c.result.TotalFailed++
	} else {
		c.result.NotAttempted++
	}
	c.result.Failures = append(c.result.Failures, failure)
}

// SendBatch distributes recipients across providers with the planner and sends every
// provider's share concurrently in bucket-gated chunks. Recipients whose provider fails
// fall back to the remaining providers. Cancellation stops unstarted chunks; their
// recipients are reported as not attempted and committed sends are kept.
func (o *Orchestrator) SendBatch(
	ctx context.Context,
	batchID string,
	recipients []domain.Recipient,
	message domain.Message,
) (*BatchResult, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: batch has no recipients", domain.ErrValidation)
	}
	if batchID == "" {
		batchID = uuid.NewString()
	} else if err := domain.ValidateBatchID(batchID); err != nil {
		return nil, err
	}

	ctx = observability.WithBatchID(ctx, batchID)
	ctx, span := o.tracer.Start(ctx, "Orchestrator.SendBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("esp.batch_id", batchID),
		attribute.Int("esp.recipients", len(recipients)),
	)

	logger := observability.WithContextLogger(o.logger, ctx)
	collector := &batchCollector{result: &BatchResult{
		BatchID:     batchID,
		PerProvider: make(map[string]*ProviderBatchStats),
		Failures:    []RecipientFailure{},
	}}

	batch := &domain.Batch{
		ID:         batchID,
		TotalCount: len(recipients),
		Status:     domain.BatchStatusProcessing,
		CreatedAt:  o.now().UTC(),
		UpdatedAt:  o.now().UTC(),
	}
	if err := o.batches.Create(ctx, batch); err != nil {
		logger.Error("failed to persist batch", zap.Error(err))
	}

	valid := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if err := r.Validate(); err != nil {
			collector.failed("", r, err)
			continue
		}
		valid = append(valid, r)
	}

	plan := o.planner.Plan(valid, o.registry.Capacities())
	for _, r := range plan.Unassigned {
		collector.failed("", r, fmt.Errorf("%w: no provider capacity left for this batch", domain.ErrCapacityExhausted))
	}

	var g errgroup.Group
	for _, providerID := range plan.Order {
		providerID := providerID
		assigned := plan.Assignments[providerID]
		collector.planned(providerID, len(assigned))

		g.Go(func() error {
			o.sendShare(ctx, batchID, providerID, assigned, message, collector)
			return nil
		})
	}
	_ = g.Wait()

	result := collector.result
	o.completeBatch(ctx, batch, result)

	span.SetAttributes(
		attribute.Int("esp.sent", result.TotalSent),
		attribute.Int("esp.failed", result.TotalFailed),
		attribute.Int("esp.not_attempted", result.NotAttempted),
	)
	logger.Info("batch finished",
		zap.Int("sent", result.TotalSent),
		zap.Int("failed", result.TotalFailed),
		zap.Int("notAttempted", result.NotAttempted),
		zap.String("status", result.Status().String()),
	)

	if plan.TotalCapacity <= 0 && len(valid) > 0 {
		err := fmt.Errorf("%w: no provider has capacity for batch %s", domain.ErrCapacityExhausted, batchID)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// sendShare sends one provider's planned recipients. Chunks wait on the provider's burst
// bucket; after repeated bucket timeouts the rest of the share fails over.
func (o *Orchestrator) sendShare(
	ctx context.Context,
	batchID string,
	providerID string,
	recipients []domain.Recipient,
	message domain.Message,
	collector *batchCollector,
) {
	logger := observability.WithContextLogger(o.logger, ctx).With(zap.String("providerId", providerID))
	cfg, _ := o.registry.Config(providerID)
	chunkSize := o.chunkSize(providerID, cfg.BatchSize)
	others := without(o.registry.AvailableProviders(), providerID)
	batchRef := &batchID

	timeouts := 0
	for start := 0; start < len(recipients); {
		if err := ctx.Err(); err != nil {
			for _, r := range recipients[start:] {
				collector.failed(providerID, r, err)
			}
			return
		}

		end := min(start+chunkSize, len(recipients))
		chunk := recipients[start:end]

		if timeouts >= maxBucketTimeouts {
			for _, r := range chunk {
				o.sendFallback(ctx, batchRef, providerID, r, message, others, collector)
			}
			start = end
			continue
		}

		if !o.registry.AwaitBucket(ctx, providerID, len(chunk), o.cfg.BucketMaxWait) {
			if ctx.Err() != nil {
				continue
			}
			timeouts++
			o.metrics.IncBucketWaitTimeout("provider")
			if timeouts >= maxBucketTimeouts {
				logger.Warn("provider bucket kept timing out, failing over remaining recipients",
					zap.Int("remaining", len(recipients)-start),
				)
			}
			continue
		}
		timeouts = 0

		for _, r := range chunk {
			o.sendAssigned(ctx, batchRef, providerID, r, message, others, collector)
		}
		start = end

		if start < len(recipients) && cfg.BatchDelay > 0 {
			if err := o.sleep(ctx, cfg.BatchDelay); err != nil {
				continue
			}
		}
	}
}

// sendAssigned tries the planned provider first and fails over to the others.
func (o *Orchestrator) sendAssigned(
	ctx context.Context,
	batchID *string,
	providerID string,
	recipient domain.Recipient,
	message domain.Message,
	others []string,
	collector *batchCollector,
) {
	if err := o.throttleDomain(ctx, recipient); err != nil {
		collector.failed(providerID, recipient, err)
		return
	}

	var prior []ProviderFailure
	if o.registry.Admit(providerID, 1) {
		result, err := o.attempt(ctx, batchID, providerID, recipient, message)
		if err == nil {
			collector.sent(providerID, &SendOutcome{ProviderID: providerID, MessageID: result.MessageID, StatusCode: result.StatusCode, Attempts: 1})
			return
		}
		if !errors.Is(err, domain.ErrCapacityExhausted) {
			prior = append(prior, ProviderFailure{ProviderID: providerID, Class: provider.Classify(err), Err: err})
			collector.assignedFailed(providerID)
			o.metrics.IncFailover(providerID)
		}
	}

	outcome, err := o.failover(ctx, batchID, recipient, message, others, prior)
	if err != nil {
		collector.failed(providerID, recipient, err)
		return
	}
	collector.sent(providerID, outcome)
}

// sendFallback skips the planned provider entirely.
func (o *Orchestrator) sendFallback(
	ctx context.Context,
	batchID *string,
	providerID string,
	recipient domain.Recipient,
	message domain.Message,
	others []string,
	collector *batchCollector,
) {
	outcome, err := o.deliver(ctx, batchID, recipient, message, others)
	if err != nil {
		collector.failed(providerID, recipient, err)
		return
	}
	collector.sent(providerID, outcome)
}

func (o *Orchestrator) chunkSize(providerID string, batchSize int) int {
	size := o.cfg.ChunkSize
	if batchSize > 0 {
		size = min(size, batchSize)
	}
	if burst := o.registry.BurstCapacity(providerID); burst > 0 {
		size = min(size, burst)
	}
	return max(size, 1)
}

func (o *Orchestrator) completeBatch(ctx context.Context, batch *domain.Batch, result *BatchResult) {
	batch.SentCount = result.TotalSent
	batch.FailedCount = result.TotalFailed
	batch.NotAttemptedCount = result.NotAttempted
	batch.Status = result.Status()
	batch.UpdatedAt = o.now().UTC()

	if err := o.batches.Complete(context.WithoutCancel(ctx), batch); err != nil {
		observability.WithContextLogger(o.logger, ctx).Error("failed to persist batch result", zap.Error(err))
	}

	o.metrics.AddBatchRecipients("sent", result.TotalSent)
	o.metrics.AddBatchRecipients("failed", result.TotalFailed)
	o.metrics.AddBatchRecipients("not_attempted", result.NotAttempted)
}
