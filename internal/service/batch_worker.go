package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/observability"
	"github.com/kursadbilgin/esp-dispatch/internal/queue"
)

const (
	minWorkerConcurrency = 1
	maxDeferrals         = 5
)

// BatchSender sends one batch. *Orchestrator implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, batchID string, recipients []domain.Recipient, message domain.Message) (*BatchResult, error)
}

// BatchWorker consumes batch jobs and defers recipients that could not be attempted.
type BatchWorker struct {
	sender      BatchSender
	consumer    queue.Consumer
	publisher   queue.Publisher
	logger      *zap.Logger
	concurrency int
	newID       func() string
}

func NewBatchWorker(
	sender BatchSender,
	consumer queue.Consumer,
	publisher queue.Publisher,
	concurrency int,
	logger *zap.Logger,
) (*BatchWorker, error) {
	if sender == nil {
		return nil, errors.New("batch sender is required")
	}
	if consumer == nil {
		return nil, errors.New("queue consumer is required")
	}
	if publisher == nil {
		return nil, errors.New("queue publisher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchWorker{
		sender:      sender,
		consumer:    consumer,
		publisher:   publisher,
		logger:      logger,
		concurrency: concurrency,
		newID:       uuid.NewString,
	}, nil
}

// Start consumes the batch queue until context cancellation.
func (w *BatchWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("batch worker started", zap.Int("workerId", workerID))

			if err := w.consumer.Consume(groupCtx, queue.BatchQueue, w.processMessage); err != nil {
				w.logger.Error("batch worker stopped with error", zap.Int("workerId", workerID), zap.Error(err))
				return err
			}

			w.logger.Info("batch worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// processMessage never returns an error once recipients were sent, since a redelivery
// would send them again.
func (w *BatchWorker) processMessage(ctx context.Context, msg queue.BatchMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("batchId", msg.BatchID),
		zap.Int("deferrals", msg.Deferrals),
	)

	result, err := w.sender.SendBatch(ctx, msg.BatchID, msg.DomainRecipients(), msg.Message.ToDomain())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			logger.Warn("dropping invalid batch", zap.Error(err))
			return nil
		case errors.Is(err, domain.ErrCapacityExhausted) && result != nil:
			logger.Warn("no provider capacity for batch", zap.Error(err))
		default:
			return fmt.Errorf("send batch %s: %w", msg.BatchID, err)
		}
	}

	w.deferRecipients(ctx, logger, msg, result.NotAttemptedRecipients())
	return nil
}

func (w *BatchWorker) deferRecipients(ctx context.Context, logger *zap.Logger, msg queue.BatchMessage, recipients []domain.Recipient) {
	if len(recipients) == 0 {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if msg.Deferrals >= maxDeferrals {
		logger.Error("giving up on recipients after repeated deferrals", zap.Int("recipients", len(recipients)))
		return
	}

	deferred := queue.BatchMessage{
		BatchID:       w.newID(),
		ParentBatchID: msg.BatchID,
		CorrelationID: msg.CorrelationID,
		Deferrals:     msg.Deferrals + 1,
		Message:       msg.Message,
		Recipients:    queue.RecipientsFromDomain(recipients),
	}
	if err := w.publisher.Publish(ctx, queue.DeferredQueue, deferred); err != nil {
		logger.Error("failed to defer recipients",
			zap.Int("recipients", len(recipients)),
			zap.Error(err),
		)
		return
	}

	logger.Info("deferred recipients",
		zap.String("deferredBatchId", deferred.BatchID),
		zap.Int("recipients", len(recipients)),
	)
}
