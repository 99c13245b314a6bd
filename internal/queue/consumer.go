package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// settlement is how a delivery is resolved with the broker.
type settlement int

const (
	settleAck settlement = iota
	// settleRetry requeues the job for one more attempt.
	settleRetry
	// settleDeadLetter routes the job to the queue's dead-letter queue.
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRetry:
		return "retry"
	default:
		return "dead-letter"
	}
}

// RabbitMQConsumer runs batch jobs from a queue. Malformed jobs are dead-lettered at
// once; a job whose handler fails is retried once and then dead-lettered.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is done, reconnecting with exponential backoff whenever the
// broker drops the channel.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("batch consumer disconnected",
			zap.String("queue", queue),
			zap.Duration("retryIn", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel of queue %q closed", queue)
			}
			if err := settle(d, c.process(ctx, d, handler)); err != nil {
				return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
			}
		}
	}
}

// process runs one delivery through handler and decides its settlement.
func (c *RabbitMQConsumer) process(ctx context.Context, d amqp.Delivery, handler MessageHandler) settlement {
	if d.ContentType != "" && d.ContentType != contentTypeJSON {
		c.logger.Warn("dead-lettering batch job with unexpected content type",
			zap.String("messageId", d.MessageId),
			zap.String("contentType", d.ContentType),
		)
		return settleDeadLetter
	}

	msg, err := DecodeBatchMessage(d.Body)
	if err != nil {
		c.logger.Warn("dead-lettering unreadable batch job",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return settleDeadLetter
	}

	logger := c.logger.With(
		zap.String("batchId", msg.BatchID),
		zap.Int("recipients", len(msg.Recipients)),
		zap.Int("deferrals", msg.Deferrals),
	)
	if err := handler(ctx, msg); err != nil {
		if d.Redelivered {
			logger.Error("batch job failed again, dead-lettering", zap.Error(err))
			return settleDeadLetter
		}
		logger.Warn("batch job failed, retrying once", zap.Error(err))
		return settleRetry
	}
	return settleAck
}

func settle(d amqp.Delivery, s settlement) error {
	switch s {
	case settleAck:
		return d.Ack(false)
	case settleRetry:
		return d.Nack(false, true)
	default:
		return d.Reject(false)
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
