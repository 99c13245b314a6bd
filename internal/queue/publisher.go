package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	batchMessageType = "batch.send"

	headerDeferrals     = "x-deferrals"
	headerParentBatchID = "x-parent-batch-id"
	headerRecipients    = "x-recipients"
)

// RabbitMQPublisher publishes batch jobs as persistent messages and waits for the
// broker to confirm each one.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg BatchMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := p.publishing(msg)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish batch %s to queue %q: %w", msg.BatchID, queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("batch %s publish not confirmed: %w", msg.BatchID, err)
	}
	if !acked {
		return fmt.Errorf("broker refused batch %s on queue %q", msg.BatchID, queue)
	}
	return nil
}

// publishing builds the broker message for a batch job. Job metadata is mirrored in
// headers.
func (p *RabbitMQPublisher) publishing(msg BatchMessage) (amqp.Publishing, error) {
	payload, err := EncodeBatchMessage(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{
		headerDeferrals:  int32(msg.Deferrals),
		headerRecipients: int32(len(msg.Recipients)),
	}
	if msg.ParentBatchID != "" {
		headers[headerParentBatchID] = msg.ParentBatchID
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.BatchID,
		CorrelationId: msg.CorrelationID,
		Type:          batchMessageType,
		Body:          payload,
	}, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
