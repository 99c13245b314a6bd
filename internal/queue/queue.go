package queue

import "context"

// Publisher publishes batch jobs to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchMessage) error
	Close() error
}

// MessageHandler handles a consumed batch job.
type MessageHandler func(ctx context.Context, msg BatchMessage) error

// Consumer consumes batch jobs from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// BatchQueue receives batch send jobs.
	BatchQueue = "dispatch.batches"
	// DeferredQueue holds recipients that could not be attempted. Messages expire back
	// into BatchQueue after DeferredDelay.
	DeferredQueue = "dispatch.batches.deferred"

	// DeferredDelayMillis is the x-message-ttl of DeferredQueue.
	DeferredDelayMillis int32 = 60_000
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.dispatch.batches.
func DLQName(queue string) string {
	return "dlq." + queue
}
