// Package queue provides the work queue between the submission gateway and
// the dispatcher. Delivery is at-least-once and unordered. Every backend counts
// receives per message and moves a message to its dead-letter queue when it is
// nacked after reaching the configured maximum receive count.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/evalflow/model"
)

var (
	// ErrThrottled is returned when the backend rejects a call because of
	// backpressure. Callers should retry with backoff.
	ErrThrottled = errors.New("queue: throttled")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrUnknownReceipt is returned when acking or nacking a delivery whose
	// receipt is no longer in flight.
	ErrUnknownReceipt = errors.New("queue: unknown receipt")
)

// Queue is a durable at-least-once message buffer.
type Queue interface {
	// Enqueue stores body verbatim and returns the created message.
	Enqueue(ctx context.Context, body []byte) (model.Message, error)

	// Receive returns up to max visible messages, waiting up to wait for the
	// first one to arrive. An empty slice with a nil error means none arrived.
	Receive(ctx context.Context, max int, wait time.Duration) ([]model.Message, error)

	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, msg model.Message) error

	// Nack returns a delivered message for redelivery, or moves it to the
	// dead-letter queue when its receive count has reached the maximum.
	// deadLettered reports which of the two happened.
	Nack(ctx context.Context, msg model.Message) (deadLettered bool, err error)

	// Name returns the queue name used in logs and metrics.
	Name() string

	HealthCheck(ctx context.Context) error
	Close() error
}

// Options configures queue backends.
type Options struct {
	Name              string
	DeadLetterName    string
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = 5
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.DeadLetterName == "" {
		o.DeadLetterName = o.Name + "-dlq"
	}
	return o
}
