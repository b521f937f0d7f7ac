// Package notify publishes finished workflow documents to the notification
// channel. Every subscriber of the channel receives every message.
package notify

import (
	"context"
	"errors"

	"github.com/pitabwire/evalflow/model"
)

// ErrClosed is returned when publishing to a closed publisher.
var ErrClosed = errors.New("notify: publisher closed")

// Publisher delivers notifications to a fan-out channel.
type Publisher interface {
	// Publish sends n to every subscriber and returns the broker receipt.
	Publish(ctx context.Context, n model.Notification) (model.PublishReceipt, error)

	// Channel returns the topic or channel name recorded in receipts.
	Channel() string

	HealthCheck(ctx context.Context) error
}

// envelope is the wire form used by backends that carry raw bytes.
type envelope struct {
	MessageID   string            `json:"message_id"`
	ExecutionID string            `json:"execution_id"`
	Subject     string            `json:"subject"`
	Body        model.Document    `json:"body"`
	Trace       map[string]string `json:"trace,omitempty"`
}
