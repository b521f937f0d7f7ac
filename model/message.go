package model

import "time"

// Message is one queued evaluation request. Delivery is at-least-once and
// unordered; ReceiveCount starts at 1 on first delivery.
type Message struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`

	// Receipt is the backend handle used to ack or nack this delivery.
	Receipt string `json:"-"`
}

// ResultRecord is a row in the result store, keyed by ID.
type ResultRecord struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Document    Document  `json:"document"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Artifact is an object in the artifact store.
type Artifact struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Notification is the message sent to every subscriber of the notification
// channel. Body is the workflow document at publish time.
type Notification struct {
	ExecutionID string   `json:"execution_id"`
	Subject     string   `json:"subject"`
	Body        Document `json:"body"`
}

// PublishReceipt records the outcome of a publish.
type PublishReceipt struct {
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	PublishedAt time.Time `json:"published_at"`
}

// AsDocument converts the receipt into the map stored under FieldPublish.
func (r PublishReceipt) AsDocument() map[string]any {
	return map[string]any{
		"message_id":   r.MessageID,
		"channel":      r.Channel,
		"published_at": r.PublishedAt.UTC().Format(time.RFC3339Nano),
	}
}
