package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/evalflow/model"
)

// MemoryPublisher is an in-process topic. Each subscriber gets its own
// buffered channel. Publish holds the topic lock while delivering, so a full
// subscriber stalls publishing until ctx is done.
type MemoryPublisher struct {
	channel string

	mu          sync.Mutex
	subscribers map[int]chan model.Notification
	nextSub     int
	published   []model.Notification
	closed      bool
}

// NewMemoryPublisher creates an in-memory publisher for the named channel.
func NewMemoryPublisher(channel string) *MemoryPublisher {
	return &MemoryPublisher{
		channel:     channel,
		subscribers: make(map[int]chan model.Notification),
	}
}

// Channel returns the channel name.
func (p *MemoryPublisher) Channel() string { return p.channel }

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (p *MemoryPublisher) Subscribe(buffer int) (<-chan model.Notification, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan model.Notification, buffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish fans n out to all current subscribers.
func (p *MemoryPublisher) Publish(ctx context.Context, n model.Notification) (model.PublishReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return model.PublishReceipt{}, ErrClosed
	}

	n.Body = n.Body.Clone()
	for _, sub := range p.subscribers {
		select {
		case sub <- n:
		case <-ctx.Done():
			return model.PublishReceipt{}, ctx.Err()
		}
	}

	p.published = append(p.published, n)

	return model.PublishReceipt{
		MessageID:   uuid.New().String(),
		Channel:     p.channel,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Published returns every notification published so far.
func (p *MemoryPublisher) Published() []model.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Notification, len(p.published))
	copy(out, p.published)
	return out
}

// HealthCheck fails once the publisher is closed.
func (p *MemoryPublisher) HealthCheck(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close closes every subscriber channel.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, sub := range p.subscribers {
		delete(p.subscribers, id)
		close(sub)
	}
	return nil
}
