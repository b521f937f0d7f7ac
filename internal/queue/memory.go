package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/evalflow/model"
)

// pollStep bounds how long a blocked Receive sleeps before re-checking for
// deliveries whose visibility timeout expired.
const pollStep = 50 * time.Millisecond

// MemoryQueue is an in-process Queue for tests and single-instance
// deployments.
type MemoryQueue struct {
	opts Options

	mu       sync.Mutex
	ready    []*memItem
	inflight map[string]*memItem
	dead     []model.Message
	wake     chan struct{}
	closed   bool
}

type memItem struct {
	msg       model.Message
	visibleAt time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts.withDefaults(),
		inflight: make(map[string]*memItem),
		wake:     make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.opts.Name }

// Enqueue appends a copy of body to the queue.
func (q *MemoryQueue) Enqueue(_ context.Context, body []byte) (model.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return model.Message{}, ErrClosed
	}

	data := make([]byte, len(body))
	copy(data, body)
	msg := model.Message{
		ID:         uuid.New().String(),
		Body:       data,
		EnqueuedAt: time.Now().UTC(),
	}
	q.ready = append(q.ready, &memItem{msg: msg})
	q.signalLocked()
	return msg, nil
}

// Receive pops up to max messages, blocking up to wait for the first.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]model.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.requeueExpiredLocked(time.Now())
		msgs := q.popLocked(max)
		wake := q.wake
		q.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, pollStep))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes an in-flight delivery.
func (q *MemoryQueue) Ack(_ context.Context, msg model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[msg.Receipt]; !ok {
		return fmt.Errorf("ack %s: %w", msg.ID, ErrUnknownReceipt)
	}
	delete(q.inflight, msg.Receipt)
	return nil
}

// Nack makes an in-flight delivery visible again, or dead-letters it.
func (q *MemoryQueue) Nack(_ context.Context, msg model.Message) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[msg.Receipt]
	if !ok {
		return false, fmt.Errorf("nack %s: %w", msg.ID, ErrUnknownReceipt)
	}
	delete(q.inflight, msg.Receipt)

	if item.msg.ReceiveCount >= q.opts.MaxReceiveCount {
		dl := item.msg
		dl.Receipt = ""
		q.dead = append(q.dead, dl)
		return true, nil
	}

	item.msg.Receipt = ""
	item.visibleAt = time.Time{}
	q.ready = append(q.ready, item)
	q.signalLocked()
	return false, nil
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (q *MemoryQueue) DeadLetters() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of visible messages. For testing.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of delivered, unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// HealthCheck reports an error once the queue is closed.
func (q *MemoryQueue) HealthCheck(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes blocked receivers and rejects further operations.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	return nil
}

func (q *MemoryQueue) popLocked(max int) []model.Message {
	n := min(max, len(q.ready))
	if n == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]model.Message, 0, n)
	for _, item := range q.ready[:n] {
		item.msg.ReceiveCount++
		item.msg.Receipt = uuid.New().String()
		item.visibleAt = now.Add(q.opts.VisibilityTimeout)
		q.inflight[item.msg.Receipt] = item
		msgs = append(msgs, item.msg)
	}
	q.ready = q.ready[n:]
	return msgs
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for receipt, item := range q.inflight {
		if now.After(item.visibleAt) {
			delete(q.inflight, receipt)
			item.msg.Receipt = ""
			q.ready = append(q.ready, item)
		}
	}
}

// signalLocked wakes every blocked receiver.
func (q *MemoryQueue) signalLocked() {
	if q.closed {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}
