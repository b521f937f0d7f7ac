package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestMemoryQueue(maxReceive int) *MemoryQueue {
	return NewMemoryQueue(Options{Name: "test-queue", MaxReceiveCount: maxReceive, VisibilityTimeout: time.Minute})
}

func TestMemoryQueue_EnqueueReceiveAck(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx := context.Background()

	body := []byte(`{"id":"abc","input":42}`)
	sent, err := q.Enqueue(ctx, body)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if sent.ID == "" {
		t.Fatal("Enqueue returned empty message id")
	}
	// The queue keeps its own copy of the body.
	body[0] = 'X'

	msgs, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive returned %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != sent.ID {
		t.Errorf("ID = %q, want %q", got.ID, sent.ID)
	}
	if string(got.Body) != `{"id":"abc","input":42}` {
		t.Errorf("Body = %s", got.Body)
	}
	if got.ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", got.ReceiveCount)
	}
	if got.Receipt == "" {
		t.Error("Receipt should be set on delivery")
	}
	if q.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", q.InFlight())
	}

	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	if q.InFlight() != 0 || q.Len() != 0 {
		t.Errorf("queue not empty after ack: ready=%d inflight=%d", q.Len(), q.InFlight())
	}
	if err := q.Ack(ctx, got); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("second Ack error = %v, want ErrUnknownReceipt", err)
	}
}

func TestMemoryQueue_ReceiveEmpty_noWait(t *testing.T) {
	q := newTestMemoryQueue(3)
	msgs, err := q.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Receive returned %d messages, want 0", len(msgs))
	}
}

func TestMemoryQueue_ReceiveBlocksUntilEnqueue(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(ctx, []byte(`{}`))
	}()

	msgs, err := q.Receive(ctx, 1, 2*time.Second)
	wg.Wait()
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive returned %d messages, want 1", len(msgs))
	}
}

func TestMemoryQueue_ReceiveRespectsContext(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive error = %v, want DeadlineExceeded", err)
	}
}

func TestMemoryQueue_BatchLimit(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx := context.Background()
	for range 5 {
		q.Enqueue(ctx, []byte(`{}`))
	}

	msgs, _ := q.Receive(ctx, 3, 0)
	if len(msgs) != 3 {
		t.Errorf("first batch = %d, want 3", len(msgs))
	}
	msgs, _ = q.Receive(ctx, 3, 0)
	if len(msgs) != 2 {
		t.Errorf("second batch = %d, want 2", len(msgs))
	}
}

func TestMemoryQueue_NackRedelivers(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx := context.Background()
	q.Enqueue(ctx, []byte(`{"id":"r1"}`))

	first, _ := q.Receive(ctx, 1, 0)
	dead, err := q.Nack(ctx, first[0])
	if err != nil {
		t.Fatalf("Nack error: %v", err)
	}
	if dead {
		t.Error("Nack dead-lettered on first receive")
	}

	second, _ := q.Receive(ctx, 1, 0)
	if len(second) != 1 {
		t.Fatal("message was not redelivered after nack")
	}
	if second[0].ID != first[0].ID {
		t.Errorf("redelivered ID = %q, want %q", second[0].ID, first[0].ID)
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
	}
	if second[0].Receipt == first[0].Receipt {
		t.Error("redelivery should carry a fresh receipt")
	}
}

func TestMemoryQueue_DeadLetterAfterMaxReceives(t *testing.T) {
	q := newTestMemoryQueue(2)
	ctx := context.Background()
	sent, _ := q.Enqueue(ctx, []byte(`{"bad":true}`))

	for i := 1; i <= 2; i++ {
		msgs, _ := q.Receive(ctx, 1, 0)
		if len(msgs) != 1 {
			t.Fatalf("receive %d: got %d messages", i, len(msgs))
		}
		dead, err := q.Nack(ctx, msgs[0])
		if err != nil {
			t.Fatalf("Nack %d error: %v", i, err)
		}
		if want := i == 2; dead != want {
			t.Errorf("Nack %d dead = %v, want %v", i, dead, want)
		}
	}

	if msgs, _ := q.Receive(ctx, 1, 0); len(msgs) != 0 {
		t.Error("dead-lettered message was redelivered")
	}
	dl := q.DeadLetters()
	if len(dl) != 1 || dl[0].ID != sent.ID {
		t.Fatalf("DeadLetters = %+v", dl)
	}
	if string(dl[0].Body) != `{"bad":true}` {
		t.Errorf("dead letter body = %s", dl[0].Body)
	}
}

func TestMemoryQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	q := NewMemoryQueue(Options{Name: "vis", MaxReceiveCount: 5, VisibilityTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	q.Enqueue(ctx, []byte(`{}`))

	first, _ := q.Receive(ctx, 1, 0)
	if len(first) != 1 {
		t.Fatal("expected first delivery")
	}

	msgs, err := q.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatal("expected redelivery after visibility timeout")
	}
	if msgs[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", msgs[0].ReceiveCount)
	}
	if err := q.Ack(ctx, first[0]); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("Ack with stale receipt error = %v, want ErrUnknownReceipt", err)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := newTestMemoryQueue(3)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(ctx, 1, 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Receive error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked receiver")
	}

	if _, err := q.Enqueue(ctx, []byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close error = %v, want ErrClosed", err)
	}
	if err := q.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail after close")
	}
}
