package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/evalflow/model"
)

func testNotification() model.Notification {
	return model.Notification{
		ExecutionID: "exec-1",
		Subject:     "evaluation completed",
		Body:        model.Document{"id": "abc", "status": "evaluated"},
	}
}

func TestMemoryPublisher_FanOut(t *testing.T) {
	p := NewMemoryPublisher("evaluation-topic")
	a, cancelA := p.Subscribe(1)
	defer cancelA()
	b, cancelB := p.Subscribe(1)
	defer cancelB()

	receipt, err := p.Publish(context.Background(), testNotification())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, "evaluation-topic", receipt.Channel)
	assert.False(t, receipt.PublishedAt.IsZero())

	for _, ch := range []<-chan model.Notification{a, b} {
		select {
		case n := <-ch:
			assert.Equal(t, "exec-1", n.ExecutionID)
			assert.Equal(t, "abc", n.Body.ID())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive notification")
		}
	}
	assert.Len(t, p.Published(), 1)
}

func TestMemoryPublisher_BodyIsCopied(t *testing.T) {
	p := NewMemoryPublisher("t")
	n := testNotification()
	_, err := p.Publish(context.Background(), n)
	require.NoError(t, err)

	n.Body["status"] = "mutated"
	assert.Equal(t, "evaluated", p.Published()[0].Body["status"])
}

func TestMemoryPublisher_FullSubscriberRespectsContext(t *testing.T) {
	p := NewMemoryPublisher("t")
	_, cancel := p.Subscribe(0)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer done()
	_, err := p.Publish(ctx, testNotification())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryPublisher_UnsubscribeAndClose(t *testing.T) {
	p := NewMemoryPublisher("t")
	ch, cancel := p.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	require.NoError(t, p.Close())
	_, err := p.Publish(context.Background(), testNotification())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "evaluation-topic")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(client, "evaluation-topic")
	receipt, err := p.Publish(ctx, testNotification())
	require.NoError(t, err)
	assert.Equal(t, "evaluation-topic", receipt.Channel)

	select {
	case msg := <-sub.Channel():
		n, id, err := DecodeRedisMessage(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, receipt.MessageID, id)
		assert.Equal(t, "exec-1", n.ExecutionID)
		assert.Equal(t, "evaluation completed", n.Subject)
		assert.Equal(t, "abc", n.Body.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive message")
	}

	require.NoError(t, p.HealthCheck(ctx))
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

func (f *fakeSNS) GetTopicAttributes(_ context.Context, _ *sns.GetTopicAttributesInput, _ ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error) {
	return &sns.GetTopicAttributesOutput{}, f.err
}

func TestSNSPublisher_Publish(t *testing.T) {
	const arn = "arn:aws:sns:us-east-1:000000000000:evaluation-topic"
	fake := &fakeSNS{}
	p := NewSNSPublisher(fake, arn)

	n := testNotification()
	n.Subject = string(make([]byte, 150))
	receipt, err := p.Publish(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "sns-msg-1", receipt.MessageID)
	assert.Equal(t, arn, receipt.Channel)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, arn, aws.ToString(in.TopicArn))
	assert.Len(t, aws.ToString(in.Subject), maxSNSSubject)
	assert.Equal(t, "exec-1", aws.ToString(in.MessageAttributes["execution_id"].StringValue))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &body))
	assert.Equal(t, "abc", body["id"])
}

func TestSNSPublisher_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	fake := &fakeSNS{}
	_, err := NewSNSPublisher(fake, "arn").Publish(ctx, testNotification())
	require.NoError(t, err)

	require.Len(t, fake.inputs, 1)
	tp := aws.ToString(fake.inputs[0].MessageAttributes["traceparent"].StringValue)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", tp)
}

func TestSNSPublisher_Error(t *testing.T) {
	fake := &fakeSNS{err: errors.New("boom")}
	p := NewSNSPublisher(fake, "arn")
	_, err := p.Publish(context.Background(), testNotification())
	assert.ErrorContains(t, err, "boom")
	assert.Error(t, p.HealthCheck(context.Background()))
}
