package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// RedisPublisher publishes notifications with Redis PUBLISH. Subscribers that
// are not connected at publish time miss the message.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher for the given Redis channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the Redis channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish encodes n as JSON and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, n model.Notification) (model.PublishReceipt, error) {
	env := envelope{
		MessageID:   uuid.New().String(),
		ExecutionID: n.ExecutionID,
		Subject:     n.Subject,
		Body:        n.Body,
		Trace:       observability.InjectTraceMap(ctx),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return model.PublishReceipt{}, fmt.Errorf("encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return model.PublishReceipt{}, fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return model.PublishReceipt{
		MessageID:   env.MessageID,
		Channel:     p.channel,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// DecodeRedisMessage parses a payload received from the channel.
func DecodeRedisMessage(payload string) (model.Notification, string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return model.Notification{}, "", fmt.Errorf("decode notification: %w", err)
	}
	return model.Notification{
		ExecutionID: env.ExecutionID,
		Subject:     env.Subject,
		Body:        env.Body,
	}, env.MessageID, nil
}
