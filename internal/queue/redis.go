package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/evalflow/model"
)

// RedisQueue is a Queue backed by Redis lists.
//
// Key layout, with prefix p and queue name n:
//
//	p:queue:n            ready list (LPUSH in, LMOVE RIGHT out)
//	p:queue:n:processing delivered, unacknowledged payloads
//	p:queue:n:deadlines  payload -> visibility deadline (unix ms)
//	p:queue:n:receives   message id -> receive count
//	p:queue:n:dlq        dead-letter list
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options

	ready      string
	processing string
	deadlines  string
	receives   string
	dlq        string
}

// requeueScript pushes an in-flight payload back onto the ready list only if
// its deadline has passed and it is still on the processing list.
//
// KEYS: processing, deadlines, ready. ARGV: payload, now (unix ms).
var requeueScript = redis.NewScript(`
local deadline = redis.call("HGET", KEYS[2], ARGV[1])
if not deadline or tonumber(deadline) > tonumber(ARGV[2]) then
	return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return 1
end
return 0
`)

// redisEnvelope is the stored list element. The encoded form doubles as the
// delivery receipt, since LREM needs the exact element value.
type redisEnvelope struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(client redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	base := fmt.Sprintf("%s:queue:%s", prefix, opts.Name)
	return &RedisQueue{
		client:     client,
		opts:       opts,
		ready:      base,
		processing: base + ":processing",
		deadlines:  base + ":deadlines",
		receives:   base + ":receives",
		dlq:        fmt.Sprintf("%s:queue:%s", prefix, opts.DeadLetterName),
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string { return q.opts.Name }

// Enqueue pushes body onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) (model.Message, error) {
	env := redisEnvelope{
		ID:         uuid.New().String(),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return model.Message{}, fmt.Errorf("redis lpush %s: %w", q.ready, mapRedisError(err))
	}
	return model.Message{ID: env.ID, Body: body, EnqueuedAt: env.EnqueuedAt}, nil
}

// Receive moves up to max payloads to the processing list. The first move
// blocks for up to wait.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]model.Message, error) {
	if max <= 0 {
		max = 1
	}
	if err := q.requeueExpired(ctx); err != nil {
		return nil, err
	}

	var msgs []model.Message
	for len(msgs) < max {
		var raw string
		var err error
		if len(msgs) == 0 && wait > 0 {
			raw, err = q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", wait).Result()
		} else {
			raw, err = q.client.LMove(ctx, q.ready, q.processing, "RIGHT", "LEFT").Result()
		}
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return msgs, ctx.Err()
			}
			return msgs, fmt.Errorf("redis lmove %s: %w", q.ready, mapRedisError(err))
		}

		msg, err := q.deliver(ctx, raw)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (q *RedisQueue) deliver(ctx context.Context, raw string) (model.Message, error) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unreadable payloads go straight to the dead-letter list.
		_, _ = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, raw)
			p.LPush(ctx, q.dlq, raw)
			return nil
		})
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}

	deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, q.receives, env.ID, 1)
		p.HSet(ctx, q.deadlines, raw, deadline)
		return nil
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("redis track delivery %s: %w", env.ID, mapRedisError(err))
	}

	return model.Message{
		ID:           env.ID,
		Body:         env.Body,
		ReceiveCount: int(incr.Val()),
		EnqueuedAt:   env.EnqueuedAt,
		Receipt:      raw,
	}, nil
}

// Ack removes the delivery from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, msg model.Message) error {
	var rem *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rem = p.LRem(ctx, q.processing, 1, msg.Receipt)
		p.HDel(ctx, q.deadlines, msg.Receipt)
		p.HDel(ctx, q.receives, msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack %s: %w", msg.ID, mapRedisError(err))
	}
	if rem.Val() == 0 {
		return fmt.Errorf("ack %s: %w", msg.ID, ErrUnknownReceipt)
	}
	return nil
}

// Nack pushes the delivery back onto the ready list, or onto the dead-letter
// list once ReceiveCount reaches the maximum.
func (q *RedisQueue) Nack(ctx context.Context, msg model.Message) (bool, error) {
	dead := msg.ReceiveCount >= q.opts.MaxReceiveCount

	var rem *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rem = p.LRem(ctx, q.processing, 1, msg.Receipt)
		p.HDel(ctx, q.deadlines, msg.Receipt)
		if dead {
			p.HDel(ctx, q.receives, msg.ID)
			p.LPush(ctx, q.dlq, msg.Receipt)
		} else {
			p.RPush(ctx, q.ready, msg.Receipt)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis nack %s: %w", msg.ID, mapRedisError(err))
	}
	if rem.Val() == 0 {
		// The receipt was not in flight; undo the push.
		target := q.ready
		if dead {
			target = q.dlq
		}
		q.client.LRem(ctx, target, 1, msg.Receipt)
		return false, fmt.Errorf("nack %s: %w", msg.ID, ErrUnknownReceipt)
	}
	return dead, nil
}

// DeadLetters returns up to max messages from the dead-letter list without
// removing them.
func (q *RedisQueue) DeadLetters(ctx context.Context, max int) ([]model.Message, error) {
	raws, err := q.client.LRange(ctx, q.dlq, 0, int64(max)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", q.dlq, err)
	}
	msgs := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		msgs = append(msgs, model.Message{ID: env.ID, Body: env.Body, EnqueuedAt: env.EnqueuedAt})
	}
	return msgs, nil
}

// requeueExpired returns deliveries whose visibility deadline passed to the
// ready list, covering consumers that crashed before ack or nack.
func (q *RedisQueue) requeueExpired(ctx context.Context) error {
	entries, err := q.client.HGetAll(ctx, q.deadlines).Result()
	if err != nil {
		return fmt.Errorf("redis hgetall %s: %w", q.deadlines, mapRedisError(err))
	}
	now := time.Now().UnixMilli()
	for raw, v := range entries {
		deadline, err := strconv.ParseInt(v, 10, 64)
		if err != nil || deadline > now {
			continue
		}
		if _, err := q.requeue(ctx, raw, now); err != nil {
			return err
		}
	}
	return nil
}

// requeue moves one expired delivery back to the ready list. It reports
// false when the delivery was acked, nacked or redelivered since its
// deadline was read.
func (q *RedisQueue) requeue(ctx context.Context, raw string, now int64) (bool, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.processing, q.deadlines, q.ready}, raw, now).Int()
	if err != nil {
		return false, fmt.Errorf("redis requeue expired: %w", mapRedisError(err))
	}
	return n == 1, nil
}

// HealthCheck pings Redis.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (q *RedisQueue) Close() error { return nil }

// mapRedisError maps Redis memory pressure to ErrThrottled.
func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "OOM") {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}
