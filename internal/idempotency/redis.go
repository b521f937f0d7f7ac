package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ownerSep separates the execution id from the claim time in a stored value.
const ownerSep = "|"

// releaseScript deletes the key only when it is still held by the caller's
// execution id.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and (v == ARGV[1] or string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|") then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Redis-backed Store. Claims are plain string keys set with
// SET NX and a TTL, holding "{executionID}|{claimed unix millis}".
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed idempotency store. Keys are stored as
// "{prefix}:idem:{key}".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:idem:%s", s.prefix, key)
}

func encodeOwner(o Owner) string {
	return o.ExecutionID + ownerSep + strconv.FormatInt(o.ClaimedAt.UnixMilli(), 10)
}

// decodeOwner parses a stored value. Values without a claim time decode
// with a zero ClaimedAt.
func decodeOwner(v string) Owner {
	id, ts, ok := strings.Cut(v, ownerSep)
	if !ok {
		return Owner{ExecutionID: v}
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Owner{ExecutionID: id}
	}
	return Owner{ExecutionID: id, ClaimedAt: time.UnixMilli(ms)}
}

// Claim sets the key if absent, otherwise reports the current owner.
func (s *RedisStore) Claim(ctx context.Context, key, executionID string, ttl time.Duration) (Owner, bool, error) {
	rk := s.redisKey(key)
	mine := Owner{ExecutionID: executionID, ClaimedAt: s.now().Truncate(time.Millisecond)}
	val := encodeOwner(mine)

	ok, err := s.client.SetNX(ctx, rk, val, ttl).Result()
	if err != nil {
		return Owner{}, false, fmt.Errorf("redis setnx %q: %w", rk, err)
	}
	if ok {
		return mine, true, nil
	}

	current, err := s.client.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, rk, val, ttl).Result()
		if err != nil {
			return Owner{}, false, fmt.Errorf("redis setnx %q: %w", rk, err)
		}
		if ok {
			return mine, true, nil
		}
		current, err = s.client.Get(ctx, rk).Result()
	}
	if err != nil {
		return Owner{}, false, fmt.Errorf("redis get %q: %w", rk, err)
	}
	owner := decodeOwner(current)
	return owner, owner.ExecutionID == executionID, nil
}

// Get returns the owner of key.
func (s *RedisStore) Get(ctx context.Context, key string) (Owner, bool, error) {
	rk := s.redisKey(key)
	v, err := s.client.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		return Owner{}, false, nil
	}
	if err != nil {
		return Owner{}, false, fmt.Errorf("redis get %q: %w", rk, err)
	}
	return decodeOwner(v), true, nil
}

// Release deletes the key if executionID still owns it.
func (s *RedisStore) Release(ctx context.Context, key, executionID string) error {
	rk := s.redisKey(key)
	if err := releaseScript.Run(ctx, s.client, []string{rk}, executionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", rk, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
