package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:"

// admitScript claims the key in one round trip: absent or failed records are
// overwritten with a fresh in_progress marker, anything else is returned to
// the caller untouched.
var admitScript = goredis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  local record = cjson.decode(existing)
  if record.status ~= "failed" then
    return existing
  end
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return ""
`)

var _ Store = (*RedisStore)(nil)

// RedisStore is the shared idempotency store backing concurrent ingress flows.
type RedisStore struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
	script *goredis.Script
}

func NewRedisStore(client *goredis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		script: admitScript,
	}, nil
}

func (s *RedisStore) Admit(ctx context.Context, key string) (Decision, error) {
	storageKey, err := s.storageKey(key)
	if err != nil {
		return Decision{}, err
	}

	marker, err := json.Marshal(record{
		Status:    StatusInProgress,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal in-progress record: %w", err)
	}

	ttlSeconds := int64(s.ttl / time.Second)
	result, err := s.script.Run(ctx, s.client, []string{storageKey}, marker, ttlSeconds).Text()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return Decision{}, fmt.Errorf("failed to run idempotency admit script: %w", err)
	}

	if result == "" {
		return Decision{Outcome: Proceed}, nil
	}

	var existing record
	if err := json.Unmarshal([]byte(result), &existing); err != nil {
		return Decision{}, fmt.Errorf("failed to decode idempotency record: %w", err)
	}

	if existing.Status == StatusCompleted {
		return Decision{Outcome: ReturnCached, Response: existing.Response}, nil
	}

	return Decision{Outcome: Conflict}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, response []byte) error {
	storageKey, err := s.storageKey(key)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(record{
		Status:    StatusCompleted,
		Response:  response,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completed record: %w", err)
	}

	// Keep the TTL from admission so the retention window is anchored at the
	// first execution, not at completion.
	err = s.client.SetArgs(ctx, storageKey, payload, goredis.SetArgs{
		Mode:    "xx",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, goredis.Nil) {
		// The in_progress marker expired mid-flight; re-create with a full TTL.
		return s.client.Set(ctx, storageKey, payload, s.ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}

	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	storageKey, err := s.storageKey(key)
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, storageKey).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) storageKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("idempotency key is required")
	}
	return keyPrefix + trimmed, nil
}
