package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "confirm:amount:"

// RedisStore is a Store backed by Redis, for deployments running more than one
// replica of the service. The safety TTL caps how long a record can linger if
// the eviction sweep never runs.
type RedisStore struct {
	Client    *redis.Client
	SafetyTTL time.Duration
}

func redisKey(amountCents int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, amountCents)
}

// Put stores the record, overwriting any existing entry for the amount.
func (s *RedisStore) Put(ctx context.Context, amountCents int64, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("confirm: encode record: %w", err)
	}
	ttl := s.SafetyTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return s.Client.Set(ctx, redisKey(amountCents), data, ttl).Err()
}

// TakeIfPresent atomically reads and removes the record for the amount.
func (s *RedisStore) TakeIfPresent(ctx context.Context, amountCents int64) (Record, bool, error) {
	data, err := s.Client.GetDel(ctx, redisKey(amountCents)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("confirm: decode record: %w", err)
	}
	return rec, true, nil
}

// EvictOlderThan scans the key space and removes records older than maxAge.
func (s *RedisStore) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()
	evicted := 0
	iter := s.Client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.Client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return evicted, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// unreadable entries are dropped rather than kept forever
			_ = s.Client.Del(ctx, key).Err()
			evicted++
			continue
		}
		if rec.Age(now) > maxAge {
			if err := s.Client.Del(ctx, key).Err(); err != nil {
				return evicted, err
			}
			evicted++
		}
	}
	if err := iter.Err(); err != nil {
		return evicted, err
	}
	return evicted, nil
}
