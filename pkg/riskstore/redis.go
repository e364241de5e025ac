package riskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowedCounterScript performs the read-reset-increment cycle atomically
// in Redis.
// KEYS[1] = counter hash key
// ARGV[1] = window seconds (0 = no window)
// ARGV[2] = current unix epoch seconds
// ARGV[3] = increment (0 or 1)
var windowedCounterScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local inc = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "window_start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if not count or not start then
    count = 0
    start = now
end

if window > 0 and now - start >= window then
    count = 0
    start = now
end

count = count + inc

redis.call("HMSET", key, "count", count, "window_start", start)
if window > 0 then
    redis.call("EXPIRE", key, window * 2)
end

return count
`)

// RedisStore backs counters with Redis, for fleets that already run one.
type RedisStore struct {
	client *redis.Client
}

func OpenRedis(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (s *RedisStore) IncrementAndGet(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.run(ctx, tenant, bucket, windowSec, now, 1)
}

func (s *RedisStore) Get(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.run(ctx, tenant, bucket, windowSec, now, 0)
}

func (s *RedisStore) run(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time, inc int) (int64, error) {
	key := fmt.Sprintf("risk:%s:%s", tenant, bucket)
	res, err := windowedCounterScript.Run(ctx, s.client, []string{key}, windowSec, now.Unix(), inc).Result()
	if err != nil {
		return 0, storeErr("redis", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, storeErr("redis", fmt.Errorf("unexpected script result %T", res))
	}
	return count, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
