package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// LocalCounter keeps counts in memory for a single process.
type LocalCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewLocalCounter() *LocalCounter {
	return &LocalCounter{counts: make(map[string]int64)}
}

func (c *LocalCounter) Incr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *LocalCounter) Decr(_ context.Context, userID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[userID]
	if !ok {
		return 0, false, nil
	}
	n--
	if n <= 0 {
		delete(c.counts, userID)
		return 0, true, nil
	}
	c.counts[userID] = n
	return n, true, nil
}

func (c *LocalCounter) Count(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}

func (c *LocalCounter) Len(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.counts)), nil
}

// decrScript returns -1 when the field is missing and deletes it when it reaches zero.
var decrScript = redis.NewScript(`
local n = redis.call('HGET', KEYS[1], ARGV[1])
if not n then
  return -1
end
n = tonumber(n) - 1
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], n)
return n
`)

// RedisCounter keeps counts in one Redis hash shared by every process.
type RedisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	return &RedisCounter{client: client, key: key}
}

func (c *RedisCounter) Incr(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.HIncrBy(ctx, c.key, userID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis presence incr: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Decr(ctx context.Context, userID string) (int64, bool, error) {
	n, err := decrScript.Run(ctx, c.client, []string{c.key}, userID).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("redis presence decr: %w", err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *RedisCounter) Count(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.HGet(ctx, c.key, userID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis presence count: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Len(ctx context.Context) (int64, error) {
	n, err := c.client.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis presence len: %w", err)
	}
	return n, nil
}

var (
	_ Counter = (*LocalCounter)(nil)
	_ Counter = (*RedisCounter)(nil)
)
