package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates requests per remote actor (client IP).
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// LocalLimiter is an in-process per-actor token bucket.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewLocalLimiter allows rps requests per second with the given burst per
// actor.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[actorID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[actorID] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares a token bucket across gateway replicas via Redis.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    rps,
		burst:  burst,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("gateway_limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Int()
	if err != nil {
		return false, fmt.Errorf("gateway: redis limiter: %w", err)
	}
	return res == 1, nil
}
