package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window rate limiter using Redis
// sorted sets, with an optional block key set once the budget is exhausted.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local blockKey = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local blockTTL = redis.call('PTTL', blockKey)
if blockTTL > 0 then
    return {0, 0, now + blockTTL}
end

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

if block > 0 then
    redis.call('SET', blockKey, '1', 'PX', block)
    return {0, 0, now + block}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// RedisClientFactory returns a client for cfg, or the shared client when cfg
// is nil. Implementations hand out one client per connection so rebuilding
// policies never opens a new pool.
type RedisClientFactory func(cfg *RedisConfig) (*redis.Client, error)

// RedisStore provides Redis-backed distributed rate limiting.
type RedisStore struct {
	client  redis.Scripter
	limit   int
	window  time.Duration
	block   time.Duration
	timeout time.Duration
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.Scripter, cfg Config) *RedisStore {
	cfg.applyDefaults()
	return &RedisStore{
		client:  client,
		limit:   cfg.Points,
		window:  cfg.Window(),
		block:   cfg.Block(),
		timeout: 100 * time.Millisecond,
	}
}

// Take consumes one point for key.
func (s *RedisStore) Take(ctx context.Context, key string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UnixMilli()
	out, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key, key + ":block"},
		now,
		s.window.Milliseconds(),
		s.limit,
		s.block.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(out) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script result %v", out)
	}

	return Result{
		Allowed:   out[0] == 1,
		Remaining: int(out[1]),
		Reset:     time.UnixMilli(out[2]),
	}, nil
}

// RedisOptions resolves client options from explicit settings, filling gaps
// from REDIS_HOST, REDIS_PORT, REDIS_PASSWORD and REDIS_DB.
func RedisOptions(cfg RedisConfig) *redis.Options {
	host := cfg.Host
	if host == "" {
		host = os.Getenv("REDIS_HOST")
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port, _ = strconv.Atoi(os.Getenv("REDIS_PORT"))
	}
	if port == 0 {
		port = 6379
	}
	password := cfg.Password
	if password == "" {
		password = os.Getenv("REDIS_PASSWORD")
	}
	db := cfg.DB
	if db == 0 {
		db, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	}

	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	}
}

// NewRedisClient builds an uncached client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(RedisOptions(cfg))
}

func redisClientFor(cfg *RedisConfig, factory RedisClientFactory) (*redis.Client, error) {
	if factory != nil {
		return factory(cfg)
	}
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	return NewRedisClient(*cfg), nil
}
