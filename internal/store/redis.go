package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments KEYS[1] and starts its window on the first hit.
// A counter found without an expiry is given one, so a key can never outlive
// its window. ARGV[1] = window in milliseconds.
var incrementScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	// URL is either a redis:// or rediss:// URL or a bare host:port address.
	URL         string
	Prefix      string
	DialTimeout time.Duration
}

// RedisStore implements CounterStore on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ CounterStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func redisOptions(cfg RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis address is required")
	}

	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}

	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return opts, nil
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Increment implements CounterStore with a single Lua script so the increment
// and the expiry are applied atomically on the Redis side.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("context error before redis increment: %w", err)
	}

	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := incrementScript.Run(ctx, s.client, []string{s.prefixKey(key)}, windowMs).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment script: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis increment script returned %d values", len(res))
	}

	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("redis increment script returned unexpected count type %T", res[0])
	}
	ttlMs, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("redis increment script returned unexpected ttl type %T", res[1])
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Ping checks connectivity; used by the status endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements CounterStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
