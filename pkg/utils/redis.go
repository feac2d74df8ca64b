package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var capAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
-- Returns 1 if acquired, 0 if the limit is reached.
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var capReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// CallCap bounds how many live calls one customer may hold across all API
// instances. Counters expire after TTL so a crashed instance cannot leak
// slots forever.
type CallCap struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewCallCap(rdb *redis.Client, prefix string, limit int, ttl time.Duration) (*CallCap, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	if prefix == "" {
		prefix = "calls:active"
	}
	return &CallCap{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}, nil
}

func (c *CallCap) key(customer string) string { return c.prefix + ":" + customer }

// Acquire takes a slot for customer. False means the limit is reached.
func (c *CallCap) Acquire(ctx context.Context, customer string) (bool, error) {
	if customer == "" {
		return false, errors.New("customer is required")
	}
	res, err := capAcquireScript.Run(ctx, c.rdb, []string{c.key(customer)}, c.limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire call cap: %w", err)
	}
	return res == 1, nil
}

// Release returns a slot taken by Acquire.
func (c *CallCap) Release(ctx context.Context, customer string) error {
	if customer == "" {
		return errors.New("customer is required")
	}
	if err := capReleaseScript.Run(ctx, c.rdb, []string{c.key(customer)}).Err(); err != nil {
		return fmt.Errorf("release call cap: %w", err)
	}
	return nil
}

// StreamPublisher appends entries to a Redis stream with XADD, trimmed
// approximately to MaxLen when set.
type StreamPublisher struct {
	rdb    *redis.Client
	maxLen int64
}

func NewStreamPublisher(rdb *redis.Client, maxLen int64) (*StreamPublisher, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &StreamPublisher{rdb: rdb, maxLen: maxLen}, nil
}

// Publish adds fields to stream and returns the entry id.
func (p *StreamPublisher) Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	if stream == "" {
		return "", errors.New("stream is required")
	}
	if len(fields) == 0 {
		return "", errors.New("fields are required")
	}
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}
