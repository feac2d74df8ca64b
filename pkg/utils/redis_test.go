package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestCapScriptsInitialized(t *testing.T) {
	if capAcquireScript == nil || capReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestNewCallCap_Validation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	if _, err := NewCallCap(nil, "", 1, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewCallCap(rdb, "", 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewCallCap(rdb, "", 1, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	c, err := NewCallCap(rdb, "", 2, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.key("cust-1"); got != "calls:active:cust-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, err := c.Acquire(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty customer")
	}
}

func TestStreamPublisher_Validation(t *testing.T) {
	if _, err := NewStreamPublisher(nil, 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	p, err := NewStreamPublisher(rdb, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Publish(context.Background(), "", map[string]any{"a": 1}); err == nil {
		t.Fatalf("expected error for empty stream")
	}
	if _, err := p.Publish(context.Background(), "s", nil); err == nil {
		t.Fatalf("expected error for empty fields")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{MinIdleConns: -1}.withDefaults()
	if c.PoolSize != 20 || c.MinIdleConns != 0 || c.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", c)
	}
}
