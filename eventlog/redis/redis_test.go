package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog/eventlogtest"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

func TestRedisLog(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	l, err := NewFromEnv(context.Background())
	if err != nil {
		t.Skipf("skipping redis event log tests: %v", err)
		return
	}
	_ = l.Close()

	var cfg Config
	_ = envdecode.Decode(&cfg)

	eventlogtest.RunLogTests(t, func(t *testing.T, r eventlog.Retention, now func() time.Time) eventlog.Log {
		c := cfg
		c.KeyPrefix = "streamable:test:" + uuid.NewString() + ":"
		c.MaxEvents = r.MaxEvents
		c.MaxAge = r.MaxAge
		ll, err := New(context.Background(), c, WithClock(now))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = ll.Close() })
		return ll
	})
}

func TestKeyTTLRefresh(t *testing.T) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping redis event log tests: %v", err)
	}

	cfg.KeyPrefix = "streamable:test:" + uuid.NewString() + ":"
	cfg.KeyTTL = time.Hour
	l := NewWithClient(client, cfg)
	key := eventlog.Key{SessionID: "s1", StreamID: "push"}
	if _, err := l.Append(ctx, key, []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	t.Cleanup(func() { _ = l.DeleteSession(context.Background(), key.SessionID) })

	shorten := func() {
		t.Helper()
		for _, k := range []string{l.streamKey(key), l.seqKey(key), l.indexKey(key.SessionID)} {
			if err := client.PExpire(ctx, k, time.Second).Err(); err != nil {
				t.Fatalf("pexpire %s: %v", k, err)
			}
		}
	}
	assertRefreshed := func(op string) {
		t.Helper()
		for _, k := range []string{l.streamKey(key), l.seqKey(key), l.indexKey(key.SessionID)} {
			ttl, err := client.PTTL(ctx, k).Result()
			if err != nil {
				t.Fatalf("pttl %s: %v", k, err)
			}
			if ttl < time.Minute {
				t.Fatalf("expected %s to refresh the TTL of %s, got %v", op, k, ttl)
			}
		}
	}

	shorten()
	if _, err := l.Replay(ctx, key, 0); err != nil {
		t.Fatalf("replay: %v", err)
	}
	assertRefreshed("replay")

	shorten()
	if err := l.Refresh(ctx, key); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	assertRefreshed("refresh")
}
