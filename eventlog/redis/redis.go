// Package redis is an eventlog.Log on Redis Streams. Each stream log is a
// Redis stream whose entry ids are "<event id>-0", so XRANGE can address
// events directly. A companion counter key keeps ids monotonic after
// trimming.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=streamable:events:"`
	// MaxEvents per stream. ENV: EVENTLOG_MAX_EVENTS
	MaxEvents int `env:"EVENTLOG_MAX_EVENTS,default=1024"`
	// MaxAge per event; zero disables the age bound. ENV: EVENTLOG_MAX_AGE
	MaxAge time.Duration `env:"EVENTLOG_MAX_AGE,default=0s"`
	// KeyTTL drops a stream's keys after this long without appends,
	// replays or refreshes. ENV: EVENTLOG_KEY_TTL
	KeyTTL time.Duration `env:"EVENTLOG_KEY_TTL,default=24h"`
}

// Log implements eventlog.Log on Redis.
type Log struct {
	client    redis.UniversalClient
	keyPrefix string
	retention eventlog.Retention
	keyTTL    time.Duration
	now       func() time.Time
	ownClient bool
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

var (
	_ eventlog.Log       = (*Log)(nil)
	_ eventlog.Refresher = (*Log)(nil)
)

// New dials Redis at cfg.RedisAddr and verifies connectivity.
func New(ctx context.Context, cfg Config, opts ...Option) (*Log, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewWithClient(cl, cfg, opts...)
	l.ownClient = true
	return l, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, cfg Config, opts ...Option) *Log {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamable:events:"
	}
	l := &Log{
		client:    client,
		keyPrefix: prefix,
		retention: eventlog.Retention{MaxEvents: cfg.MaxEvents, MaxAge: cfg.MaxAge}.Normalize(),
		keyTTL:    cfg.KeyTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg, opts...)
}

// Close closes the Redis client if the log created it.
func (l *Log) Close() error {
	if l.ownClient {
		return l.client.Close()
	}
	return nil
}

// --- Key helpers ---
// The session id is wrapped in a hash tag so every key of a session lands
// on the same cluster slot.

func (l *Log) streamKey(k eventlog.Key) string {
	return l.keyPrefix + "{" + k.SessionID + "}:" + k.StreamID
}
func (l *Log) seqKey(k eventlog.Key) string { return l.streamKey(k) + ":seq" }
func (l *Log) indexKey(sessionID string) string {
	return l.keyPrefix + "{" + sessionID + "}:streams"
}

var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], 'MAXLEN', ARGV[2], seq .. '-0', 'd', ARGV[1], 't', ARGV[3])
redis.call('SADD', KEYS[3], KEYS[1], KEYS[2])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return seq
`)

func (l *Log) Append(ctx context.Context, key eventlog.Key, payload []byte) (eventlog.Event, error) {
	now := l.now().UTC().Truncate(time.Millisecond)
	seq, err := appendScript.Run(ctx, l.client,
		[]string{l.streamKey(key), l.seqKey(key), l.indexKey(key.SessionID)},
		payload, l.retention.MaxEvents, now.UnixMilli(), l.keyTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("redis append: %w", err)
	}
	return eventlog.Event{ID: uint64(seq), Payload: payload, EmittedAt: now}, nil
}

func (l *Log) Replay(ctx context.Context, key eventlog.Key, after uint64) ([]eventlog.Event, error) {
	var (
		rng *redis.XMessageSliceCmd
		seq *redis.StringCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.XRange(ctx, l.streamKey(key), strconv.FormatUint(after+1, 10)+"-0", "+")
		seq = pipe.Get(ctx, l.seqKey(key))
		l.expire(ctx, pipe, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis replay: %w", err)
	}

	var last uint64
	if v, err := seq.Uint64(); err == nil {
		last = v
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis replay seq: %w", err)
	}

	msgs, err := rng.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis replay range: %w", err)
	}
	events := make([]eventlog.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeEntry(m)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	events = eventlog.DropExpired(events, l.retention.MaxAge, l.now())

	if err := eventlog.CheckContiguous(events, after, last); err != nil {
		return nil, err
	}
	return events, nil
}

// Refresh extends the TTL of the stream's keys.
func (l *Log) Refresh(ctx context.Context, key eventlog.Key) error {
	if l.keyTTL <= 0 {
		return nil
	}
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		l.expire(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	return nil
}

// expire queues the TTL refresh of every key the stream touches. A missing
// key is left alone.
func (l *Log) expire(ctx context.Context, pipe redis.Pipeliner, key eventlog.Key) {
	if l.keyTTL <= 0 {
		return
	}
	pipe.PExpire(ctx, l.streamKey(key), l.keyTTL)
	pipe.PExpire(ctx, l.seqKey(key), l.keyTTL)
	pipe.PExpire(ctx, l.indexKey(key.SessionID), l.keyTTL)
}

func (l *Log) Delete(ctx context.Context, key eventlog.Key) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, l.streamKey(key), l.seqKey(key))
		pipe.SRem(ctx, l.indexKey(key.SessionID), l.streamKey(key), l.seqKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (l *Log) DeleteSession(ctx context.Context, sessionID string) error {
	idx := l.indexKey(sessionID)
	keys, err := l.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete session: %w", err)
	}
	keys = append(keys, idx)
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func decodeEntry(m redis.XMessage) (eventlog.Event, error) {
	var ev eventlog.Event
	idPart := m.ID
	for i := 0; i < len(idPart); i++ {
		if idPart[i] == '-' {
			idPart = idPart[:i]
			break
		}
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("redis entry id %q: %w", m.ID, err)
	}
	ev.ID = id

	// Robust payload decoding: accept string or []byte
	switch v := m.Values["d"].(type) {
	case string:
		ev.Payload = []byte(v)
	case []byte:
		ev.Payload = v
	default:
		return ev, fmt.Errorf("redis entry %q: unexpected payload type %T", m.ID, v)
	}

	if ts, ok := m.Values["t"].(string); ok {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("redis entry %q timestamp: %w", m.ID, err)
		}
		ev.EmittedAt = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}
