// Package redisstore is a sessions.Store backed by one Redis hash per
// session. State transitions run as Lua scripts so a concurrent Touch can
// never revive a session another node has just expired.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=streamable:sessions:"`
	// TombstoneRetention is how long an ended session's record outlives it.
	// ENV: SESSIONS_TOMBSTONE_RETENTION
	TombstoneRetention time.Duration `env:"SESSIONS_TOMBSTONE_RETENTION,default=1h"`
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
	ownClient bool
}

var _ sessions.Store = (*Store)(nil)

// New dials Redis at cfg.RedisAddr and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, cfg)
	s.ownClient = true
	return s, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamable:sessions:"
	}
	retention := cfg.TombstoneRetention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{client: client, keyPrefix: prefix, retention: retention}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client if the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(sessionID string) string { return s.keyPrefix + sessionID }

// Hash fields: state, created, last_seen, ended, ttl. Times and durations
// are stored as Unix milliseconds.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'state', 'active', 'created', ARGV[1], 'last_seen', ARGV[1], 'ended', 0, 'ttl', ARGV[2])
local ttl = tonumber(ARGV[2])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[3])) end
return 1
`)

var touchScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return false end
if st == 'active' then
  local now = tonumber(ARGV[1])
  local ttl = tonumber(redis.call('HGET', KEYS[1], 'ttl'))
  local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen'))
  if ttl > 0 and now - last > ttl then
    redis.call('HSET', KEYS[1], 'state', 'expired', 'ended', now)
    redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  elseif now > last then
    redis.call('HSET', KEYS[1], 'last_seen', now)
    if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[2])) end
  end
end
return redis.call('HGETALL', KEYS[1])
`)

var endScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return false end
if st == 'active' then
  redis.call('HSET', KEYS[1], 'state', ARGV[1], 'ended', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
end
return redis.call('HGETALL', KEYS[1])
`)

func (s *Store) Create(ctx context.Context, meta *sessions.Metadata) error {
	res, err := createScript.Run(ctx, s.client,
		[]string{s.key(meta.SessionID)},
		meta.CreatedAt.UnixMilli(), meta.TTL.Milliseconds(), s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	if res == 0 {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sessionID string) (*sessions.Metadata, error) {
	fields, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, sessions.ErrSessionNotFound
	}
	return decodeMetadata(sessionID, fields)
}

func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) (*sessions.Metadata, error) {
	res, err := touchScript.Run(ctx, s.client,
		[]string{s.key(sessionID)},
		now.UnixMilli(), s.retention.Milliseconds(),
	).Slice()
	return s.scriptResult(sessionID, res, err)
}

func (s *Store) End(ctx context.Context, sessionID string, to sessions.State, now time.Time) (*sessions.Metadata, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("redisstore: cannot end session in state %s", to)
	}
	res, err := endScript.Run(ctx, s.client,
		[]string{s.key(sessionID)},
		to.String(), now.UnixMilli(), s.retention.Milliseconds(),
	).Slice()
	return s.scriptResult(sessionID, res, err)
}

func (s *Store) scriptResult(sessionID string, res []interface{}, err error) (*sessions.Metadata, error) {
	if errors.Is(err, redis.Nil) {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis session script: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeMetadata(sessionID, fields)
}

func decodeMetadata(sessionID string, fields map[string]string) (*sessions.Metadata, error) {
	state, err := sessions.ParseState(fields["state"])
	if err != nil {
		return nil, err
	}
	ms := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redisstore: field %s: %w", name, err)
		}
		return v, nil
	}
	created, err := ms("created")
	if err != nil {
		return nil, err
	}
	lastSeen, err := ms("last_seen")
	if err != nil {
		return nil, err
	}
	ended, err := ms("ended")
	if err != nil {
		return nil, err
	}
	ttl, err := ms("ttl")
	if err != nil {
		return nil, err
	}
	meta := &sessions.Metadata{
		SessionID:  sessionID,
		CreatedAt:  time.UnixMilli(created).UTC(),
		LastSeenAt: time.UnixMilli(lastSeen).UTC(),
		TTL:        time.Duration(ttl) * time.Millisecond,
		State:      state,
	}
	if ended > 0 {
		meta.EndedAt = time.UnixMilli(ended).UTC()
	}
	return meta, nil
}
