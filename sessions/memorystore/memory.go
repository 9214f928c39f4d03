// Package memorystore is an in-process sessions.Store for tests and
// single-node deployments.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/sessions"
)

// DefaultTombstoneRetention bounds how long ended sessions are remembered.
// After that the id reports as unknown, which callers treat the same way.
const DefaultTombstoneRetention = time.Hour

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*sessions.Metadata
	retention time.Duration
	lastPrune time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTombstoneRetention overrides DefaultTombstoneRetention.
func WithTombstoneRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*sessions.Metadata),
		retention: DefaultTombstoneRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ sessions.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, meta *sessions.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(meta.CreatedAt)

	if _, ok := s.sessions[meta.SessionID]; ok {
		return sessions.ErrSessionExists
	}
	cp := *meta
	s.sessions[meta.SessionID] = &cp
	return nil
}

func (s *Store) Load(ctx context.Context, sessionID string) (*sessions.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	cp := *meta
	return &cp, nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) (*sessions.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if meta.State == sessions.StateActive {
		if meta.IdleAt(now) {
			meta.State = sessions.StateExpired
			meta.EndedAt = now
		} else if now.After(meta.LastSeenAt) {
			meta.LastSeenAt = now
		}
	}
	cp := *meta
	return &cp, nil
}

func (s *Store) End(ctx context.Context, sessionID string, to sessions.State, now time.Time) (*sessions.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if meta.State == sessions.StateActive && to.Terminal() {
		meta.State = to
		meta.EndedAt = now
	}
	cp := *meta
	return &cp, nil
}

// pruneLocked forgets ended sessions older than the retention window. It
// runs at most once per minute.
func (s *Store) pruneLocked(now time.Time) {
	if s.retention <= 0 || now.Sub(s.lastPrune) < time.Minute {
		return
	}
	s.lastPrune = now
	for id, meta := range s.sessions {
		if meta.State.Terminal() && now.Sub(meta.EndedAt) > s.retention {
			delete(s.sessions, id)
		}
	}
}
