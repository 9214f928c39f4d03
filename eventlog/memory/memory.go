// Package memory is an in-process eventlog.Log.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
)

// Log is an in-memory implementation of eventlog.Log.
type Log struct {
	mu        sync.Mutex
	sessions  map[string]map[string]*stream
	retention eventlog.Retention
	now       func() time.Time
}

type stream struct {
	last   uint64
	events []eventlog.Event
}

// Option configures a Log.
type Option func(*Log)

// WithRetention sets the eviction policy.
func WithRetention(r eventlog.Retention) Option {
	return func(l *Log) { l.retention = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		sessions: make(map[string]map[string]*stream),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.retention = l.retention.Normalize()
	return l
}

var _ eventlog.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, key eventlog.Key, payload []byte) (eventlog.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	streams, ok := l.sessions[key.SessionID]
	if !ok {
		streams = make(map[string]*stream)
		l.sessions[key.SessionID] = streams
	}
	s, ok := streams[key.StreamID]
	if !ok {
		s = &stream{}
		streams[key.StreamID] = s
	}

	s.last++
	ev := eventlog.Event{
		ID:        s.last,
		Payload:   append([]byte(nil), payload...),
		EmittedAt: l.now().UTC(),
	}
	s.events = append(s.events, ev)
	l.evictLocked(s)

	return ev, nil
}

func (l *Log) Replay(ctx context.Context, key eventlog.Key, after uint64) ([]eventlog.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s *stream
	if streams, ok := l.sessions[key.SessionID]; ok {
		s = streams[key.StreamID]
	}
	if s == nil {
		return nil, eventlog.CheckContiguous(nil, after, 0)
	}
	l.evictLocked(s)

	// Events are dense: event i sits at index i - first.
	var out []eventlog.Event
	if len(s.events) > 0 {
		first := s.events[0].ID
		start := 0
		if after >= first {
			start = int(after - first + 1)
		}
		if start < len(s.events) {
			out = make([]eventlog.Event, len(s.events)-start)
			copy(out, s.events[start:])
		}
	}
	if err := eventlog.CheckContiguous(out, after, s.last); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Log) Delete(ctx context.Context, key eventlog.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if streams, ok := l.sessions[key.SessionID]; ok {
		delete(streams, key.StreamID)
		if len(streams) == 0 {
			delete(l.sessions, key.SessionID)
		}
	}
	return nil
}

func (l *Log) DeleteSession(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.sessions, sessionID)
	return nil
}

func (l *Log) evictLocked(s *stream) {
	if n := len(s.events) - l.retention.MaxEvents; n > 0 {
		s.events = s.events[n:]
	}
	s.events = eventlog.DropExpired(s.events, l.retention.MaxAge, l.now())
	// Reallocate once the backing array is mostly dead prefix.
	if cap(s.events) > 2*l.retention.MaxEvents && len(s.events) < cap(s.events)/4 {
		s.events = append([]eventlog.Event(nil), s.events...)
	}
}
