package correlation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// session is the engine's local state for one session. Everything below mu
// is guarded by it, and event ids are only assigned while holding it.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*pendingRequest
	outbound map[string]*outboundCall
	streams  map[string]*Stream
	push     []*Stream
	next     int
	outbox   [][]byte
}

type pendingRequest struct {
	req    *jsonrpc.Request
	stream *Stream
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func()
}

type outboundCall struct {
	ch chan *jsonrpc.Response
}

func newSession(id string) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*pendingRequest),
		outbound: make(map[string]*outboundCall),
		streams:  make(map[string]*Stream),
	}
}

func (s *session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.inflight
	s.inflight = make(map[string]*pendingRequest)
	s.outbound = make(map[string]*outboundCall)
	for _, st := range s.streams {
		st.finished = true
	}
	s.outbox = nil
	s.mu.Unlock()

	for _, pr := range pending {
		pr.cancel(cause)
	}
	// Serve loops and outbound calls observe this.
	s.cancel(cause)
}

// connected reports whether any stream has a connection attached.
func (s *session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.att != nil {
			return true
		}
	}
	return false
}

// pickPushLocked chooses the push stream for the next server-initiated
// message: attached streams in rotation, else the most recently opened one so
// the message is replayed when the client reconnects to it.
func (s *session) pickPushLocked() *Stream {
	var attached []*Stream
	for _, st := range s.push {
		if st.att != nil {
			attached = append(attached, st)
		}
	}
	if len(attached) > 0 {
		st := attached[s.next%len(attached)]
		s.next++
		return st
	}
	if n := len(s.push); n > 0 {
		return s.push[n-1]
	}
	return nil
}

func (s *session) removeLocked(st *Stream) {
	st.finished = true
	delete(s.streams, st.key.StreamID)
	s.push = slices.DeleteFunc(s.push, func(p *Stream) bool { return p == st })
}

// trimLocked drops the least recently used idle streams beyond max and
// returns their keys for deletion from the log. A stream is idle when nothing
// is attached and it has nothing left to produce.
func (s *session) trimLocked(max int) []eventlog.Key {
	var idle []*Stream
	for _, st := range s.streams {
		if st.att == nil && (st.kind == PushStream || st.drainedLocked()) {
			idle = append(idle, st)
		}
	}
	if len(idle) <= max {
		return nil
	}
	slices.SortFunc(idle, func(a, b *Stream) int { return a.usedAt.Compare(b.usedAt) })
	var keys []eventlog.Key
	for _, st := range idle[:len(idle)-max] {
		s.removeLocked(st)
		keys = append(keys, st.key)
	}
	return keys
}

func (s *session) touchStreamLocked(st *Stream) {
	st.usedAt = time.Now()
}
