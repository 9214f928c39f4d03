package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// StreamKind distinguishes the two origins of a stream.
type StreamKind int

const (
	// RequestStream is opened by a POST carrying requests. It carries their
	// responses plus messages tied to them, and completes once every response
	// has been read.
	RequestStream StreamKind = iota + 1
	// PushStream is opened by a GET and carries server-initiated messages
	// only. It never completes on its own.
	PushStream
)

func (k StreamKind) String() string {
	switch k {
	case RequestStream:
		return "request"
	case PushStream:
		return "push"
	default:
		return "unknown"
	}
}

// FrameWriter is the connection side of a stream.
type FrameWriter interface {
	// WriteEvent writes one frame and flushes it.
	WriteEvent(id string, payload []byte) error
	// WriteKeepAlive writes a frame the client ignores.
	WriteKeepAlive() error
}

// Stream is one ordered, resumable sequence of frames within a session.
type Stream struct {
	e    *Engine
	sess *session
	key  eventlog.Key
	kind StreamKind

	// Guarded by sess.mu.
	att       *attachment
	sealed    bool
	remaining int
	finalSeq  uint64
	lastSeq   uint64
	usedAt    time.Time
	finished  bool
}

type attachment struct {
	wake chan struct{}
	gone chan struct{}
}

// ID returns the stream id, the prefix of every event id on the stream.
func (st *Stream) ID() string { return st.key.StreamID }

// SessionID returns the owning session's id.
func (st *Stream) SessionID() string { return st.key.SessionID }

// Kind returns the stream's kind.
func (st *Stream) Kind() StreamKind { return st.kind }

// OpenRequestStream registers a stream for the responses of one POST.
func (e *Engine) OpenRequestStream(ctx context.Context, sessionID string) (*Stream, error) {
	return e.open(ctx, sessionID, RequestStream)
}

// OpenPushStream registers a stream for server-initiated traffic and moves
// any pushes held in the session outbox onto it.
func (e *Engine) OpenPushStream(ctx context.Context, sessionID string) (*Stream, error) {
	if !e.push {
		return nil, ErrPushUnsupported
	}
	return e.open(ctx, sessionID, PushStream)
}

func (e *Engine) open(ctx context.Context, sessionID string, kind StreamKind) (*Stream, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	st := &Stream{
		e:    e,
		sess: s,
		key:  eventlog.Key{SessionID: sessionID, StreamID: uuid.NewString()},
		kind: kind,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.touchStreamLocked(st)
	s.streams[st.key.StreamID] = st
	var drainErr error
	if kind == PushStream {
		s.push = append(s.push, st)
		drainErr = e.drainOutboxLocked(ctx, s, st)
	}
	stale := s.trimLocked(e.maxIdleStreams)
	s.mu.Unlock()

	e.deleteStreams(ctx, stale)
	if drainErr != nil {
		e.logger.WarnContext(ctx, "correlation.outbox.drain.fail", slog.String("session_id", sessionID), slog.String("err", drainErr.Error()))
	}
	e.logger.DebugContext(ctx, "correlation.stream.open", slog.String("session_id", sessionID), slog.String("stream_id", st.key.StreamID), slog.String("kind", kind.String()))
	return st, nil
}

// ResumeStream returns the stream a client names in Last-Event-ID. A request
// stream that already delivered every response stays resumable until it is
// trimmed or its session ends, so a client that lost the connection before
// reading the tail can still fetch it. Trimmed streams and streams owned by
// another process are not found; callers report those as unresumable.
func (e *Engine) ResumeStream(sessionID, streamID string) (*Stream, error) {
	s := e.lookup(sessionID)
	if s == nil {
		return nil, ErrStreamNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	st, ok := s.streams[streamID]
	if !ok || st.finished {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

func (e *Engine) drainOutboxLocked(ctx context.Context, s *session, st *Stream) error {
	for len(s.outbox) > 0 {
		if _, err := e.appendLocked(ctx, st, s.outbox[0]); err != nil {
			return err
		}
		s.outbox = s.outbox[1:]
	}
	s.outbox = nil
	return nil
}

func (e *Engine) deleteStreams(ctx context.Context, keys []eventlog.Key) {
	for _, k := range keys {
		if err := e.log.Delete(context.WithoutCancel(ctx), k); err != nil {
			e.logger.WarnContext(ctx, "correlation.stream.delete.fail", slog.String("stream", k.String()), slog.String("err", err.Error()))
		}
	}
}

// Seal declares that no further requests will be dispatched on a request
// stream, allowing it to complete once the pending responses are read.
func (st *Stream) Seal() {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	st.sealed = true
	st.wakeLocked()
}

func (st *Stream) expectLocked() {
	st.remaining++
}

// acceptsLocked reports whether messages may still be appended.
func (st *Stream) acceptsLocked() bool {
	if st.finished {
		return false
	}
	return st.kind == PushStream || !st.sealed || st.remaining > 0
}

// drainedLocked reports whether a request stream has produced all it will.
func (st *Stream) drainedLocked() bool {
	return st.kind == RequestStream && st.sealed && st.remaining == 0
}

func (st *Stream) completeAtLocked(cursor uint64) bool {
	return st.drainedLocked() && cursor >= st.finalSeq
}

func (st *Stream) wakeLocked() {
	if st.att == nil {
		return
	}
	select {
	case st.att.wake <- struct{}{}:
	default:
	}
}

func (st *Stream) attach() (*attachment, error) {
	s := st.sess
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if st.finished {
		return nil, ErrStreamNotFound
	}
	if st.att != nil {
		close(st.att.gone)
	}
	a := &attachment{wake: make(chan struct{}, 1), gone: make(chan struct{})}
	a.wake <- struct{}{}
	st.att = a
	s.touchStreamLocked(st)
	return a, nil
}

func (st *Stream) release(a *attachment) {
	s := st.sess
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.att == a {
		st.att = nil
		s.touchStreamLocked(st)
	}
}

// Serve attaches the connection w to the stream and writes every event after
// the given id, then live events as they are appended, until one of:
//
//   - the stream completes (nil), immediately when resuming a completed
//     stream past its last event,
//   - ctx is done, typically because the client went away (ctx.Err()),
//   - the session is closed (ErrSessionClosed),
//   - another connection attaches to the stream (ErrStreamSuperseded),
//   - the reader needs an event that is no longer retained
//     (eventlog.ErrUnresumable),
//   - w fails.
//
// A stream has at most one attached connection. Leaving Serve detaches it;
// the stream and its pending work remain so a later Serve can resume.
func (st *Stream) Serve(ctx context.Context, after uint64, w FrameWriter) error {
	a, err := st.attach()
	if err != nil {
		return err
	}
	defer st.release(a)

	e := st.e
	var keepAlive <-chan time.Time
	if e.keepAlive > 0 {
		t := time.NewTicker(e.keepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	cursor := after
	for {
		select {
		case <-a.wake:
		case <-a.gone:
			return ErrStreamSuperseded
		case <-st.sess.ctx.Done():
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive:
			if err := w.WriteKeepAlive(); err != nil {
				return fmt.Errorf("correlation: write keepalive: %w", err)
			}
			if r, ok := e.log.(eventlog.Refresher); ok {
				if err := r.Refresh(ctx, st.key); err != nil {
					e.logger.WarnContext(ctx, "correlation.stream.refresh.fail", slog.String("stream", st.key.String()), slog.String("err", err.Error()))
				}
			}
			continue
		}

		events, err := e.log.Replay(ctx, st.key, cursor)
		if err != nil {
			if errors.Is(err, eventlog.ErrUnresumable) {
				e.logger.WarnContext(ctx, "correlation.stream.unresumable", slog.String("stream", st.key.String()), slog.Uint64("after", cursor))
				e.count("correlation_streams_unresumable_total", map[string]string{"kind": st.kind.String()})
			}
			return err
		}
		for _, ev := range events {
			if err := w.WriteEvent(eventlog.FormatEventID(st.key.StreamID, ev.ID), ev.Payload); err != nil {
				return fmt.Errorf("correlation: write event: %w", err)
			}
			cursor = ev.ID
		}

		if st.complete(cursor) {
			return nil
		}
	}
}

// complete reports whether a reader at cursor has seen everything the stream
// will produce. The stream and its events are kept: a write that reached a
// dead connection still succeeds here, and the client must be able to replay
// it. Completed streams are idle, so trimLocked evicts them.
func (st *Stream) complete(cursor uint64) bool {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.completeAtLocked(cursor)
}

// Deliver appends msg to the stream and wakes its connection. A Response
// counts towards the responses a request stream waits for.
func (e *Engine) Deliver(ctx context.Context, st *Stream, msg jsonrpc.Message) error {
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("correlation: encode: %w", err)
	}
	s := st.sess
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !st.acceptsLocked() {
		return ErrStreamClosed
	}
	ev, err := e.appendLocked(ctx, st, payload)
	if err != nil {
		return err
	}
	if _, ok := msg.(*jsonrpc.Response); ok && st.kind == RequestStream && st.remaining > 0 {
		st.remaining--
		if st.remaining == 0 {
			st.finalSeq = ev.ID
		}
	}
	return nil
}

// appendLocked assigns the next event id of st to payload. Appends use a
// context detached from the caller's so that a response produced on an
// expired request context is still recorded.
func (e *Engine) appendLocked(ctx context.Context, st *Stream, payload []byte) (eventlog.Event, error) {
	ev, err := e.log.Append(context.WithoutCancel(ctx), st.key, payload)
	if err != nil {
		return ev, fmt.Errorf("correlation: append to %s: %w", st.key, err)
	}
	st.lastSeq = ev.ID
	st.wakeLocked()
	return ev, nil
}
