package correlation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
	"github.com/ggoodman/mcp-streaming-http-go/sessions"
)

const (
	shardCount = 64

	instrumentationName = "github.com/ggoodman/mcp-streaming-http-go/correlation"

	// DefaultRequestTimeout bounds processing of a single client request.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultKeepAlive is the idle interval after which Serve emits a
	// keepalive frame.
	DefaultKeepAlive = 15 * time.Second
	// DefaultMaxIdleStreams is how many detached, resumable streams a session
	// keeps before the least recently used are dropped.
	DefaultMaxIdleStreams = 16
	// DefaultReapInterval is how often Run checks local sessions.
	DefaultReapInterval = time.Minute
)

// Processor executes client requests and notifications. HandleRequest must
// honour ctx: it is cancelled on timeout, on explicit cancellation and when
// the session ends. Either a Response or an error may be returned; a
// *jsonrpc.Error is sent to the client as is and any other error becomes an
// internal error.
type Processor interface {
	HandleRequest(ctx context.Context, peer Peer, req *jsonrpc.Request) (*jsonrpc.Response, error)
	HandleNotification(ctx context.Context, peer Peer, n *jsonrpc.Notification) error
}

// SessionTracker is the part of *sessions.Manager used by the reaper.
type SessionTracker interface {
	Validate(ctx context.Context, sessionID string) (sessions.State, error)
	Touch(ctx context.Context, sessionID string) (*sessions.Metadata, error)
}

// MetricsSink receives engine metrics.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Engine correlates requests with responses across the streams of many
// sessions. It is safe for concurrent use.
type Engine struct {
	log     eventlog.Log
	proc    Processor
	logger  *slog.Logger
	metrics MetricsSink
	tracer  trace.Tracer

	requestTimeout time.Duration
	keepAlive      time.Duration
	outboxLimit    int
	maxIdleStreams int
	push           bool

	tracker      SessionTracker
	reapInterval time.Duration

	closed atomic.Bool
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets the provider of the tracer used for request spans.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithRequestTimeout bounds request processing and server-to-client calls.
// Zero or negative disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithKeepAlive sets the keepalive interval of Serve. Zero or negative
// disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(e *Engine) { e.keepAlive = d }
}

// WithOutboxLimit bounds the number of pushes held for a session that has no
// push stream. It defaults to eventlog.DefaultMaxEvents.
func WithOutboxLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.outboxLimit = n
		}
	}
}

// WithMaxIdleStreams bounds the detached streams kept for resumption.
func WithMaxIdleStreams(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIdleStreams = n
		}
	}
}

// WithoutPush disables push streams. Server-initiated messages that cannot
// ride a request stream fail with ErrPushUnsupported.
func WithoutPush() Option {
	return func(e *Engine) { e.push = false }
}

// WithSessionReaper makes Run check every local session against t at the
// given interval, tearing down those that are no longer active. Sessions with
// a connected stream are touched instead so a listening client is not
// considered idle.
func WithSessionReaper(t SessionTracker, interval time.Duration) Option {
	return func(e *Engine) {
		e.tracker = t
		if interval > 0 {
			e.reapInterval = interval
		}
	}
}

// NewEngine creates an Engine that stores frames in log and hands client
// messages to proc.
func NewEngine(log eventlog.Log, proc Processor, opts ...Option) *Engine {
	e := &Engine{
		log:            log,
		proc:           proc,
		logger:         slog.Default(),
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		requestTimeout: DefaultRequestTimeout,
		keepAlive:      DefaultKeepAlive,
		outboxLimit:    eventlog.DefaultMaxEvents,
		maxIdleStreams: DefaultMaxIdleStreams,
		push:           true,
		reapInterval:   DefaultReapInterval,
	}
	for i := range e.shards {
		e.shards[i].sessions = make(map[string]*session)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PushEnabled reports whether push streams may be opened.
func (e *Engine) PushEnabled() bool { return e.push }

func (e *Engine) shardFor(sessionID string) *shard {
	return &e.shards[xxhash.Sum64String(sessionID)%shardCount]
}

// session returns the local state of sessionID, creating it on first use.
// Callers are expected to have validated the session beforehand.
func (e *Engine) session(sessionID string) (*session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	sh := e.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		s = newSession(sessionID)
		sh.sessions[sessionID] = s
	}
	return s, nil
}

func (e *Engine) lookup(sessionID string) *session {
	sh := e.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sessions[sessionID]
}

func (e *Engine) detach(sessionID string) *session {
	sh := e.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	return s
}

func (e *Engine) sessionIDs() []string {
	var ids []string
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	return ids
}

// CloseSession tears down everything the engine holds for a session: pending
// requests are cancelled, outstanding calls fail, attached connections are
// released and the session's event logs are deleted. It is safe to call for a
// session the engine has never seen.
func (e *Engine) CloseSession(ctx context.Context, sessionID string, cause error) error {
	if cause == nil {
		cause = ErrSessionClosed
	}
	if s := e.detach(sessionID); s != nil {
		s.shutdown(cause)
	}
	if err := e.log.DeleteSession(context.WithoutCancel(ctx), sessionID); err != nil {
		e.logger.ErrorContext(ctx, "correlation.close_session.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return err
	}
	e.logger.InfoContext(ctx, "correlation.close_session.ok", slog.String("session_id", sessionID), slog.String("cause", cause.Error()))
	return nil
}

// Close stops all local work. Event logs are left in place so that another
// process sharing them can resume the streams.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		victims := sh.sessions
		sh.sessions = make(map[string]*session)
		sh.mu.Unlock()
		for _, s := range victims {
			s.shutdown(ErrEngineClosed)
		}
	}
}

// Run reaps sessions until ctx is done. Without WithSessionReaper it only
// waits for ctx.
func (e *Engine) Run(ctx context.Context) error {
	if e.tracker == nil {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(e.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.reap(ctx)
		}
	}
}

func (e *Engine) reap(ctx context.Context) {
	for _, id := range e.sessionIDs() {
		s := e.lookup(id)
		if s == nil {
			continue
		}
		if s.connected() {
			if _, err := e.tracker.Touch(ctx, id); err == nil {
				continue
			}
		}
		state, err := e.tracker.Validate(ctx, id)
		if err != nil {
			e.logger.WarnContext(ctx, "correlation.reap.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			continue
		}
		if state == sessions.StateActive {
			continue
		}
		if err := e.CloseSession(ctx, id, ErrSessionClosed); err == nil {
			e.logger.InfoContext(ctx, "correlation.reap.ok", slog.String("session_id", id), slog.String("state", state.String()))
			e.count("correlation_sessions_reaped_total", map[string]string{"state": state.String()})
		}
	}
}

func (e *Engine) count(name string, tags map[string]string) {
	if e.metrics != nil {
		e.metrics.IncCounter(name, tags)
	}
}

func (e *Engine) observe(name string, v float64, tags map[string]string) {
	if e.metrics != nil {
		e.metrics.ObserveHistogram(name, v, tags)
	}
}
