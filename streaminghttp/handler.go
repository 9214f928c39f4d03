package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-http-go/correlation"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/internal/logctx"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
	"github.com/ggoodman/mcp-streaming-http-go/metrics"
	"github.com/ggoodman/mcp-streaming-http-go/security"
	"github.com/ggoodman/mcp-streaming-http-go/sessions"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = security.SessionHeader
	originHeader       = "Origin"

	instrumentationName = "github.com/ggoodman/mcp-streaming-http-go/streaminghttp"

	// DefaultMaxBodyBytes bounds POST bodies.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultMaxBatchSize bounds the number of elements in a batch.
	DefaultMaxBatchSize = 256
	// DefaultInitializeMethod is the request method that may arrive without
	// a session and creates one.
	DefaultInitializeMethod = "initialize"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeJSONRPCError answers with a single JSON-RPC error object. It is used
// when the payload itself is at fault and no element could be answered
// individually.
func writeJSONRPCError(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	b, err := jsonrpc.Encode(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode error")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// ResponseMode selects how POSTs carrying requests are answered.
type ResponseMode int

const (
	// ResponseModeAuto streams when the client accepts text/event-stream and
	// answers with a JSON body otherwise.
	ResponseModeAuto ResponseMode = iota
	// ResponseModeJSON always answers with a single JSON body.
	ResponseModeJSON
	// ResponseModeSSE always answers with an event stream.
	ResponseModeSSE
)

func (m ResponseMode) String() string {
	switch m {
	case ResponseModeJSON:
		return "json"
	case ResponseModeSSE:
		return "sse"
	default:
		return "auto"
	}
}

// ParseResponseMode parses "auto", "json" or "sse".
func ParseResponseMode(s string) (ResponseMode, error) {
	switch s {
	case "", "auto":
		return ResponseModeAuto, nil
	case "json":
		return ResponseModeJSON, nil
	case "sse":
		return ResponseModeSSE, nil
	}
	return ResponseModeAuto, fmt.Errorf("unknown response mode %q", s)
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger           *slog.Logger
	security         *security.Validator
	metrics          *metrics.Metrics
	tracerProvider   trace.TracerProvider
	mode             ResponseMode
	noPush           bool
	initializeMethod string
	maxBodyBytes     int64
	maxBatchSize     int
}

// WithLogger sets the logger used by the server. If not provided, slog.Default() is used.
// Records are emitted with the request context, so a handler that reads
// request and session attributes from it will tag them.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithSecurity sets the Origin validator. The default allows loopback
// origins and requests without an Origin header.
func WithSecurity(v *security.Validator) Option {
	return func(c *newConfig) { c.security = v }
}

// WithMetrics records open stream gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithTracerProvider sets the provider of request spans. The global provider
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *newConfig) { c.tracerProvider = tp }
}

// WithResponseMode selects how POSTs with requests are answered.
func WithResponseMode(m ResponseMode) Option {
	return func(c *newConfig) { c.mode = m }
}

// WithoutServerPush refuses GET streams with 405. Build the engine with
// correlation.WithoutPush as well so that pushes fail instead of queueing.
func WithoutServerPush() Option {
	return func(c *newConfig) { c.noPush = true }
}

// WithInitializeMethod names the request that creates a session when it
// arrives without one.
func WithInitializeMethod(method string) Option {
	return func(c *newConfig) { c.initializeMethod = method }
}

// WithMaxBodyBytes bounds POST bodies; larger bodies are refused with 413.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithMaxBatchSize bounds the number of elements in a batch.
func WithMaxBatchSize(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// StreamingHTTPHandler implements the Streamable HTTP transport: POST
// carries client messages, GET opens server-push streams and DELETE ends the
// session.
type StreamingHTTPHandler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	sessions *sessions.Manager
	eng      *correlation.Engine
	security *security.Validator

	mode             ResponseMode
	push             bool
	initializeMethod string
	maxBodyBytes     int64
	maxBatchSize     int
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving endpoint, which may be a path
// ("/mcp") or an absolute URL whose path is used.
//
// Required:
//   - mgr: the session manager deciding which session ids are valid
//   - eng: the correlation engine owning streams and pending requests
func New(endpoint string, mgr *sessions.Manager, eng *correlation.Engine, opts ...Option) (*StreamingHTTPHandler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("correlation engine is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	cfg := &newConfig{
		logger:           slog.Default(),
		initializeMethod: DefaultInitializeMethod,
		maxBodyBytes:     DefaultMaxBodyBytes,
		maxBatchSize:     DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.security == nil {
		cfg.security = security.NewValidator(security.DefaultPolicy(), security.WithLogger(cfg.logger))
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = otel.GetTracerProvider()
	}

	h := &StreamingHTTPHandler{
		log:              cfg.logger,
		tracer:           cfg.tracerProvider.Tracer(instrumentationName),
		metrics:          cfg.metrics,
		sessions:         mgr,
		eng:              eng,
		security:         cfg.security,
		mode:             cfg.mode,
		push:             !cfg.noPush && eng.PushEnabled(),
		initializeMethod: cfg.initializeMethod,
		maxBodyBytes:     cfg.maxBodyBytes,
		maxBatchSize:     cfg.maxBatchSize,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(u)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(u)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(u)), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// ServeHTTP validates the Origin header before any routing so that rejected
// requests never reach session or message handling.
func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if origin := r.Header.Get(originHeader); !h.security.ValidateOrigin(origin) {
		h.log.WarnContext(ctx, "security.origin.reject", slog.String("origin", origin))
		writeJSONError(w, http.StatusForbidden, security.ErrOriginNotAllowed.Error())
		return
	}
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// requireSession resolves the request's session and records activity on it.
// On failure the response has been written and ok is false.
func (h *StreamingHTTPHandler) requireSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	sessID, err := security.RequireSession(r.Header)
	if err != nil {
		h.log.InfoContext(ctx, "session.id.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if ok := h.touchSession(ctx, w, sessID); !ok {
		return "", false
	}
	return sessID, true
}

func (h *StreamingHTTPHandler) touchSession(ctx context.Context, w http.ResponseWriter, sessID string) bool {
	if _, err := h.sessions.Touch(ctx, sessID); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound),
			errors.Is(err, sessions.ErrSessionExpired),
			errors.Is(err, sessions.ErrSessionTerminated):
			h.log.InfoContext(ctx, "session.load.reject", slog.String("session_id", sessID), slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("session_id", sessID), slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		}
		return false
	}
	return true
}

func (h *StreamingHTTPHandler) startSpan(ctx context.Context, name string, r *http.Request) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("http.request.id", logctx.RequestID(ctx)),
		),
	)
}

// handleDeleteMCP terminates the session named by the request. Process-local
// resources of the session are torn down with it.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "streaminghttp.delete", r)
	defer span.End()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID, err := security.RequireSession(r.Header)
	if err != nil {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.sessions.Terminate(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to terminate session")
		return
	}
	if err := h.eng.CloseSession(ctx, sessID, sessions.ErrSessionTerminated); err != nil {
		h.log.WarnContext(ctx, "session.delete.cleanup.fail", slog.String("err", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP handles client messages. Batches without requests are
// acknowledged with 202; batches with requests are answered with a JSON body
// or an event stream depending on the response mode and Accept header.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "streaminghttp.post", r)
	defer span.End()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	stream, ok := h.negotiatePostMode(r)
	if !ok {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	// A named session is validated before the body is read. Only a POST
	// without one is decoded first, to find the initialize request.
	var sessID string
	if r.Header.Get(mcpSessionIDHeader) != "" {
		if sessID, ok = h.requireSession(ctx, w, r); !ok {
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	batch, err := jsonrpc.Decode(raw)
	switch {
	case errors.Is(err, jsonrpc.ErrParse):
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ParseErrorResponse())
		h.log.WarnContext(ctx, "jsonrpc.parse.fail")
		return
	case errors.Is(err, jsonrpc.ErrEmptyBatch):
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.EmptyBatchResponse())
		h.log.WarnContext(ctx, "jsonrpc.batch.empty")
		return
	case err != nil:
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ParseErrorResponse())
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(batch.Messages) > h.maxBatchSize {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: batch too large", nil))
		h.log.WarnContext(ctx, "jsonrpc.batch.too_large", slog.Int("size", len(batch.Messages)))
		return
	}

	if sessID == "" {
		if sessID, ok = h.initializeSession(ctx, w, batch); !ok {
			return
		}
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	span.SetAttributes(attribute.String("mcp.session.id", sessID), attribute.Int("jsonrpc.batch.size", len(batch.Messages)))

	if !batch.HasRequests() {
		h.acceptBatch(ctx, w, sessID, batch)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if stream {
		h.streamBatch(ctx, w, r, sessID, batch)
	} else {
		h.answerBatch(ctx, w, sessID, batch)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// negotiatePostMode reports whether requests on this POST are answered with
// an event stream. ok is false when the client accepts neither answer the
// mode allows.
func (h *StreamingHTTPHandler) negotiatePostMode(r *http.Request) (stream bool, ok bool) {
	acceptsSSE := accepts(r, eventStreamMediaTypes)
	acceptsJSON := accepts(r, jsonMediaTypes)
	switch h.mode {
	case ResponseModeJSON:
		return false, acceptsJSON
	case ResponseModeSSE:
		return true, acceptsSSE
	default:
		if r.Header.Get("Accept") == "" {
			return false, true
		}
		return acceptsSSE, acceptsSSE || acceptsJSON
	}
}

func accepts(r *http.Request, types []contenttype.MediaType) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, types)
	return err == nil
}

// initializeSession creates the session for a POST without a session header.
// Such a POST may only carry the initialize request; the new session is
// advertised in the response header.
func (h *StreamingHTTPHandler) initializeSession(ctx context.Context, w http.ResponseWriter, batch jsonrpc.Batch) (string, bool) {
	if !h.isInitialize(batch) {
		h.log.InfoContext(ctx, "session.id.missing")
		writeJSONError(w, http.StatusBadRequest, security.ErrSessionHeaderMissing.Error())
		return "", false
	}
	meta, err := h.sessions.Create(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return "", false
	}
	w.Header().Set(mcpSessionIDHeader, meta.SessionID)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("session_id", meta.SessionID))
	return meta.SessionID, true
}

func (h *StreamingHTTPHandler) isInitialize(batch jsonrpc.Batch) bool {
	for _, req := range batch.Requests() {
		if req.Method == h.initializeMethod {
			return true
		}
	}
	return false
}

// acceptBatch hands notifications and responses to the engine. Malformed
// elements cannot be answered individually without requests in the batch, so
// the first one is reported as a JSON-RPC error without id.
func (h *StreamingHTTPHandler) acceptBatch(ctx context.Context, w http.ResponseWriter, sessID string, batch jsonrpc.Batch) {
	if _, err := h.eng.DispatchSync(ctx, sessID, batch); err != nil {
		h.log.ErrorContext(ctx, "jsonrpc.dispatch.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to dispatch messages")
		return
	}
	if malformed := batch.Malformed(); len(malformed) > 0 {
		h.log.InfoContext(ctx, "jsonrpc.message.invalid", slog.Int("count", len(malformed)))
		resp := malformed[0].Response()
		resp.ID = nil
		writeJSONRPCError(w, http.StatusBadRequest, resp)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// answerBatch waits for every response and writes them as one JSON body,
// shaped like the request payload.
func (h *StreamingHTTPHandler) answerBatch(ctx context.Context, w http.ResponseWriter, sessID string, batch jsonrpc.Batch) {
	replies, err := h.eng.DispatchSync(ctx, sessID, batch)
	if err != nil {
		h.log.ErrorContext(ctx, "jsonrpc.dispatch.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to dispatch messages")
		return
	}
	if len(replies) == 0 {
		h.log.InfoContext(ctx, "session.closed.mid_request")
		writeJSONError(w, http.StatusNotFound, "session terminated")
		return
	}
	b, err := jsonrpc.EncodeResponses(replies, batch.IsArray)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to encode responses")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.log.WarnContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// streamBatch answers on a new request stream. The stream ends once every
// response has been written; a dropped connection leaves processing running
// and the stream resumable with GET and Last-Event-ID.
func (h *StreamingHTTPHandler) streamBatch(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, batch jsonrpc.Batch) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	st, err := h.eng.OpenRequestStream(ctx, sessID)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.stream.open.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, StreamID: st.ID()})

	if err := h.eng.DispatchBatch(ctx, st, batch); err != nil {
		h.log.ErrorContext(ctx, "jsonrpc.dispatch.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to dispatch messages")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	writeSSEHeaders(w)
	wf.Flush()
	h.serveStream(ctx, wf, st, 0)
}

// handleGetMCP opens a stream for server-initiated messages, or resumes the
// stream named by Last-Event-ID.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "streaminghttp.get", r)
	defer span.End()

	if !h.push {
		w.Header().Set("Allow", "POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "server push is not supported")
		h.log.InfoContext(ctx, "http.get.unsupported")
		return
	}

	if !accepts(r, eventStreamMediaTypes) {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	span.SetAttributes(attribute.String("mcp.session.id", sessID))
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}

	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID == "" {
		st, err := h.eng.OpenPushStream(ctx, sessID)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.stream.open.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, StreamID: st.ID()})
		writeSSEHeaders(w)
		wf.Flush()
		h.serveStream(ctx, wf, st, 0)
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
		return
	}

	st, after, err := h.resumeTarget(sessID, lastEventID)
	writeSSEHeaders(w)
	wf.Flush()
	if err != nil {
		h.log.InfoContext(ctx, "sse.stream.unresumable", slog.String("last_event_id", lastEventID), slog.String("err", err.Error()))
		if werr := writeSSEUnresumable(wf); werr != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", werr.Error()))
		}
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, StreamID: st.ID()})
	h.log.InfoContext(ctx, "sse.stream.resume", slog.Uint64("after", after))
	h.serveStream(ctx, wf, st, after)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) resumeTarget(sessID, lastEventID string) (*correlation.Stream, uint64, error) {
	streamID, after, err := eventlog.ParseEventID(lastEventID)
	if err != nil {
		return nil, 0, err
	}
	st, err := h.eng.ResumeStream(sessID, streamID)
	if err != nil {
		return nil, 0, err
	}
	return st, after, nil
}

// serveStream pumps st into the response until the stream completes, the
// client leaves or the stream can no longer be followed.
func (h *StreamingHTTPHandler) serveStream(ctx context.Context, wf *lockedWriteFlusher, st *correlation.Stream, after uint64) {
	if h.metrics != nil {
		g := h.metrics.OpenStreams.WithLabelValues(st.Kind().String())
		g.Inc()
		defer g.Dec()
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("kind", st.Kind().String()))

	err := st.Serve(wf.ctx, after, sseFrameWriter{wf: wf})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.complete")
	case errors.Is(err, eventlog.ErrUnresumable):
		if werr := writeSSEUnresumable(wf); werr != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", werr.Error()))
		}
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.disconnect")
	case errors.Is(err, correlation.ErrSessionClosed),
		errors.Is(err, correlation.ErrEngineClosed),
		errors.Is(err, correlation.ErrStreamSuperseded):
		h.log.InfoContext(ctx, "sse.stream.closed", slog.String("reason", err.Error()))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}
