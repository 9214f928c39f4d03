package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-http-go/internal/logctx"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// Dispatch registers req as pending on the session of st and hands it to the
// Processor. Its response is delivered on st. A request whose id is already
// pending in the session is answered at once with an invalid request error.
//
// ctx supplies values only: processing continues when it is cancelled.
func (e *Engine) Dispatch(ctx context.Context, st *Stream, req *jsonrpc.Request) error {
	pr, dup, err := e.register(ctx, st.sess, st, req)
	if err != nil {
		return err
	}
	if dup != nil {
		return e.Deliver(ctx, st, dup)
	}
	go func() {
		resp := e.run(st.sess, pr, &peer{e: e, s: st.sess, st: st})
		if resp == nil {
			return
		}
		if err := e.Deliver(ctx, st, resp); err != nil && !errors.Is(err, ErrSessionClosed) {
			e.logger.ErrorContext(ctx, "correlation.deliver.fail", slog.String("stream", st.key.String()), slog.String("err", err.Error()))
		}
	}()
	return nil
}

// DispatchBatch routes every element of a decoded batch that arrived with st:
// requests are dispatched on st, malformed elements are answered on st,
// notifications and responses are handled as by HandleNotification and
// HandleResponse. The stream is sealed afterwards.
func (e *Engine) DispatchBatch(ctx context.Context, st *Stream, batch jsonrpc.Batch) error {
	defer st.Seal()
	for _, m := range batch.Messages {
		var err error
		switch m := m.(type) {
		case *jsonrpc.Request:
			err = e.Dispatch(ctx, st, m)
		case *jsonrpc.Malformed:
			st.sess.mu.Lock()
			st.expectLocked()
			st.sess.mu.Unlock()
			err = e.Deliver(ctx, st, m.Response())
		case *jsonrpc.Notification:
			err = e.handleNotification(ctx, st.sess, m)
		case *jsonrpc.Response:
			e.handleResponse(ctx, st.sess, m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DispatchSync processes a batch without a stream and returns the replies in
// input order: one Response per request and one error Response per malformed
// element. Messages the Processor emits meanwhile are pushed. Requests whose
// session closes before they complete have no entry.
func (e *Engine) DispatchSync(ctx context.Context, sessionID string, batch jsonrpc.Batch) ([]*jsonrpc.Response, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*jsonrpc.Response, len(batch.Messages))
	var wg sync.WaitGroup
	for i, m := range batch.Messages {
		switch m := m.(type) {
		case *jsonrpc.Request:
			pr, dup, err := e.register(ctx, s, nil, m)
			if err != nil {
				wg.Wait()
				return nil, err
			}
			if dup != nil {
				out[i] = dup
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				out[i] = e.run(s, pr, &peer{e: e, s: s})
			}()
		case *jsonrpc.Malformed:
			out[i] = m.Response()
		case *jsonrpc.Notification:
			if err := e.handleNotification(ctx, s, m); err != nil {
				e.logger.WarnContext(ctx, "correlation.notification.fail", slog.String("method", m.Method), slog.String("err", err.Error()))
			}
		case *jsonrpc.Response:
			e.handleResponse(ctx, s, m)
		}
	}
	wg.Wait()

	replies := out[:0]
	for _, r := range out {
		if r != nil {
			replies = append(replies, r)
		}
	}
	return replies, nil
}

// register records req as pending. It returns the reply to send instead when
// the id is already pending.
func (e *Engine) register(ctx context.Context, s *session, st *Stream, req *jsonrpc.Request) (*pendingRequest, *jsonrpc.Response, error) {
	key := req.ID.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	if st != nil {
		if !st.acceptsLocked() {
			return nil, nil, ErrStreamClosed
		}
		st.expectLocked()
	}
	if _, ok := s.inflight[key]; ok {
		e.count("correlation_requests_total", map[string]string{"method": req.Method, "outcome": "duplicate"})
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: duplicate request id", nil), nil
	}

	pctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	pr := &pendingRequest{req: req, stream: st, ctx: pctx, cancel: cancel, stop: func() { stop() }}
	if e.requestTimeout > 0 {
		tctx, cancelTimeout := context.WithTimeoutCause(pctx, e.requestTimeout, ErrRequestTimeout)
		pr.ctx = tctx
		pr.stop = func() {
			stop()
			cancelTimeout()
		}
	}
	s.inflight[key] = pr
	return pr, nil, nil
}

func (e *Engine) release(s *session, pr *pendingRequest) {
	pr.stop()
	pr.cancel(context.Canceled)
	key := pr.req.ID.Key()
	s.mu.Lock()
	if s.inflight[key] == pr {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

type outcome struct {
	resp *jsonrpc.Response
	err  error
}

// run processes one pending request and returns its reply. It returns nil
// only when the session ended first, in which case nobody is left to answer.
func (e *Engine) run(s *session, pr *pendingRequest, p Peer) *jsonrpc.Response {
	defer e.release(s, pr)

	req := pr.req
	start := time.Now()
	ctx, span := e.tracer.Start(pr.ctx, "correlation.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.String("rpc.jsonrpc.request_id", req.ID.String()),
		),
	)
	defer span.End()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	log := e.logger.With(slog.String("method", req.Method))

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		resp, err := e.proc.HandleRequest(ctx, p, req)
		done <- outcome{resp: resp, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-pr.ctx.Done():
	}

	resp, result := e.reply(pr, o)
	dur := time.Since(start)
	switch result {
	case "ok":
		log.InfoContext(ctx, "correlation.handle_request.ok", slog.Int64("dur_ms", dur.Milliseconds()))
	case "error":
		log.InfoContext(ctx, "correlation.handle_request.error", slog.Int("code", int(resp.Error.Code)), slog.Int64("dur_ms", dur.Milliseconds()))
	case "fail":
		log.ErrorContext(ctx, "correlation.handle_request.fail", slog.String("err", o.err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	default:
		log.InfoContext(ctx, "correlation.handle_request."+result, slog.String("cause", context.Cause(pr.ctx).Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		span.SetStatus(codes.Error, result)
	}
	e.count("correlation_requests_total", map[string]string{"method": req.Method, "outcome": result})
	e.observe("correlation_request_duration_seconds", dur.Seconds(), map[string]string{"method": req.Method})
	return resp
}

// reply maps a processing outcome to the Response sent to the client and a
// short outcome label. The request context is checked first: once it is
// done, any late result is discarded.
func (e *Engine) reply(pr *pendingRequest, o outcome) (*jsonrpc.Response, string) {
	id := pr.req.ID
	if pr.ctx.Err() != nil {
		cause := context.Cause(pr.ctx)
		switch {
		case errors.Is(cause, ErrRequestTimeout):
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestTimeout, "Request timed out", nil), "timeout"
		case errors.Is(cause, ErrRequestCancelled):
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestCancelled, "Request cancelled", cancelReason(cause)), "cancelled"
		default:
			return nil, "abandoned"
		}
	}

	if o.err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(o.err, &rpcErr) {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: id}, "error"
		}
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "Internal error", nil), "fail"
	}
	var resp jsonrpc.Response
	if o.resp != nil {
		resp = *o.resp
	}
	resp.JSONRPCVersion = jsonrpc.ProtocolVersion
	resp.ID = id
	if resp.Error != nil {
		return &resp, "error"
	}
	// A success response always carries a result.
	if len(resp.Result) == 0 {
		resp.Result = json.RawMessage("{}")
	}
	return &resp, "ok"
}

type cancelCause struct {
	reason string
}

func (c *cancelCause) Error() string {
	if c.reason == "" {
		return ErrRequestCancelled.Error()
	}
	return ErrRequestCancelled.Error() + ": " + c.reason
}

func (c *cancelCause) Unwrap() error { return ErrRequestCancelled }

func cancelReason(cause error) any {
	var cc *cancelCause
	if errors.As(cause, &cc) && cc.reason != "" {
		return map[string]string{"reason": cc.reason}
	}
	return nil
}

// Cancel abandons a pending client request. The request is removed from the
// pending set and its processing context is cancelled; the client receives a
// cancelled error Response on the request's stream once the Processor yields.
// It reports whether the request was pending.
func (e *Engine) Cancel(sessionID string, id *jsonrpc.RequestID, reason string) bool {
	s := e.lookup(sessionID)
	if s == nil || id == nil {
		return false
	}
	return e.cancel(s, id, reason)
}

func (e *Engine) cancel(s *session, id *jsonrpc.RequestID, reason string) bool {
	key := id.Key()
	s.mu.Lock()
	pr, ok := s.inflight[key]
	if ok {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pr.cancel(&cancelCause{reason: reason})
	return true
}

// HandleNotification processes a client notification. Cancellation
// notifications are applied by the engine; anything else goes to the
// Processor on a context that outlives the caller's.
func (e *Engine) HandleNotification(ctx context.Context, sessionID string, n *jsonrpc.Notification) error {
	s, err := e.session(sessionID)
	if err != nil {
		return err
	}
	return e.handleNotification(ctx, s, n)
}

func (e *Engine) handleNotification(ctx context.Context, s *session, n *jsonrpc.Notification) error {
	ctx = logctx.WithRPCMessage(context.WithoutCancel(ctx), &logctx.RPCMessage{Method: n.Method, Type: "notification"})
	if n.Method != CancelledNotificationMethod {
		return e.proc.HandleNotification(ctx, &peer{e: e, s: s}, n)
	}

	var params CancelledParams
	if err := json.Unmarshal(n.Params, &params); err != nil || params.RequestID == nil || params.RequestID.IsNil() {
		e.logger.WarnContext(ctx, "correlation.cancel.invalid", slog.String("params", string(n.Params)))
		return nil
	}
	if e.cancel(s, params.RequestID, params.Reason) {
		e.logger.InfoContext(ctx, "correlation.cancel.ok", slog.String("id", params.RequestID.String()), slog.String("reason", params.Reason))
		return nil
	}
	if e.cancelOutbound(s, params.RequestID, params.Reason) {
		e.logger.InfoContext(ctx, "correlation.cancel.outbound", slog.String("id", params.RequestID.String()), slog.String("reason", params.Reason))
		return nil
	}
	e.logger.DebugContext(ctx, "correlation.cancel.unknown_id", slog.String("id", params.RequestID.String()))
	return nil
}

// HandleResponse delivers a client's response to the server-initiated call
// awaiting it. Responses with an unknown id are logged and dropped.
func (e *Engine) HandleResponse(ctx context.Context, sessionID string, resp *jsonrpc.Response) {
	s := e.lookup(sessionID)
	if s == nil {
		e.logger.WarnContext(ctx, "correlation.deliver.unknown_id", slog.String("id", resp.ID.String()))
		e.count("correlation_unknown_responses_total", nil)
		return
	}
	e.handleResponse(ctx, s, resp)
}

func (e *Engine) handleResponse(ctx context.Context, s *session, resp *jsonrpc.Response) {
	var oc *outboundCall
	if resp.ID != nil && !resp.ID.IsNil() {
		key := resp.ID.Key()
		s.mu.Lock()
		oc = s.outbound[key]
		delete(s.outbound, key)
		s.mu.Unlock()
	}
	if oc == nil {
		e.logger.WarnContext(ctx, "correlation.deliver.unknown_id", slog.String("id", resp.ID.String()))
		e.count("correlation_unknown_responses_total", nil)
		return
	}
	oc.ch <- resp
}
