package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// Peer lets a Processor talk back to the client while it handles a message.
// Messages sent through the Peer of a request travel on that request's stream
// while it is open and are pushed otherwise.
type Peer interface {
	SessionID() string
	// Notify sends a notification to the client.
	Notify(ctx context.Context, method string, params any) error
	// Call sends a request to the client and waits for its response. A
	// response that does not arrive within the request timeout is reported
	// as a jsonrpc.ErrorCodeRequestTimeout error Response.
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
}

type peer struct {
	e  *Engine
	s  *session
	st *Stream
}

func (p *peer) SessionID() string { return p.s.id }

func (p *peer) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.e.send(ctx, p.s, p.st, n)
}

func (p *peer) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	return p.e.call(ctx, p.s, p.st, method, params)
}

// Notify pushes a notification to one of the session's push streams.
func (e *Engine) Notify(ctx context.Context, sessionID, method string, params any) error {
	s, err := e.session(sessionID)
	if err != nil {
		return err
	}
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.send(ctx, s, nil, n)
}

// Call pushes a request to one of the session's push streams and waits for
// the client to answer it with a POST.
func (e *Engine) Call(ctx context.Context, sessionID, method string, params any) (*jsonrpc.Response, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	return e.call(ctx, s, nil, method, params)
}

// send appends msg to st when it still accepts messages and pushes it
// otherwise. With no push stream open the message waits in the session
// outbox for the first one.
func (e *Engine) send(ctx context.Context, s *session, st *Stream, msg jsonrpc.Message) error {
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("correlation: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if st != nil && st.acceptsLocked() {
		_, err := e.appendLocked(ctx, st, payload)
		return err
	}
	if !e.push {
		return ErrPushUnsupported
	}
	if target := s.pickPushLocked(); target != nil {
		_, err := e.appendLocked(ctx, target, payload)
		return err
	}
	if len(s.outbox) >= e.outboxLimit {
		e.count("correlation_outbox_rejected_total", nil)
		return ErrOutboxFull
	}
	s.outbox = append(s.outbox, payload)
	return nil
}

func (e *Engine) call(ctx context.Context, s *session, st *Stream, method string, params any) (*jsonrpc.Response, error) {
	id := jsonrpc.NewRequestID(uuid.NewString())
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	oc := &outboundCall{ch: make(chan *jsonrpc.Response, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.outbound[id.Key()] = oc
	s.mu.Unlock()

	if err := e.send(ctx, s, st, req); err != nil {
		e.forget(s, id)
		return nil, err
	}

	var timeout <-chan time.Time
	if e.requestTimeout > 0 {
		t := time.NewTimer(e.requestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp := <-oc.ch:
		return resp, nil
	case <-timeout:
		e.forget(s, id)
		e.sendCancelled(ctx, s, id, "request timed out")
		e.logger.InfoContext(ctx, "correlation.call.timeout", slog.String("method", method), slog.String("id", id.String()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestTimeout, "Request timed out", nil), nil
	case <-ctx.Done():
		e.forget(s, id)
		e.sendCancelled(ctx, s, id, context.Cause(ctx).Error())
		return nil, context.Cause(ctx)
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

func (e *Engine) forget(s *session, id *jsonrpc.RequestID) {
	s.mu.Lock()
	delete(s.outbound, id.Key())
	s.mu.Unlock()
}

// sendCancelled tells the client a server-initiated call was abandoned.
func (e *Engine) sendCancelled(ctx context.Context, s *session, id *jsonrpc.RequestID, reason string) {
	n, err := jsonrpc.NewNotification(CancelledNotificationMethod, CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		return
	}
	if err := e.send(context.WithoutCancel(ctx), s, nil, n); err != nil {
		e.logger.DebugContext(ctx, "correlation.call.cancel_notify.fail", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}

// cancelOutbound resolves a server-initiated call the client declined to
// answer.
func (e *Engine) cancelOutbound(s *session, id *jsonrpc.RequestID, reason string) bool {
	key := id.Key()
	s.mu.Lock()
	oc, ok := s.outbound[key]
	delete(s.outbound, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	var data any
	if reason != "" {
		data = map[string]string{"reason": reason}
	}
	oc.ch <- jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestCancelled, "Request cancelled", data)
	return true
}
