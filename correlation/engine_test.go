package correlation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ggoodman/mcp-streaming-http-go/correlation"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog/memory"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
	"github.com/ggoodman/mcp-streaming-http-go/sessions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type processorFuncs struct {
	request      func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error)
	notification func(ctx context.Context, peer correlation.Peer, n *jsonrpc.Notification) error
}

func (p processorFuncs) HandleRequest(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if p.request == nil {
		return echo(ctx, peer, req)
	}
	return p.request(ctx, peer, req)
}

func (p processorFuncs) HandleNotification(ctx context.Context, peer correlation.Peer, n *jsonrpc.Notification) error {
	if p.notification == nil {
		return nil
	}
	return p.notification(ctx, peer, n)
}

func echo(_ context.Context, _ correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, map[string]string{"method": req.Method})
}

type frame struct {
	id      string
	payload []byte
}

type chanWriter struct {
	frames chan frame
}

func newChanWriter() *chanWriter {
	return &chanWriter{frames: make(chan frame, 64)}
}

func (w *chanWriter) WriteEvent(id string, payload []byte) error {
	w.frames <- frame{id: id, payload: append([]byte(nil), payload...)}
	return nil
}

func (w *chanWriter) WriteKeepAlive() error { return nil }

func (w *chanWriter) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return frame{}
	}
}

func serve(ctx context.Context, st *correlation.Stream, after uint64, w correlation.FrameWriter) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- st.Serve(ctx, after, w) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Serve to return")
		return nil
	}
}

func mustBatch(t *testing.T, raw string) jsonrpc.Batch {
	t.Helper()
	b, err := jsonrpc.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return b
}

func decodeResponse(t *testing.T, payload []byte) *jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\n%s", err, payload)
	}
	return &resp
}

func newEngine(t *testing.T, proc correlation.Processor, opts ...correlation.Option) *correlation.Engine {
	t.Helper()
	return newEngineWithLog(t, memory.New(), proc, opts...)
}

func newEngineWithLog(t *testing.T, log eventlog.Log, proc correlation.Processor, opts ...correlation.Option) *correlation.Engine {
	t.Helper()
	opts = append([]correlation.Option{correlation.WithKeepAlive(0)}, opts...)
	e := correlation.NewEngine(log, proc, opts...)
	t.Cleanup(e.Close)
	return e
}

type refreshingLog struct {
	eventlog.Log
	refreshed chan eventlog.Key
}

func (l *refreshingLog) Refresh(_ context.Context, key eventlog.Key) error {
	select {
	case l.refreshed <- key:
	default:
	}
	return nil
}

func TestRequestStream(t *testing.T) {
	t.Run("responses round trip then stream completes", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{})

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		batch := mustBatch(t, `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":"two","method":"b"},{"jsonrpc":"2.0","method":"note"}]`)
		if err := e.DispatchBatch(ctx, st, batch); err != nil {
			t.Fatalf("dispatch: %v", err)
		}

		w := newChanWriter()
		errCh := serve(ctx, st, 0, w)
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("expected stream to complete, got %v", err)
		}
		close(w.frames)

		seen := map[string]bool{}
		var last uint64
		for f := range w.frames {
			streamID, seq, err := eventlog.ParseEventID(f.id)
			if err != nil {
				t.Fatalf("parse event id: %v", err)
			}
			if streamID != st.ID() {
				t.Fatalf("expected stream id %q, got %q", st.ID(), streamID)
			}
			if seq != last+1 {
				t.Fatalf("expected seq %d, got %d", last+1, seq)
			}
			last = seq
			seen[decodeResponse(t, f.payload).ID.String()] = true
		}
		if len(seen) != 2 || !seen["1"] || !seen["two"] {
			t.Fatalf("expected responses for ids 1 and two, got %v", seen)
		}

		resumed, err := e.ResumeStream("s1", st.ID())
		if err != nil {
			t.Fatalf("expected completed stream to stay resumable, got %v", err)
		}
		if err := waitErr(t, serve(ctx, resumed, last, newChanWriter())); err != nil {
			t.Fatalf("expected resume past the last event to complete at once, got %v", err)
		}
	})

	t.Run("completed stream replays its tail", func(t *testing.T) {
		ctx := context.Background()
		release := make(chan struct{})
		e := newEngine(t, processorFuncs{request: func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			if err := peer.Notify(ctx, "progress", map[string]int{"done": 0}); err != nil {
				return nil, err
			}
			<-release
			return echo(ctx, peer, req)
		}})

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":7,"method":"slow"}`)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}

		// The first connection reads the progress notification and the
		// response, but the client only ever saw the notification.
		w := newChanWriter()
		errCh := serve(ctx, st, 0, w)
		progress := w.next(t)
		close(release)
		w.next(t)
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("expected stream to complete, got %v", err)
		}

		_, seen, err := eventlog.ParseEventID(progress.id)
		if err != nil {
			t.Fatalf("parse event id: %v", err)
		}
		resumed, err := e.ResumeStream("s1", st.ID())
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		w = newChanWriter()
		errCh = serve(ctx, resumed, seen, w)
		f := w.next(t)
		if want, got := eventlog.FormatEventID(st.ID(), seen+1), f.id; want != got {
			t.Fatalf("expected event %q, got %q", want, got)
		}
		if want, got := "7", decodeResponse(t, f.payload).ID.String(); want != got {
			t.Fatalf("expected response to id %q, got %q", want, got)
		}
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("expected replayed stream to complete, got %v", err)
		}
	})

	t.Run("completed streams are trimmed beyond the idle limit", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{}, correlation.WithMaxIdleStreams(1))

		var done []*correlation.Stream
		for i := 0; i < 2; i++ {
			st, err := e.OpenRequestStream(ctx, "s1")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":1,"method":"a"}`)); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if err := waitErr(t, serve(ctx, st, 0, newChanWriter())); err != nil {
				t.Fatalf("serve: %v", err)
			}
			done = append(done, st)
			time.Sleep(time.Millisecond)
		}
		// Opening another stream evicts the least recently used idle one.
		if _, err := e.OpenRequestStream(ctx, "s1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := e.ResumeStream("s1", done[0].ID()); !errors.Is(err, correlation.ErrStreamNotFound) {
			t.Fatalf("expected oldest completed stream to be trimmed, got %v", err)
		}
	})

	t.Run("malformed element answered without aborting siblings", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{})

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		batch := mustBatch(t, `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"1.0","id":2,"method":"b"}]`)
		if err := e.DispatchBatch(ctx, st, batch); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		w := newChanWriter()
		if err := waitErr(t, serve(ctx, st, 0, w)); err != nil {
			t.Fatalf("serve: %v", err)
		}
		close(w.frames)

		codes := map[string]jsonrpc.ErrorCode{}
		for f := range w.frames {
			resp := decodeResponse(t, f.payload)
			if resp.Error != nil {
				codes[resp.ID.String()] = resp.Error.Code
			} else {
				codes[resp.ID.String()] = 0
			}
		}
		if want, got := jsonrpc.ErrorCode(0), codes["1"]; want != got {
			t.Fatalf("expected success for id 1, got code %d", got)
		}
		if want, got := jsonrpc.ErrorCodeInvalidRequest, codes["2"]; want != got {
			t.Fatalf("expected code %d for id 2, got %d", want, got)
		}
	})

	t.Run("disconnect is not cancellation", func(t *testing.T) {
		ctx := context.Background()
		release := make(chan struct{})
		started := make(chan struct{})
		e := newEngine(t, processorFuncs{request: func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return echo(ctx, peer, req)
		}})

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		connCtx, disconnect := context.WithCancel(ctx)
		if err := e.DispatchBatch(connCtx, st, mustBatch(t, `{"jsonrpc":"2.0","id":7,"method":"slow"}`)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		errCh := serve(connCtx, st, 0, newChanWriter())
		<-started
		disconnect()
		if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		close(release)

		resumed, err := e.ResumeStream("s1", st.ID())
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		w := newChanWriter()
		errCh = serve(ctx, resumed, 0, w)
		resp := decodeResponse(t, w.next(t).payload)
		if resp.Error != nil {
			t.Fatalf("expected result after disconnect, got error %v", resp.Error)
		}
		if want, got := "7", resp.ID.String(); want != got {
			t.Fatalf("expected id %q, got %q", want, got)
		}
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("expected resumed stream to complete, got %v", err)
		}
	})

	t.Run("duplicate pending id rejected", func(t *testing.T) {
		ctx := context.Background()
		release := make(chan struct{})
		e := newEngine(t, processorFuncs{request: func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return echo(ctx, peer, req)
		}})

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := e.DispatchBatch(ctx, st, mustBatch(t, `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":1,"method":"b"}]`)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		w := newChanWriter()
		errCh := serve(ctx, st, 0, w)

		first := decodeResponse(t, w.next(t).payload)
		if first.Error == nil || first.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("expected duplicate rejection first, got %+v", first)
		}
		close(release)
		second := decodeResponse(t, w.next(t).payload)
		if second.Error != nil {
			t.Fatalf("expected original request to succeed, got %v", second.Error)
		}
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("serve: %v", err)
		}
	})
}

func TestCancelAndTimeout(t *testing.T) {
	blocking := processorFuncs{request: func(ctx context.Context, _ correlation.Peer, _ *jsonrpc.Request) (*jsonrpc.Response, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}}

	t.Run("cancellation notification yields cancelled response", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, blocking)

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":"job","method":"work"}`)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		w := newChanWriter()
		errCh := serve(ctx, st, 0, w)

		n, err := jsonrpc.NewNotification(correlation.CancelledNotificationMethod, map[string]any{"requestId": "job", "reason": "user abort"})
		if err != nil {
			t.Fatalf("notification: %v", err)
		}
		if err := e.HandleNotification(ctx, "s1", n); err != nil {
			t.Fatalf("handle notification: %v", err)
		}

		resp := decodeResponse(t, w.next(t).payload)
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
			t.Fatalf("expected cancelled error, got %+v", resp)
		}
		if err := waitErr(t, errCh); err != nil {
			t.Fatalf("serve: %v", err)
		}
		if e.Cancel("s1", jsonrpc.NewRequestID("job"), "again") {
			t.Fatalf("expected request to no longer be pending")
		}
	})

	t.Run("numeric and string ids are distinct", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, blocking)

		st, err := e.OpenRequestStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":1,"method":"work"}`)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if e.Cancel("s1", jsonrpc.NewRequestID("1"), "") {
			t.Fatalf("string id must not cancel numeric id")
		}
		if !e.Cancel("s1", jsonrpc.NewRequestID(1), "") {
			t.Fatalf("expected numeric id to be pending")
		}
		if err := waitErr(t, serve(ctx, st, 0, newChanWriter())); err != nil {
			t.Fatalf("serve: %v", err)
		}
	})

	t.Run("timeout yields timeout response", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, blocking, correlation.WithRequestTimeout(20*time.Millisecond))

		replies, err := e.DispatchSync(ctx, "s1", mustBatch(t, `{"jsonrpc":"2.0","id":3,"method":"work"}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if len(replies) != 1 {
			t.Fatalf("expected one reply, got %d", len(replies))
		}
		if replies[0].Error == nil || replies[0].Error.Code != jsonrpc.ErrorCodeRequestTimeout {
			t.Fatalf("expected timeout error, got %+v", replies[0])
		}
	})
}

func TestDispatchSync(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, processorFuncs{request: func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		if req.Method == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		switch req.Method {
		case "missing":
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found"}
		case "empty":
			return &jsonrpc.Response{}, nil
		case "nothing":
			return nil, nil
		}
		return echo(ctx, peer, req)
	}})

	replies, err := e.DispatchSync(ctx, "s1", mustBatch(t, `[
		{"jsonrpc":"2.0","id":1,"method":"slow"},
		{"jsonrpc":"2.0","method":"note"},
		{"jsonrpc":"2.0","id":2,"method":"fast"},
		{"jsonrpc":"2.0","id":3},
		{"jsonrpc":"2.0","id":4,"method":"missing"},
		{"jsonrpc":"2.0","id":5,"method":"empty"},
		{"jsonrpc":"2.0","id":6,"method":"nothing"}
	]`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var ids []string
	for _, r := range replies {
		ids = append(ids, r.ID.String())
	}
	if want, got := "1,2,3,4,5,6", strings.Join(ids, ","); want != got {
		t.Fatalf("expected replies in order %s, got %s", want, got)
	}
	if replies[2].Error == nil || replies[2].Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request for id 3, got %+v", replies[2])
	}
	if replies[3].Error == nil || replies[3].Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found for id 4, got %+v", replies[3])
	}
	for _, r := range replies[4:] {
		if r.Error != nil || string(r.Result) != "{}" {
			t.Fatalf("expected empty result for id %s, got %+v", r.ID, r)
		}
		if r.JSONRPCVersion != jsonrpc.ProtocolVersion {
			t.Fatalf("expected version %q for id %s, got %q", jsonrpc.ProtocolVersion, r.ID, r.JSONRPCVersion)
		}
	}
}

func TestPush(t *testing.T) {
	t.Run("outbox drained into first push stream", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{})

		for i := 0; i < 3; i++ {
			if err := e.Notify(ctx, "s1", "notifications/progress", map[string]int{"n": i}); err != nil {
				t.Fatalf("notify: %v", err)
			}
		}
		st, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		w := newChanWriter()
		connCtx, disconnect := context.WithCancel(ctx)
		errCh := serve(connCtx, st, 0, w)
		for i := 0; i < 3; i++ {
			var n jsonrpc.Notification
			if err := json.Unmarshal(w.next(t).payload, &n); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if want, got := `{"n":`+string(rune('0'+i))+`}`, string(n.Params); want != got {
				t.Fatalf("expected params %s, got %s", want, got)
			}
		}
		disconnect()
		waitErr(t, errCh)
	})

	t.Run("keep-alive refreshes an idle stream's log", func(t *testing.T) {
		ctx := context.Background()
		log := &refreshingLog{Log: memory.New(), refreshed: make(chan eventlog.Key, 8)}
		e := newEngineWithLog(t, log, processorFuncs{}, correlation.WithKeepAlive(5*time.Millisecond))

		st, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		connCtx, disconnect := context.WithCancel(ctx)
		errCh := serve(connCtx, st, 0, newChanWriter())
		select {
		case k := <-log.refreshed:
			if k.StreamID != st.ID() {
				t.Fatalf("expected refresh of %q, got %q", st.ID(), k.StreamID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stream was never refreshed")
		}
		disconnect()
		waitErr(t, errCh)
	})

	t.Run("each message goes to exactly one stream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e := newEngine(t, processorFuncs{})

		a, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		b, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		wa, wb := newChanWriter(), newChanWriter()
		errA := serve(ctx, a, 0, wa)
		errB := serve(ctx, b, 0, wb)

		time.Sleep(20 * time.Millisecond)
		const total = 10
		for i := 0; i < total; i++ {
			if err := e.Notify(ctx, "s1", "tick", map[string]int{"i": i}); err != nil {
				t.Fatalf("notify: %v", err)
			}
		}

		seen := map[string]int{}
		for len(seen) < total {
			var f frame
			select {
			case f = <-wa.frames:
			case f = <-wb.frames:
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out after %d messages", len(seen))
			}
			seen[string(f.payload)]++
		}
		for payload, n := range seen {
			if n != 1 {
				t.Fatalf("expected %s once, got %d", payload, n)
			}
		}
		if len(wa.frames)+len(wb.frames) != 0 {
			t.Fatalf("expected no extra frames")
		}

		cancel()
		waitErr(t, errA)
		waitErr(t, errB)
	})

	t.Run("disabled", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{}, correlation.WithoutPush())
		if e.PushEnabled() {
			t.Fatalf("expected push to be disabled")
		}
		if _, err := e.OpenPushStream(ctx, "s1"); !errors.Is(err, correlation.ErrPushUnsupported) {
			t.Fatalf("expected ErrPushUnsupported, got %v", err)
		}
		if err := e.Notify(ctx, "s1", "tick", nil); !errors.Is(err, correlation.ErrPushUnsupported) {
			t.Fatalf("expected ErrPushUnsupported, got %v", err)
		}
	})

	t.Run("outbox bounded", func(t *testing.T) {
		ctx := context.Background()
		e := newEngine(t, processorFuncs{}, correlation.WithOutboxLimit(2))
		for i := 0; i < 2; i++ {
			if err := e.Notify(ctx, "s1", "tick", nil); err != nil {
				t.Fatalf("notify: %v", err)
			}
		}
		if err := e.Notify(ctx, "s1", "tick", nil); !errors.Is(err, correlation.ErrOutboxFull) {
			t.Fatalf("expected ErrOutboxFull, got %v", err)
		}
	})

	t.Run("slow consumer is told the stream is unresumable", func(t *testing.T) {
		ctx := context.Background()
		log := memory.New(memory.WithRetention(eventlog.Retention{MaxEvents: 2}))
		e := newEngineWithLog(t, log, processorFuncs{})

		st, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		for i := 0; i < 5; i++ {
			if err := e.Notify(ctx, "s1", "tick", nil); err != nil {
				t.Fatalf("notify: %v", err)
			}
		}
		if err := waitErr(t, serve(ctx, st, 0, newChanWriter())); !errors.Is(err, eventlog.ErrUnresumable) {
			t.Fatalf("expected ErrUnresumable, got %v", err)
		}

		w := newChanWriter()
		connCtx, disconnect := context.WithCancel(ctx)
		errCh := serve(connCtx, st, 3, w)
		if _, seq, _ := eventlog.ParseEventID(w.next(t).id); seq != 4 {
			t.Fatalf("expected replay to resume at 4, got %d", seq)
		}
		disconnect()
		waitErr(t, errCh)
	})

	t.Run("second connection supersedes the first", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e := newEngine(t, processorFuncs{})

		st, err := e.OpenPushStream(ctx, "s1")
		if err != nil {
			t.Fatalf("open push: %v", err)
		}
		first := serve(ctx, st, 0, newChanWriter())
		time.Sleep(10 * time.Millisecond)
		second := serve(ctx, st, 0, newChanWriter())
		if err := waitErr(t, first); !errors.Is(err, correlation.ErrStreamSuperseded) {
			t.Fatalf("expected ErrStreamSuperseded, got %v", err)
		}
		cancel()
		waitErr(t, second)
	})
}

func TestPeerCall(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, processorFuncs{request: func(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		if err := peer.Notify(ctx, "notifications/progress", map[string]int{"pct": 50}); err != nil {
			return nil, err
		}
		resp, err := peer.Call(ctx, "sampling/createMessage", map[string]string{"q": "?"})
		if err != nil {
			return nil, err
		}
		return jsonrpc.NewResultResponse(req.ID, map[string]json.RawMessage{"answer": resp.Result})
	}})

	st, err := e.OpenRequestStream(ctx, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":1,"method":"ask"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w := newChanWriter()
	errCh := serve(ctx, st, 0, w)

	var progress jsonrpc.Notification
	if err := json.Unmarshal(w.next(t).payload, &progress); err != nil || progress.Method != "notifications/progress" {
		t.Fatalf("expected progress notification first, got %v %+v", err, progress)
	}
	var call jsonrpc.Request
	if err := json.Unmarshal(w.next(t).payload, &call); err != nil || call.Method != "sampling/createMessage" {
		t.Fatalf("expected server request, got %v %+v", err, call)
	}

	answer, err := jsonrpc.NewResultResponse(call.ID, "42")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	e.HandleResponse(ctx, "s1", answer)

	resp := decodeResponse(t, w.next(t).payload)
	if want, got := `{"answer":"42"}`, string(resp.Result); want != got {
		t.Fatalf("expected result %s, got %s", want, got)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestHandleResponseUnknownID(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	e := newEngine(t, processorFuncs{}, correlation.WithLogger(logger))

	resp, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("nobody"), true)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	e.HandleResponse(context.Background(), "s1", resp)

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(buf.String(), "correlation.deliver.unknown_id") {
		t.Fatalf("expected unknown id to be logged, got %q", buf.String())
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestCloseSession(t *testing.T) {
	ctx := context.Background()
	cancelled := make(chan error, 1)
	e := newEngine(t, processorFuncs{request: func(ctx context.Context, _ correlation.Peer, _ *jsonrpc.Request) (*jsonrpc.Response, error) {
		<-ctx.Done()
		cancelled <- context.Cause(ctx)
		return nil, ctx.Err()
	}})

	st, err := e.OpenRequestStream(ctx, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.DispatchBatch(ctx, st, mustBatch(t, `{"jsonrpc":"2.0","id":1,"method":"work"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	errCh := serve(ctx, st, 0, newChanWriter())
	time.Sleep(10 * time.Millisecond)

	if err := e.CloseSession(ctx, "s1", nil); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := waitErr(t, errCh); !errors.Is(err, correlation.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	select {
	case cause := <-cancelled:
		if !errors.Is(cause, correlation.ErrSessionClosed) {
			t.Fatalf("expected work cancelled with ErrSessionClosed, got %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected in-flight work to be cancelled")
	}
}

type fakeTracker struct {
	mu    sync.Mutex
	state map[string]sessions.State
}

func (f *fakeTracker) Validate(_ context.Context, id string) (sessions.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[id], nil
}

func (f *fakeTracker) Touch(_ context.Context, id string) (*sessions.Metadata, error) {
	return &sessions.Metadata{SessionID: id, State: sessions.StateActive}, nil
}

func TestReaper(t *testing.T) {
	tracker := &fakeTracker{state: map[string]sessions.State{
		"live": sessions.StateActive,
		"gone": sessions.StateExpired,
	}}
	e := newEngine(t, processorFuncs{}, correlation.WithSessionReaper(tracker, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	live, err := e.OpenPushStream(ctx, "live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	gone, err := e.OpenPushStream(ctx, "gone")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := e.ResumeStream("gone", gone.ID())
		if errors.Is(err, correlation.ErrStreamNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected expired session to be reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := e.ResumeStream("live", live.ID()); err != nil {
		t.Fatalf("expected active session to survive, got %v", err)
	}
	cancel()
	<-done
}
