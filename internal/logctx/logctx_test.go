package logctx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-streaming-http-go/internal/logctx"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := logctx.WithRequestData(context.Background(), &logctx.RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: "s1", StreamID: "st1"})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: "ping", ID: "1", Type: "request"})

	log.InfoContext(ctx, "http.post.start")

	var rec struct {
		Msg       string            `json:"msg"`
		Component string            `json:"component"`
		Req       map[string]string `json:"req"`
		Sess      map[string]string `json:"sess"`
		RPC       map[string]string `json:"rpc"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log record: %v\n%s", err, buf.String())
	}
	if want, got := "http.post.start", rec.Msg; want != got {
		t.Fatalf("expected msg %q, got %q", want, got)
	}
	if want, got := "test", rec.Component; want != got {
		t.Fatalf("expected component %q, got %q", want, got)
	}
	if want, got := "r1", rec.Req["id"]; want != got {
		t.Fatalf("expected req.id %q, got %q", want, got)
	}
	if want, got := "st1", rec.Sess["stream_id"]; want != got {
		t.Fatalf("expected sess.stream_id %q, got %q", want, got)
	}
	if want, got := "ping", rec.RPC["method"]; want != got {
		t.Fatalf("expected rpc.method %q, got %q", want, got)
	}
	if want, got := "r1", logctx.RequestID(ctx); want != got {
		t.Fatalf("expected request id %q, got %q", want, got)
	}
}
