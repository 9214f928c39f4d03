// Package demo implements the small request processor served by
// streamable-server. It answers enough methods to drive every transport
// path by hand: a handshake, a ping, an echo and a countdown that streams
// progress notifications before it answers.
package demo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/correlation"
	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// ProtocolVersion is reported by initialize when the client names none.
const ProtocolVersion = "2025-06-18"

const maxCountdown = 100

// Info names the server in the initialize result.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Processor is a correlation.Processor.
type Processor struct {
	info Info
	log  *slog.Logger
}

// New returns a Processor reporting info from initialize.
func New(info Info, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{info: info, log: log}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Info           `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type echoParams struct {
	Message string `json:"message"`
}

type countdownParams struct {
	From     int    `json:"from"`
	Interval string `json:"interval,omitempty"`
}

type progressParams struct {
	Remaining int `json:"remaining"`
}

// HandleRequest implements correlation.Processor.
func (p *Processor) HandleRequest(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case "initialize":
		var params initializeParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		version := params.ProtocolVersion
		if version == "" {
			version = ProtocolVersion
		}
		return jsonrpc.NewResultResponse(req.ID, initializeResult{
			ProtocolVersion: version,
			ServerInfo:      p.info,
			Capabilities:    map[string]any{},
		})

	case "ping":
		return jsonrpc.NewResultResponse(req.ID, struct{}{})

	case "echo":
		var params echoParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return jsonrpc.NewResultResponse(req.ID, params)

	case "countdown":
		return p.countdown(ctx, peer, req)

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func (p *Processor) countdown(ctx context.Context, peer correlation.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	params := countdownParams{From: 3, Interval: "100ms"}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.From < 0 || params.From > maxCountdown {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "from must be between 0 and 100"}
	}
	interval, err := time.ParseDuration(params.Interval)
	if err != nil || interval < 0 {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid interval"}
	}

	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	for remaining := params.From; remaining > 0; remaining-- {
		if err := peer.Notify(ctx, "notifications/progress", progressParams{Remaining: remaining}); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return jsonrpc.NewResultResponse(req.ID, map[string]any{"done": true})
}

// HandleNotification implements correlation.Processor.
func (p *Processor) HandleNotification(ctx context.Context, peer correlation.Peer, n *jsonrpc.Notification) error {
	switch n.Method {
	case "notifications/initialized":
		p.log.InfoContext(ctx, "demo.session.initialized", slog.String("session_id", peer.SessionID()))
	default:
		p.log.DebugContext(ctx, "demo.notification.ignored", slog.String("method", n.Method))
	}
	return nil
}

func decodeParams(req *jsonrpc.Request, dst any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
