package streaminghttp

import (
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

// unresumableEvent names the final frame written when a stream cannot be
// followed from the requested position.
const unresumableEvent = "unresumable"

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEUnresumable tells the client the stream cannot be continued and
// that it must recover through a new request or stream. The frame has no id
// so it never becomes a resume point.
func writeSSEUnresumable(wf *lockedWriteFlusher) error {
	payload, err := jsonrpc.Encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeStreamUnresumable, "Stream not resumable", nil))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(wf, "event: %s\n", unresumableEvent); err != nil {
		return fmt.Errorf("failed to write SSE event name: %w", err)
	}
	return writeSSEEvent(wf, "", payload)
}

// sseFrameWriter adapts a response to correlation.FrameWriter.
type sseFrameWriter struct {
	wf *lockedWriteFlusher
}

func (s sseFrameWriter) WriteEvent(id string, payload []byte) error {
	return writeSSEEvent(s.wf, id, payload)
}

func (s sseFrameWriter) WriteKeepAlive() error {
	if _, err := s.wf.Write([]byte(": ping\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE keepalive: %w", err)
	}
	s.wf.Flush()
	return nil
}
