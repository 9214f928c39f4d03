package correlation

import (
	"errors"

	"github.com/ggoodman/mcp-streaming-http-go/jsonrpc"
)

var (
	// ErrRequestTimeout is the cancellation cause of a request that ran past
	// its deadline. The client receives a jsonrpc.ErrorCodeRequestTimeout
	// response in its place.
	ErrRequestTimeout = errors.New("correlation: request timed out")
	// ErrRequestCancelled is the cancellation cause of a request cancelled by
	// a cancellation notification.
	ErrRequestCancelled = errors.New("correlation: request cancelled")
	// ErrSessionClosed is returned for work addressed to a session the engine
	// has torn down.
	ErrSessionClosed = errors.New("correlation: session closed")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("correlation: engine closed")
	// ErrStreamNotFound is returned when resuming a stream the session does
	// not hold.
	ErrStreamNotFound = errors.New("correlation: stream not found")
	// ErrStreamClosed is returned when delivering to a stream that no longer
	// accepts messages.
	ErrStreamClosed = errors.New("correlation: stream closed")
	// ErrStreamSuperseded is returned by Serve when another connection
	// attached to the same stream.
	ErrStreamSuperseded = errors.New("correlation: stream attached by another connection")
	// ErrPushUnsupported is returned for server-initiated traffic when push
	// streams are disabled.
	ErrPushUnsupported = errors.New("correlation: server push disabled")
	// ErrOutboxFull is returned when a push is emitted while no push stream
	// exists and the session outbox is at capacity.
	ErrOutboxFull = errors.New("correlation: session outbox full")
)

// CancelledNotificationMethod is the notification a requester sends to
// abandon one of its requests.
const CancelledNotificationMethod = "notifications/cancelled"

// CancelledParams are the params of CancelledNotificationMethod.
type CancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitempty"`
}
