package jsonrpc

import "errors"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeRequestTimeout is delivered in place of a result when a pending
	// request exceeds its processing budget.
	ErrorCodeRequestTimeout ErrorCode = -32001
	// ErrorCodeStreamUnresumable is carried by the error frame sent when a
	// stream cannot be resumed from the requested event id.
	ErrorCodeStreamUnresumable ErrorCode = -32002
	// ErrorCodeRequestCancelled answers a request whose processing was
	// cancelled by an explicit cancellation notification.
	ErrorCodeRequestCancelled ErrorCode = -32800
)

var (
	// ErrParse is returned by Decode when the payload is not valid JSON.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrEmptyBatch is returned by Decode for an empty JSON array.
	ErrEmptyBatch = errors.New("jsonrpc: empty batch")
)
