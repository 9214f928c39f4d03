package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Batch is the decoded form of one payload. IsArray records whether the
// payload was a JSON array so replies can mirror its shape.
type Batch struct {
	Messages []Message
	IsArray  bool
}

// Requests returns the Request elements in input order.
func (b Batch) Requests() []*Request {
	var out []*Request
	for _, m := range b.Messages {
		if r, ok := m.(*Request); ok {
			out = append(out, r)
		}
	}
	return out
}

// HasRequests reports whether any element is a Request.
func (b Batch) HasRequests() bool {
	for _, m := range b.Messages {
		if _, ok := m.(*Request); ok {
			return true
		}
	}
	return false
}

// Malformed returns the elements that failed classification.
func (b Batch) Malformed() []*Malformed {
	var out []*Malformed
	for _, m := range b.Messages {
		if mm, ok := m.(*Malformed); ok {
			out = append(out, mm)
		}
	}
	return out
}

// Decode parses a payload holding either a single JSON-RPC object or a batch
// array. Each element is classified independently; a malformed element does
// not affect its siblings. ErrParse is returned only when the payload as a
// whole is not valid JSON, and ErrEmptyBatch for "[]".
func Decode(raw []byte) (Batch, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Batch{}, ErrParse
	}

	if trimmed[0] != '[' {
		return Batch{Messages: []Message{classify(trimmed)}}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(elems) == 0 {
		return Batch{IsArray: true}, ErrEmptyBatch
	}

	msgs := make([]Message, 0, len(elems))
	for _, e := range elems {
		msgs = append(msgs, classify(e))
	}
	return Batch{Messages: msgs, IsArray: true}, nil
}

// classify applies the JSON-RPC 2.0 shape rules to a single element:
//
//	method + id                      -> *Request
//	method, no id                    -> *Notification
//	id + (result xor error), no method -> *Response
//	anything else                    -> *Malformed
func classify(raw json.RawMessage) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return invalid(raw, nil, "message must be a JSON object")
	}

	var id *RequestID
	rawID, hasID := fields["id"]
	if hasID {
		id = new(RequestID)
		if err := json.Unmarshal(rawID, id); err != nil {
			return invalid(raw, nil, "id must be a string or number")
		}
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != ProtocolVersion {
		return invalid(raw, id, fmt.Sprintf("jsonrpc must be %q", ProtocolVersion))
	}

	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return invalid(raw, id, "method must be a non-empty string")
		}
		if hasResult || hasError {
			return invalid(raw, id, "request cannot carry result or error")
		}
		params, ok := structuredParams(fields["params"])
		if !ok {
			return invalid(raw, id, "params must be an object or array")
		}
		if !hasID {
			return &Notification{JSONRPCVersion: version, Method: method, Params: params}
		}
		if id.IsNil() {
			return invalid(raw, nil, "request id must not be null")
		}
		return &Request{JSONRPCVersion: version, Method: method, Params: params, ID: id}
	}

	if !hasID {
		return invalid(raw, nil, "message has neither method nor id")
	}
	if hasResult == hasError {
		return invalid(raw, id, "response must carry exactly one of result or error")
	}

	resp := &Response{JSONRPCVersion: version, ID: id}
	if hasResult {
		resp.Result = rawResult
		return resp
	}
	var rpcErr Error
	if err := json.Unmarshal(rawError, &rpcErr); err != nil || bytes.Equal(bytes.TrimSpace(rawError), []byte("null")) {
		return invalid(raw, id, "error must be an object with code and message")
	}
	resp.Error = &rpcErr
	return resp
}

func structuredParams(raw json.RawMessage) (json.RawMessage, bool) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil, true
	}
	if t[0] == '{' || t[0] == '[' {
		return raw, true
	}
	return nil, false
}

func invalid(raw json.RawMessage, id *RequestID, msg string) *Malformed {
	return &Malformed{
		ID:  id,
		Raw: raw,
		Err: &Error{Code: ErrorCodeInvalidRequest, Message: "Invalid Request: " + msg},
	}
}

// Encode serializes a single message. Malformed elements encode as the error
// Response that answers them.
func Encode(m Message) ([]byte, error) {
	if mm, ok := m.(*Malformed); ok {
		return json.Marshal(mm.Response())
	}
	return json.Marshal(m)
}

// EncodeResponses serializes replies to a decoded payload. When asArray is
// false and there is exactly one response it is written as a bare object;
// otherwise the responses are written as an array. Callers pass
// Batch.IsArray so the reply mirrors the request's shape.
func EncodeResponses(rs []*Response, asArray bool) ([]byte, error) {
	if !asArray && len(rs) == 1 {
		return json.Marshal(rs[0])
	}
	if rs == nil {
		rs = []*Response{}
	}
	return json.Marshal(rs)
}

// ParseErrorResponse is the generic reply to a payload that could not be
// parsed at all. Its id is null.
func ParseErrorResponse() *Response {
	return NewErrorResponse(nil, ErrorCodeParseError, "Parse error", nil)
}

// EmptyBatchResponse is the reply to an empty batch array.
func EmptyBatchResponse() *Response {
	return NewErrorResponse(nil, ErrorCodeInvalidRequest, "Invalid Request: empty batch", nil)
}
