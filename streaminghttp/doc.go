// Package streaminghttp implements the Streamable HTTP transport. It mounts
// as a standard net/http handler on a single endpoint and carries JSON-RPC
// over POST, GET and DELETE.
//
// Responsibilities
//   - Origin validation before any other processing (403)
//   - Session creation on initialize and validation of Mcp-Session-Id (400)
//   - POST: 202 for payloads without requests, otherwise a JSON body or an
//     event stream carrying the responses
//   - GET: server-push streams and resumption with Last-Event-ID (405 when
//     server push is disabled)
//   - DELETE: session termination
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "/mcp",
//	    manager, // *sessions.Manager
//	    engine,  // *correlation.Engine
//	    streaminghttp.WithSecurity(validator),
//	)
//
// # Streams
//
// Every frame on a stream carries an id of the form "<stream>:<seq>". A client
// that loses its connection reconnects with GET and Last-Event-ID to receive
// what it missed. Losing the connection never cancels the requests the stream
// was answering. When the requested position is no longer retained the
// handler writes a single "unresumable" event carrying a JSON-RPC error and
// closes the stream.
//
// # Error Handling
//
// Transport-level rejections (403, 400, 404, 405, 406, 413, 415) carry a small
// JSON body that is not a JSON-RPC message. Payload-level errors (parse
// errors, empty batches, invalid lone messages) are answered with a JSON-RPC
// error object whose id is null.
package streaminghttp
