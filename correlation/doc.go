// Package correlation routes JSON-RPC traffic between HTTP connections and a
// Processor. It owns, per session, the registry of open streams, the map of
// pending client requests, the map of outstanding server-to-client calls and
// the assignment of event ids, all guarded by one per-session lock.
//
// Every message bound for a client is appended to the event log of exactly
// one stream before any connection sees it. A connection attached to the
// stream drains the log through Stream.Serve, so a slow or absent reader
// never blocks a producer: frames simply wait in the log until they are read
// or evicted. A reader that falls behind the retention window receives
// eventlog.ErrUnresumable from Serve and is expected to be disconnected.
//
// Request processing runs on a context detached from the HTTP request. A
// dropped connection leaves the work running; only a cancellation
// notification, the request timeout or the end of the session stops it.
package correlation
